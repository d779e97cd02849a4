package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Migration is one forward schema step. Statements run in order inside a
// single transaction; they receive the dialect so DDL can pick column types.
type Migration struct {
	Version     string // Semantic version (e.g., "1.0.0")
	Name        string
	Description string
	Up          func(ctx context.Context, tx *sql.Tx, d Dialect) error
	Checksum    string // SHA256 prefix of version and name, for drift detection
}

// MigrationRecord represents a row in the schema_migrations table
type MigrationRecord struct {
	ID        int64
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
	Duration  int64 // milliseconds
}

// MigrationStatus summarizes migration state
type MigrationStatus struct {
	TotalRegistered int
	AppliedCount    int
	PendingCount    int
	IntegrityIssues []string
	LatestApplied   string
}

// MigrationRunner manages database migrations
type MigrationRunner struct {
	db         *sql.DB
	dialect    Dialect
	logger     *zap.SugaredLogger
	migrations []Migration
}

// NewMigrationRunner creates a new migration runner and ensures the
// schema_migrations table exists.
func NewMigrationRunner(ctx context.Context, db *sql.DB, dialect Dialect, logger *zap.SugaredLogger) (*MigrationRunner, error) {
	runner := &MigrationRunner{
		db:         db,
		dialect:    dialect,
		logger:     logger,
		migrations: make([]Migration, 0),
	}

	if err := runner.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	return runner, nil
}

func (r *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
			id %s,
			version TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL,
			applied_at %s NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0
		)`, r.dialect.AutoIncrementPK, r.dialect.TimestampType),
		`CREATE INDEX IF NOT EXISTS idx_schema_migrations_applied_at ON schema_migrations(applied_at)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a migration to the runner
func (r *MigrationRunner) Register(m Migration) {
	if m.Checksum == "" {
		m.Checksum = calculateChecksum(m)
	}
	r.migrations = append(r.migrations, m)
}

// Up functions can't be hashed, so version and name stand in for content
func calculateChecksum(m Migration) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", m.Version, m.Name)))
	return hex.EncodeToString(hash[:8])
}

// GetAppliedMigrations returns all migrations that have been applied
func (r *MigrationRunner) GetAppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, version, name, checksum, applied_at, duration_ms
		FROM schema_migrations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var rec MigrationRecord
		if err := rows.Scan(&rec.ID, &rec.Version, &rec.Name, &rec.Checksum, &rec.AppliedAt, &rec.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return compareVersions(records[i].Version, records[j].Version) < 0
	})

	return records, rows.Err()
}

// GetPendingMigrations returns registered migrations not yet applied, in version order
func (r *MigrationRunner) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Version] = true
	}

	var pending []Migration
	for _, m := range r.migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return compareVersions(pending[i].Version, pending[j].Version) < 0
	})

	return pending, nil
}

// RunMigrations applies all pending migrations
func (r *MigrationRunner) RunMigrations(ctx context.Context) error {
	pending, err := r.GetPendingMigrations(ctx)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		r.logger.Debug("No pending migrations")
		return nil
	}

	r.logger.Infof("Running %d pending migrations", len(pending))

	for _, m := range pending {
		if err := r.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %s (%s) failed: %w", m.Version, m.Name, err)
		}
	}

	r.logger.Info("All migrations completed successfully")
	return nil
}

// runMigration applies a single migration within a transaction.
// A panic in Up is converted into the returned error.
func (r *MigrationRunner) runMigration(ctx context.Context, m Migration) (err error) {
	r.logger.Infof("Running migration %s: %s", m.Version, m.Name)
	start := time.Now()

	var tx *sql.Tx
	tx, err = r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			if panicAsErr, ok := p.(error); ok {
				err = fmt.Errorf("migration panicked: %w", panicAsErr)
			} else {
				err = fmt.Errorf("migration panicked: %v", p)
			}
		}
	}()

	if err := m.Up(ctx, tx, r.dialect); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration Up() failed: %w", err)
	}

	duration := time.Since(start).Milliseconds()
	_, err = tx.ExecContext(ctx, r.dialect.Rebind(`
		INSERT INTO schema_migrations (version, name, checksum, applied_at, duration_ms)
		VALUES (?, ?, ?, ?, ?)
	`), m.Version, m.Name, m.Checksum, time.Now().UTC(), duration)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	r.logger.Infof("Migration %s completed in %dms", m.Version, duration)
	return nil
}

// VerifyIntegrity checks for migration drift (modified applied migrations)
func (r *MigrationRunner) VerifyIntegrity(ctx context.Context) ([]string, error) {
	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	registered := make(map[string]Migration, len(r.migrations))
	for _, m := range r.migrations {
		registered[m.Version] = m
	}

	var issues []string
	for _, rec := range applied {
		m, ok := registered[rec.Version]
		if !ok {
			issues = append(issues, fmt.Sprintf(
				"Migration %s was applied but is not registered (orphaned migration)", rec.Version))
			continue
		}
		if m.Checksum != rec.Checksum {
			issues = append(issues, fmt.Sprintf(
				"Migration %s checksum mismatch: applied=%s, registered=%s (possible code drift)",
				rec.Version, rec.Checksum, m.Checksum))
		}
	}

	return issues, nil
}

// GetMigrationStatus returns a summary of migration state
func (r *MigrationRunner) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	applied, err := r.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending, err := r.GetPendingMigrations(ctx)
	if err != nil {
		return nil, err
	}

	issues, err := r.VerifyIntegrity(ctx)
	if err != nil {
		return nil, err
	}

	status := &MigrationStatus{
		TotalRegistered: len(r.migrations),
		AppliedCount:    len(applied),
		PendingCount:    len(pending),
		IntegrityIssues: issues,
	}
	if len(applied) > 0 {
		status.LatestApplied = applied[len(applied)-1].Version
	}
	return status, nil
}

// compareVersions compares two semantic versions
// Returns -1 if a < b, 0 if a == b, 1 if a > b
func compareVersions(a, b string) int {
	partsA := strings.Split(a, ".")
	partsB := strings.Split(b, ".")

	maxLen := len(partsA)
	if len(partsB) > maxLen {
		maxLen = len(partsB)
	}

	for i := 0; i < maxLen; i++ {
		var numA, numB int
		if i < len(partsA) {
			fmt.Sscanf(partsA[i], "%d", &numA)
		}
		if i < len(partsB) {
			fmt.Sscanf(partsB[i], "%d", &numB)
		}

		if numA < numB {
			return -1
		}
		if numA > numB {
			return 1
		}
	}
	return 0
}

// validateSQLIdentifier guards identifiers interpolated into DDL.
// Valid identifiers start with a letter or underscore and contain only
// alphanumerics and underscores.
func validateSQLIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("SQL identifier cannot be empty")
	}
	if !(name[0] >= 'a' && name[0] <= 'z' || name[0] >= 'A' && name[0] <= 'Z' || name[0] == '_') {
		return fmt.Errorf("invalid SQL identifier %q: must start with letter or underscore", name)
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return fmt.Errorf("invalid SQL identifier %q: contains invalid character at position %d", name, i)
		}
	}
	return nil
}
