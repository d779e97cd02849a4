package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Database holds the connection pools of the rule store.
// SQLite uses a single-connection write pool and a query_only read pool;
// Postgres shares one pool for both.
type Database struct {
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Dialect Dialect
	Logger  *zap.SugaredLogger
}

// WithTransaction executes a function within a database transaction.
// The transaction is rolled back when fn returns an error or panics; a panic
// is re-raised after the rollback.
func (d *Database) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := d.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p) // Re-panic after rollback
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// RunMigrations applies the registered schema migrations and verifies the
// live schema against the declared one.
func (d *Database) RunMigrations(ctx context.Context) error {
	runner, err := NewMigrationRunner(ctx, d.WriteDB, d.Dialect, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner: %w", err)
	}

	RegisterRuleMigrations(runner)

	if err := runner.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	issues, err := runner.VerifyIntegrity(ctx)
	if err != nil {
		d.Logger.Warnw("Failed to verify migration integrity", "error", err)
	}
	for _, issue := range issues {
		d.Logger.Warnw("Migration integrity issue", "issue", issue)
	}

	if err := VerifySchema(ctx, d.ReadDB, d.Dialect); err != nil {
		return err
	}

	status, err := runner.GetMigrationStatus(ctx)
	if err != nil {
		d.Logger.Warnw("Failed to get migration status", "error", err)
	} else {
		d.Logger.Infow("Migration status",
			"applied", status.AppliedCount,
			"pending", status.PendingCount,
			"latest", status.LatestApplied)
	}

	return nil
}

// HealthCheck verifies the database connection is alive
func (d *Database) HealthCheck(ctx context.Context) error {
	return d.WriteDB.PingContext(ctx)
}

// Close closes both pools
func (d *Database) Close() error {
	var writeErr, readErr error

	if d.WriteDB != nil {
		writeErr = d.WriteDB.Close()
	}
	if d.ReadDB != nil && d.ReadDB != d.WriteDB {
		readErr = d.ReadDB.Close()
	}

	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}
