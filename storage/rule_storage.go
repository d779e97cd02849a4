package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rulebox/core"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// RuleStorage is the content-addressed store of compiled artifacts and
// parsed rules for both rule families. Uniqueness of compiled and content
// hashes is enforced by the schema.
type RuleStorage struct {
	db      *Database
	write   querier
	read    querier
	dialect Dialect
	logger  *zap.SugaredLogger
}

// NewRuleStorage creates a rule store over db
func NewRuleStorage(db *Database, logger *zap.SugaredLogger) *RuleStorage {
	return &RuleStorage{
		db:      db,
		write:   db.WriteDB,
		read:    db.ReadDB,
		dialect: db.Dialect,
		logger:  logger,
	}
}

// InTx runs fn against a store bound to one transaction. Reads made through
// the bound store see its own uncommitted writes.
func (s *RuleStorage) InTx(ctx context.Context, fn func(tx *RuleStorage) error) error {
	return s.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		bound := *s
		bound.write = tx
		bound.read = tx
		return fn(&bound)
	})
}

func (s *RuleStorage) q(query string) string {
	return s.dialect.Rebind(query)
}

// FindArtifactByHash returns the id of the artifact whose compiled bytes hash to hash
func (s *RuleStorage) FindArtifactByHash(ctx context.Context, family core.Family, hash string) (int64, bool, error) {
	t, err := tablesFor(family)
	if err != nil {
		return 0, false, err
	}

	var id int64
	query := fmt.Sprintf("SELECT id FROM %s WHERE compiled_hash = ?", t.Artifacts)
	err = s.write.QueryRowContext(ctx, s.q(query), hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to find %s artifact: %w", family, err)
	}
	return id, true, nil
}

// InsertArtifact inserts a new artifact row and returns its id.
// A row with the same compiled hash yields ErrDuplicateArtifact.
func (s *RuleStorage) InsertArtifact(ctx context.Context, family core.Family, a *core.CompiledArtifact) (int64, error) {
	t, err := tablesFor(family)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (source_name, source_file, compiled_blob, compiled_hash, enabled, compiled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`, t.Artifacts)

	var id int64
	err = s.write.QueryRowContext(ctx, s.q(query), artifactArgs(a)...).Scan(&id)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateArtifact, a.CompiledHash)
		}
		return 0, fmt.Errorf("failed to insert %s artifact: %w", family, err)
	}
	a.ID = id
	return id, nil
}

// FindOrInsertArtifact resolves the artifact id for a compiled blob,
// inserting a row when none exists. When a concurrent writer inserts the
// same hash first, the conflict is absorbed and the winner's id is returned.
func (s *RuleStorage) FindOrInsertArtifact(ctx context.Context, family core.Family, a *core.CompiledArtifact) (int64, error) {
	id, found, err := s.FindArtifactByHash(ctx, family, a.CompiledHash)
	if err != nil {
		return 0, err
	}
	if found {
		a.ID = id
		return id, nil
	}

	id, inserted, err := s.insertArtifactIfAbsent(ctx, family, a)
	if err != nil {
		return 0, err
	}
	if !inserted {
		s.logger.Debugw("Artifact inserted concurrently, reusing existing row",
			"family", family, "compiled_hash", a.CompiledHash)
		id, found, err = s.FindArtifactByHash(ctx, family, a.CompiledHash)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, fmt.Errorf("%s artifact %s vanished after insert conflict", family, a.CompiledHash)
		}
	}

	a.ID = id
	return id, nil
}

// insertArtifactIfAbsent reports inserted=false when another row already
// holds the compiled hash. DO NOTHING keeps a Postgres transaction usable
// after losing the race.
func (s *RuleStorage) insertArtifactIfAbsent(ctx context.Context, family core.Family, a *core.CompiledArtifact) (int64, bool, error) {
	t, err := tablesFor(family)
	if err != nil {
		return 0, false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (source_name, source_file, compiled_blob, compiled_hash, enabled, compiled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (compiled_hash) DO NOTHING
		RETURNING id`, t.Artifacts)

	var id int64
	err = s.write.QueryRowContext(ctx, s.q(query), artifactArgs(a)...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert %s artifact: %w", family, err)
	}
	return id, true, nil
}

func artifactArgs(a *core.CompiledArtifact) []any {
	now := time.Now().UTC()
	compiledAt, createdAt, updatedAt := a.CompiledAt, a.CreatedAt, a.UpdatedAt
	if compiledAt.IsZero() {
		compiledAt = now
	}
	if createdAt.IsZero() {
		createdAt = now
	}
	if updatedAt.IsZero() {
		updatedAt = now
	}
	return []any{
		a.SourceName, a.SourceFile, a.Blob, a.CompiledHash, boolToInt(a.Enabled),
		compiledAt.UTC(), createdAt.UTC(), updatedAt.UTC(),
	}
}

// InsertRuleIfAbsent inserts a parsed rule bound to artifactID unless a rule
// with the same content hash exists. It reports whether a row was inserted.
func (s *RuleStorage) InsertRuleIfAbsent(ctx context.Context, family core.Family, rule *core.ParsedRule, artifactID int64) (bool, error) {
	t, err := tablesFor(family)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT INTO %s (rule_name, external_id, description, level, body, source_name, source_file, content_hash, compiled_artifact_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (content_hash) DO NOTHING`, t.Rules)

	result, err := s.write.ExecContext(ctx, s.q(query),
		rule.Body.Title,
		rule.Body.ID,
		rule.Body.Description,
		rule.Body.Level,
		strings.ToValidUTF8(string(rule.Body.Raw), "\uFFFD"),
		rule.SourceName,
		rule.SourceFile,
		rule.ContentHash,
		artifactID,
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert %s rule %q: %w", family, rule.Body.Title, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected == 1, nil
}

// ListActiveRules returns the rules selected by ruleSet joined with their
// artifact. "enabled" keeps rules whose artifact is enabled, "all" keeps
// every rule.
func (s *RuleStorage) ListActiveRules(ctx context.Context, family core.Family, ruleSet core.RuleSet) ([]core.StoredRule, error) {
	t, err := tablesFor(family)
	if err != nil {
		return nil, err
	}

	var filter string
	switch ruleSet {
	case core.RuleSetEnabled:
		filter = "WHERE a.enabled = 1"
	case core.RuleSetAll:
	default:
		return nil, core.NewValidationError(core.ErrInvalidRuleSet, "rule_set must be 'enabled' or 'all', got '%s'", ruleSet)
	}

	query := fmt.Sprintf(`
		SELECT r.id, r.rule_name, r.external_id, r.description, r.level, r.body,
		       r.content_hash, r.source_name, r.source_file,
		       a.id, a.compiled_hash, a.compiled_blob, a.enabled
		FROM %s r
		JOIN %s a ON a.id = r.compiled_artifact_id
		%s
		ORDER BY r.id ASC`, t.Rules, t.Artifacts, filter)

	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s rules: %w", family, err)
	}
	defer rows.Close()

	var rules []core.StoredRule
	for rows.Next() {
		var r core.StoredRule
		var enabled int
		if err := rows.Scan(
			&r.ID, &r.Name, &r.ExternalID, &r.Description, &r.Level, &r.Body,
			&r.ContentHash, &r.SourceName, &r.SourceFile,
			&r.ArtifactID, &r.ArtifactHash, &r.ArtifactBlob, &enabled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s rule: %w", family, err)
		}
		r.ArtifactEnabled = enabled == 1
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rules: %w", family, err)
	}
	return rules, nil
}

// ListActiveArtifacts returns the compiled artifacts selected by ruleSet,
// blobs included, oldest first. It reads the artifacts table directly, so an
// artifact whose rules were all stored earlier under another artifact is
// still returned.
func (s *RuleStorage) ListActiveArtifacts(ctx context.Context, family core.Family, ruleSet core.RuleSet) ([]core.CompiledArtifact, error) {
	t, err := tablesFor(family)
	if err != nil {
		return nil, err
	}

	var filter string
	switch ruleSet {
	case core.RuleSetEnabled:
		filter = "WHERE a.enabled = 1"
	case core.RuleSetAll:
	default:
		return nil, core.NewValidationError(core.ErrInvalidRuleSet, "rule_set must be 'enabled' or 'all', got '%s'", ruleSet)
	}

	query := fmt.Sprintf(`
		SELECT a.id, a.source_name, a.source_file, a.compiled_blob, a.compiled_hash, a.enabled,
		       a.compiled_at, a.created_at, a.updated_at
		FROM %s a
		%s
		ORDER BY a.id ASC`, t.Artifacts, filter)

	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active %s artifacts: %w", family, err)
	}
	defer rows.Close()

	var artifacts []core.CompiledArtifact
	for rows.Next() {
		var a core.CompiledArtifact
		var enabled int
		if err := rows.Scan(
			&a.ID, &a.SourceName, &a.SourceFile, &a.Blob, &a.CompiledHash, &enabled,
			&a.CompiledAt, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s artifact: %w", family, err)
		}
		a.Enabled = enabled == 1
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s artifacts: %w", family, err)
	}
	return artifacts, nil
}

// ListArtifacts returns artifact metadata with rule counts, newest first.
// Blobs are not loaded.
func (s *RuleStorage) ListArtifacts(ctx context.Context, family core.Family) ([]core.CompiledArtifact, error) {
	t, err := tablesFor(family)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT a.id, a.source_name, a.source_file, a.compiled_hash, a.enabled,
		       a.compiled_at, a.created_at, a.updated_at,
		       (SELECT COUNT(*) FROM %s r WHERE r.compiled_artifact_id = a.id) AS rule_count
		FROM %s a
		ORDER BY a.id DESC`, t.Rules, t.Artifacts)

	rows, err := s.read.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s artifacts: %w", family, err)
	}
	defer rows.Close()

	artifacts := make([]core.CompiledArtifact, 0)
	for rows.Next() {
		var a core.CompiledArtifact
		var enabled int
		if err := rows.Scan(
			&a.ID, &a.SourceName, &a.SourceFile, &a.CompiledHash, &enabled,
			&a.CompiledAt, &a.CreatedAt, &a.UpdatedAt, &a.RuleCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s artifact: %w", family, err)
		}
		a.Enabled = enabled == 1
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s artifacts: %w", family, err)
	}
	return artifacts, nil
}

// SetArtifactEnabled flips the enabled flag of one artifact, which activates
// or deactivates all of its rules for enabled-only scans.
func (s *RuleStorage) SetArtifactEnabled(ctx context.Context, family core.Family, id int64, enabled bool) error {
	t, err := tablesFor(family)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("UPDATE %s SET enabled = ?, updated_at = ? WHERE id = ?", t.Artifacts)
	result, err := s.write.ExecContext(ctx, s.q(query), boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s artifact %d: %w", family, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s artifact %d", ErrArtifactNotFound, family, id)
	}

	s.logger.Infow("Artifact enabled flag updated", "family", family, "artifact_id", id, "enabled", enabled)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
