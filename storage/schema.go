package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"rulebox/core"
)

type familyTables struct {
	Artifacts string
	Rules     string
}

var tablesByFamily = map[core.Family]familyTables{
	core.FamilyYARA:  {Artifacts: "yara_artifacts", Rules: "yara_rules"},
	core.FamilySigma: {Artifacts: "sigma_artifacts", Rules: "sigma_rules"},
}

func tablesFor(family core.Family) (familyTables, error) {
	t, ok := tablesByFamily[family]
	if !ok {
		return familyTables{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	return t, nil
}

var artifactColumns = []string{
	"id", "source_name", "source_file", "compiled_blob", "compiled_hash",
	"enabled", "compiled_at", "created_at", "updated_at",
}

var ruleColumns = []string{
	"id", "rule_name", "external_id", "description", "level", "body",
	"source_name", "source_file", "content_hash", "compiled_artifact_id",
	"created_at", "updated_at",
}

// DeclaredSchema maps every table the store relies on to its columns.
func DeclaredSchema() map[string][]string {
	schema := make(map[string][]string, 2*len(tablesByFamily))
	for _, t := range tablesByFamily {
		schema[t.Artifacts] = artifactColumns
		schema[t.Rules] = ruleColumns
	}
	return schema
}

func createFamilyTables(family core.Family) func(context.Context, *sql.Tx, Dialect) error {
	return func(ctx context.Context, tx *sql.Tx, d Dialect) error {
		t, err := tablesFor(family)
		if err != nil {
			return err
		}
		for _, name := range []string{t.Artifacts, t.Rules} {
			if err := validateSQLIdentifier(name); err != nil {
				return err
			}
		}

		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id %s,
				source_name TEXT NOT NULL,
				source_file TEXT NOT NULL,
				compiled_blob %s NOT NULL,
				compiled_hash TEXT NOT NULL UNIQUE,
				enabled INTEGER NOT NULL DEFAULT 1,
				compiled_at %s NOT NULL,
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, t.Artifacts, d.AutoIncrementPK, d.BlobType, d.TimestampType, d.TimestampType, d.TimestampType),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id %s,
				rule_name TEXT NOT NULL,
				external_id TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				level TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				source_name TEXT NOT NULL,
				source_file TEXT NOT NULL,
				content_hash TEXT NOT NULL UNIQUE,
				compiled_artifact_id BIGINT NOT NULL REFERENCES %s(id),
				created_at %s NOT NULL,
				updated_at %s NOT NULL
			)`, t.Rules, d.AutoIncrementPK, t.Artifacts, d.TimestampType, d.TimestampType),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create %s tables: %w", family, err)
			}
		}
		return nil
	}
}

func createLookupIndexes(ctx context.Context, tx *sql.Tx, _ Dialect) error {
	for family, t := range tablesByFamily {
		stmts := []string{
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_artifact ON %s(compiled_artifact_id)", t.Rules, t.Rules),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(rule_name)", t.Rules, t.Rules),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_enabled ON %s(enabled)", t.Artifacts, t.Artifacts),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to index %s tables: %w", family, err)
			}
		}
	}
	return nil
}

// RegisterRuleMigrations registers the rule store schema with the runner
func RegisterRuleMigrations(runner *MigrationRunner) {
	runner.Register(Migration{
		Version:     "1.0.0",
		Name:        "create_yara_tables",
		Description: "YARA compiled artifacts and parsed rules",
		Up:          createFamilyTables(core.FamilyYARA),
	})
	runner.Register(Migration{
		Version:     "1.0.1",
		Name:        "create_sigma_tables",
		Description: "Sigma compiled bundles and parsed rules",
		Up:          createFamilyTables(core.FamilySigma),
	})
	runner.Register(Migration{
		Version:     "1.1.0",
		Name:        "add_rule_lookup_indexes",
		Description: "Indexes for artifact joins, rule names and enabled filtering",
		Up:          createLookupIndexes,
	})
}

// VerifySchema checks that every declared table and column exists in the
// live store. It runs once at startup after migrations.
func VerifySchema(ctx context.Context, db *sql.DB, d Dialect) error {
	schema := DeclaredSchema()
	tables := make([]string, 0, len(schema))
	for table := range schema {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		live, err := liveColumns(ctx, db, d, table)
		if err != nil {
			return fmt.Errorf("failed to inspect table %s: %w", table, err)
		}
		if len(live) == 0 {
			return fmt.Errorf("%w: table %s is missing", ErrSchemaMismatch, table)
		}
		for _, col := range schema[table] {
			if !live[col] {
				return fmt.Errorf("%w: column %s.%s is missing", ErrSchemaMismatch, table, col)
			}
		}
	}
	return nil
}

func liveColumns(ctx context.Context, db *sql.DB, d Dialect, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, d.Rebind(d.ColumnsQuery), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
