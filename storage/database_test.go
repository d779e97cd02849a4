package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"memory", ":memory:", false},
		{"relative", "data/rulebox.db", false},
		{"absolute", "/var/lib/rulebox/rulebox.db", false},
		{"empty", "", true},
		{"traversal", "data/../../etc/rulebox.db", true},
		{"null byte", "data/rule\x00box.db", true},
		{"reserved name", "data/NUL.db", true},
		{"too long", strings.Repeat("a", 513), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewSQLite_ConfiguresPools(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "rulebox.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.WriteDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.WriteDB.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	// Read pool refuses writes
	_, err = db.ReadDB.Exec("CREATE TABLE should_fail (id INTEGER)")
	assert.Error(t, err)

	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestNewSQLite_InvalidPath(t *testing.T) {
	_, err := NewSQLite("../outside.db", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT id FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, query, SQLiteDialect.Rebind(query))
	assert.Equal(t, "SELECT id FROM t WHERE a = $1 AND b = $2", PostgresDialect.Rebind(query))
}

func TestDialect_IsUniqueViolation(t *testing.T) {
	assert.False(t, SQLiteDialect.IsUniqueViolation(nil))
	assert.True(t, SQLiteDialect.IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: yara_artifacts.compiled_hash (2067)")))
	assert.False(t, SQLiteDialect.IsUniqueViolation(errors.New("database is locked")))

	assert.True(t, PostgresDialect.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, PostgresDialect.IsUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, PostgresDialect.IsUniqueViolation(errors.New("UNIQUE constraint failed")))
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("1.0.1", "1.1.0"))
	assert.Equal(t, 1, compareVersions("1.10.0", "1.9.0"))
	assert.Equal(t, 0, compareVersions("1.0", "1.0.0"))
}

func TestValidateSQLIdentifier(t *testing.T) {
	assert.NoError(t, validateSQLIdentifier("yara_rules"))
	assert.Error(t, validateSQLIdentifier(""))
	assert.Error(t, validateSQLIdentifier("1abc"))
	assert.Error(t, validateSQLIdentifier("rules; DROP TABLE x"))
}
