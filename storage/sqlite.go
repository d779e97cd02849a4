package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// configureSQLiteConnection sets up WAL mode, foreign keys and busy timeout
// for one pool and verifies they took effect.
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	// Connection string params are not applied reliably; use PRAGMA
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite disables foreign keys by default
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		return fmt.Errorf("failed to verify foreign keys: %w", err)
	}
	if fkEnabled != 1 {
		return fmt.Errorf("foreign keys not enabled (got: %d, expected: 1)", fkEnabled)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// In-memory databases use "memory" journal mode, not "wal"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugw("SQLite pool configured", "pool", poolType, "journal_mode", journalMode)

	return nil
}

// NewSQLite opens the rule store database at dbPath with separate read and
// write pools. ":memory:" opens a shared-cache in-memory database.
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*Database, error) {
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	// Without shared cache each pool would open its own empty in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// WAL allows exactly one writer
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0) // in-memory databases vanish with their last connection
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}

	if _, err := readDB.Exec("PRAGMA query_only=ON"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to enable query_only mode on read pool: %w", err)
	}

	// query_only is per connection; pin the read pool to one so it always applies
	readDB.SetMaxOpenConns(1)
	readDB.SetMaxIdleConns(1)
	readDB.SetConnMaxLifetime(0)

	logger.Infow("SQLite rule store opened", "path", dbPath)

	return &Database{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Dialect: SQLiteDialect,
		Logger:  logger,
	}, nil
}

// validateDatabasePath rejects empty, oversized, traversing, NUL-containing
// and Windows reserved-name paths.
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}

	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}

	for _, part := range strings.Split(filepath.ToSlash(dbPath), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
		}
	}

	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}

	base := filepath.Base(dbPath)
	reserved := []string{"CON", "PRN", "AUX", "NUL", "COM1", "COM2", "COM3", "COM4",
		"COM5", "COM6", "COM7", "COM8", "COM9", "LPT1", "LPT2", "LPT3", "LPT4",
		"LPT5", "LPT6", "LPT7", "LPT8", "LPT9"}

	baseUpper := strings.ToUpper(base)
	for _, r := range reserved {
		if baseUpper == r || strings.HasPrefix(baseUpper, r+".") {
			return fmt.Errorf("reserved name not allowed: %s", base)
		}
	}

	return nil
}
