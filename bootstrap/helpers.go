package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// DataDirectories defines the paths that need to exist for rulebox to run.
type DataDirectories struct {
	Base    string // Base data directory (default: ./data)
	Scratch string // Runtime scratch root for scan jobs and archive extraction
	SQLite  string // SQLite database path
}

// EnsureDataDirectories creates the data and scratch directories and checks
// they are writable. This is a pre-flight check that runs before the rule
// store is opened.
func EnsureDataDirectories(dirs DataDirectories, sugar *zap.SugaredLogger) error {
	for _, dir := range []string{dirs.Base, dirs.Scratch} {
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}

		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions\n"+
				"  For bare metal: Run 'mkdir -p %s && chmod 755 %s'", dir, err, absPath, absPath)
		}

		// Verify write permissions
		testFile := filepath.Join(absPath, ".rulebox_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions\n"+
				"  For Docker: Ensure volume is mounted with write access\n"+
				"  For bare metal: Run 'chmod -R u+w %s'", dir, err, absPath)
		}
		_ = os.Remove(testFile)

		sugar.Infow("Data directory ready", "path", absPath)
	}
	return nil
}

// ClassifyConnectionError provides specific error messages based on the type
// of Postgres connection failure.
func ClassifyConnectionError(err error, addr string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("Connection to Postgres at %s timed out.\n"+
			"  Possible causes:\n"+
			"  - Postgres is starting up (wait and retry)\n"+
			"  - Network latency or firewall blocking the connection\n"+
			"  Remediation:\n"+
			"  - Verify network connectivity: nc -zv %s", addr, addr)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
		containsIgnoreCase(errStr, "connection refused") {
		return fmt.Sprintf("Connection refused by Postgres at %s.\n"+
			"  This usually means Postgres is not running.\n"+
			"  Remediation:\n"+
			"  - Start Postgres: docker compose up -d postgres\n"+
			"  - Verify storage.postgres_dsn in config.yaml", addr)
	}

	if containsIgnoreCase(errStr, "no such host") || containsIgnoreCase(errStr, "lookup") {
		return fmt.Sprintf("Cannot resolve hostname in Postgres address %s.\n"+
			"  Remediation:\n"+
			"  - Verify the hostname is correct\n"+
			"  - Check DNS configuration", addr)
	}

	if containsIgnoreCase(errStr, "authentication") || containsIgnoreCase(errStr, "password") {
		return fmt.Sprintf("Authentication failed for Postgres at %s.\n"+
			"  Remediation:\n"+
			"  - Verify user and password in storage.postgres_dsn\n"+
			"  - Check RULEBOX_POSTGRES_DSN env var", addr)
	}

	return fmt.Sprintf("Failed to connect to Postgres at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure Postgres is running and accessible\n"+
		"  - Check config.yaml storage.postgres_dsn setting", addr, err)
}

// ClassifySQLiteError provides specific error messages based on the type of SQLite failure.
func ClassifySQLiteError(err error, dbPath string) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	absPath, _ := filepath.Abs(dbPath)
	parentDir := filepath.Dir(absPath)

	switch {
	case containsIgnoreCase(errStr, "permission denied") || containsIgnoreCase(errStr, "access denied"):
		return fmt.Sprintf("Permission denied accessing SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check file permissions: ls -la %s\n"+
			"  - Check directory permissions: ls -la %s",
			absPath, absPath, parentDir)

	case containsIgnoreCase(errStr, "database is locked") || containsIgnoreCase(errStr, "SQLITE_BUSY"):
		return fmt.Sprintf("SQLite database at %s is locked by another process.\n"+
			"  Remediation:\n"+
			"  - Check for running rulebox processes: ps aux | grep rulebox\n"+
			"  - Check for lock files: ls -la %s*", absPath, absPath)

	case containsIgnoreCase(errStr, "disk full") || containsIgnoreCase(errStr, "no space") || containsIgnoreCase(errStr, "SQLITE_FULL"):
		return fmt.Sprintf("Disk full - cannot write to SQLite database at %s.\n"+
			"  Remediation:\n"+
			"  - Check available disk space: df -h %s", absPath, parentDir)

	case containsIgnoreCase(errStr, "corrupt") || containsIgnoreCase(errStr, "malformed") || containsIgnoreCase(errStr, "SQLITE_CORRUPT"):
		return fmt.Sprintf("SQLite database at %s appears to be corrupted.\n"+
			"  CRITICAL: Backup any existing data before proceeding!\n"+
			"  - Check integrity: sqlite3 %s \"PRAGMA integrity_check;\"",
			absPath, absPath)

	case containsIgnoreCase(errStr, "read-only"):
		return fmt.Sprintf("SQLite database location is on a read-only file system: %s.\n"+
			"  Remediation:\n"+
			"  - Move database to a writable location via RULEBOX_SQLITE_PATH", absPath)
	}

	return fmt.Sprintf("Failed to initialize SQLite database at %s: %v\n"+
		"  Remediation:\n"+
		"  - Ensure the directory %s exists and is writable\n"+
		"  - Check disk space and permissions", absPath, err, parentDir)
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
