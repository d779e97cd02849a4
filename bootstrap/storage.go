package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"rulebox/config"
	"rulebox/storage"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InitStorage opens the configured rule store and brings its schema up to
// date. Postgres connections are retried; SQLite failures are fatal at once.
func InitStorage(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.Database, error) {
	var (
		db  *storage.Database
		err error
	)
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err = InitPostgres(ctx, cfg, sugar)
	default:
		db, err = InitSQLite(cfg.GetSQLitePath(), sugar)
	}
	if err != nil {
		return nil, err
	}

	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := db.RunMigrations(migrateCtx); err != nil {
		_ = db.Close()
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: Rule Store Schema Setup Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%v\n", err)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to migrate rule store: %w", err)
	}

	sugar.Infow("Rule store ready", "driver", cfg.Storage.Driver)
	return db, nil
}

// InitPostgres connects to Postgres with retry logic.
func InitPostgres(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*storage.Database, error) {
	const maxRetries = 3
	retryDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

	var db *storage.Database
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			sugar.Infow("Retrying Postgres connection",
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", retryDelays[attempt-1])
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		db, lastErr = storage.NewPostgres(ctx, cfg.Storage.PostgresDSN, cfg.Storage.MaxOpenConns, sugar)
		if lastErr == nil {
			break
		}

		sugar.Warnw("Postgres connection attempt failed",
			"attempt", attempt+1,
			"error", lastErr)
	}

	if lastErr != nil {
		errMsg := ClassifyConnectionError(lastErr, postgresAddr(cfg.Storage.PostgresDSN))
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: Postgres Connection Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to connect to Postgres after %d attempts: %w", maxRetries+1, lastErr)
	}

	sugar.Info("Connected to Postgres successfully")
	return db, nil
}

// InitSQLite initializes SQLite connection.
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.Database, error) {
	db, err := storage.NewSQLite(path, sugar)
	if err != nil {
		errMsg := ClassifySQLiteError(err, path)
		fmt.Fprintf(os.Stderr, "\n========================================\n")
		fmt.Fprintf(os.Stderr, "FATAL: SQLite Initialization Failed\n")
		fmt.Fprintf(os.Stderr, "========================================\n")
		fmt.Fprintf(os.Stderr, "%s\n", errMsg)
		fmt.Fprintf(os.Stderr, "========================================\n\n")
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}

	sugar.Info("SQLite initialized successfully")
	return db, nil
}

// postgresAddr extracts host:port from a DSN without exposing credentials.
func postgresAddr(dsn string) string {
	pc, err := pgx.ParseConfig(dsn)
	if err != nil {
		return "(unparseable DSN)"
	}
	return fmt.Sprintf("%s:%d", pc.Host, pc.Port)
}
