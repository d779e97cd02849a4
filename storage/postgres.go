package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// NewPostgres opens the rule store on Postgres through pgx's database/sql
// driver. Reads and writes share one pool.
func NewPostgres(ctx context.Context, dsn string, maxOpenConns int, logger *zap.SugaredLogger) (*Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN cannot be empty")
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}

	db := stdlib.OpenDB(*cfg)
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	logger.Infow("Postgres rule store opened", "host", cfg.Host, "database", cfg.Database)

	return &Database{
		WriteDB: db,
		ReadDB:  db,
		Dialect: PostgresDialect,
		Logger:  logger,
	}, nil
}
