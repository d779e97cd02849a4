package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"rulebox/core"
)

// setupPostgresStore starts a PostgreSQL container and returns a migrated store
func setupPostgresStore(t *testing.T) *RuleStorage {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("rulebox_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := zap.NewNop().Sugar()
	db, err := NewPostgres(ctx, connStr, 4, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.RunMigrations(ctx))
	return NewRuleStorage(db, logger)
}

func TestPostgres_RuleStoreFlow(t *testing.T) {
	store := setupPostgresStore(t)
	ctx := context.Background()

	id1, err := store.FindOrInsertArtifact(ctx, core.FamilyYARA, testArtifact("pg-blob"))
	require.NoError(t, err)
	id2, err := store.FindOrInsertArtifact(ctx, core.FamilyYARA, testArtifact("pg-blob"))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, err = store.InsertArtifact(ctx, core.FamilyYARA, testArtifact("pg-blob"))
	assert.True(t, errors.Is(err, ErrDuplicateArtifact))

	// A lost race inside a transaction must not abort it
	err = store.InTx(ctx, func(tx *RuleStorage) error {
		_, inserted, err := tx.insertArtifactIfAbsent(ctx, core.FamilyYARA, testArtifact("pg-blob"))
		if err != nil {
			return err
		}
		assert.False(t, inserted)
		_, err = tx.InsertRuleIfAbsent(ctx, core.FamilyYARA, testRule("pg-rule"), id1)
		return err
	})
	require.NoError(t, err)

	inserted, err := store.InsertRuleIfAbsent(ctx, core.FamilyYARA, testRule("pg-rule"), id1)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, store.SetArtifactEnabled(ctx, core.FamilyYARA, id1, false))
	rules, err := store.ListActiveRules(ctx, core.FamilyYARA, core.RuleSetEnabled)
	require.NoError(t, err)
	assert.Empty(t, rules)

	rules, err = store.ListActiveRules(ctx, core.FamilyYARA, core.RuleSetAll)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, []byte("pg-blob"), rules[0].ArtifactBlob)

	active, err := store.ListActiveArtifacts(ctx, core.FamilyYARA, core.RuleSetEnabled)
	require.NoError(t, err)
	assert.Empty(t, active)
	active, err = store.ListActiveArtifacts(ctx, core.FamilyYARA, core.RuleSetAll)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, []byte("pg-blob"), active[0].Blob)

	artifacts, err := store.ListArtifacts(ctx, core.FamilyYARA)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, 1, artifacts[0].RuleCount)
	assert.False(t, artifacts[0].Enabled)
}
