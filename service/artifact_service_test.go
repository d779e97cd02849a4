package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rulebox/core"
)

func TestArtifactService_ListAndToggle(t *testing.T) {
	store, ids := setupStore(t)
	svc := NewArtifactService(store, zap.NewNop().Sugar())
	ctx := context.Background()

	artifacts, err := svc.ListArtifacts(ctx, core.FamilySigma)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.True(t, artifacts[0].Enabled)
	assert.Equal(t, 1, artifacts[0].RuleCount)

	require.NoError(t, svc.SetEnabled(ctx, core.FamilySigma, ids[core.FamilySigma], false))

	artifacts, err = svc.ListArtifacts(ctx, core.FamilySigma)
	require.NoError(t, err)
	assert.False(t, artifacts[0].Enabled)

	yaraArtifacts, err := svc.ListArtifacts(ctx, core.FamilyYARA)
	require.NoError(t, err)
	assert.True(t, yaraArtifacts[0].Enabled, "families are independent")
}

func TestArtifactService_NotFound(t *testing.T) {
	store, _ := setupStore(t)
	svc := NewArtifactService(store, zap.NewNop().Sugar())

	err := svc.SetEnabled(context.Background(), core.FamilyYARA, 9999, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound))
	assert.False(t, errors.Is(err, core.ErrStorageFailed))
}

func TestArtifactService_Validation(t *testing.T) {
	store, _ := setupStore(t)
	svc := NewArtifactService(store, zap.NewNop().Sugar())

	err := svc.SetEnabled(context.Background(), core.FamilyYARA, 0, true)
	assert.True(t, errors.Is(err, core.ErrInvalidSubmission))

	_, err = svc.ListArtifacts(context.Background(), core.Family("snort"))
	assert.True(t, errors.Is(err, core.ErrInvalidSubmission))
}

func TestArtifactService_StorageFailure(t *testing.T) {
	svc := NewArtifactService(failingArtifactStore{}, zap.NewNop().Sugar())

	_, err := svc.ListArtifacts(context.Background(), core.FamilyYARA)
	assert.True(t, errors.Is(err, core.ErrStorageFailed))

	err = svc.SetEnabled(context.Background(), core.FamilyYARA, 1, false)
	assert.True(t, errors.Is(err, core.ErrStorageFailed))
}

type failingArtifactStore struct{}

func (failingArtifactStore) ListArtifacts(context.Context, core.Family) ([]core.CompiledArtifact, error) {
	return nil, errors.New("connection reset")
}

func (failingArtifactStore) SetArtifactEnabled(context.Context, core.Family, int64, bool) error {
	return errors.New("connection reset")
}
