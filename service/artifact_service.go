package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rulebox/core"
	"rulebox/storage"
)

// ArtifactStore is the subset of the rule store used to manage artifacts.
type ArtifactStore interface {
	ListArtifacts(ctx context.Context, family core.Family) ([]core.CompiledArtifact, error)
	SetArtifactEnabled(ctx context.Context, family core.Family, id int64, enabled bool) error
}

// ArtifactService lists compiled artifacts and toggles their enabled flag.
type ArtifactService struct {
	store  ArtifactStore
	logger *zap.SugaredLogger
}

// NewArtifactService creates an ArtifactService.
// Panics if store or logger is nil.
func NewArtifactService(store ArtifactStore, logger *zap.SugaredLogger) *ArtifactService {
	if store == nil {
		panic("store is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &ArtifactService{store: store, logger: logger}
}

// ListArtifacts returns a family's artifacts, newest first.
func (s *ArtifactService) ListArtifacts(ctx context.Context, family core.Family) ([]core.CompiledArtifact, error) {
	if !family.IsValid() {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "unknown rule family: %s", family)
	}
	artifacts, err := s.store.ListArtifacts(ctx, family)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrStorageFailed, err)
	}
	return artifacts, nil
}

// SetEnabled enables or disables one artifact and, with it, all of its rules.
func (s *ArtifactService) SetEnabled(ctx context.Context, family core.Family, id int64, enabled bool) error {
	if !family.IsValid() {
		return core.NewValidationError(core.ErrInvalidSubmission, "unknown rule family: %s", family)
	}
	if id <= 0 {
		return core.NewValidationError(core.ErrInvalidSubmission, "invalid artifact id: %d", id)
	}

	err := s.store.SetArtifactEnabled(ctx, family, id, enabled)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrArtifactNotFound):
		return fmt.Errorf("%w: %s artifact %d", core.ErrNotFound, family, id)
	default:
		return fmt.Errorf("%w: %w", core.ErrStorageFailed, err)
	}
}
