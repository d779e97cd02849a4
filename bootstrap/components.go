package bootstrap

import (
	"context"
	"fmt"

	"rulebox/config"
	"rulebox/detect"
	"rulebox/ingest"
	"rulebox/sandbox"
	"rulebox/service"
	"rulebox/sigma"
	"rulebox/storage"
	"rulebox/yara"

	"go.uber.org/zap"
)

// Components holds the rule store, the engines and the services built on
// them. The server and the CLI share it.
type Components struct {
	DB        *storage.Database
	Rules     *storage.RuleStorage
	Pipeline  *ingest.Pipeline
	Sandbox   *sandbox.Sandbox
	Scans     *service.ScanService
	Artifacts *service.ArtifactService
}

// NewComponents opens the rule store and wires ingestion and scanning on top
// of it. engine provides YARA compilation and loading.
func NewComponents(ctx context.Context, cfg *config.Config, engine yara.Engine, sugar *zap.SugaredLogger) (*Components, error) {
	if engine == nil {
		return nil, fmt.Errorf("yara engine is required")
	}

	if err := EnsureDataDirectories(DataDirectoriesFromConfig(cfg), sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	db, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	rules := storage.NewRuleStorage(db, sugar)

	pipeline := ingest.NewPipeline(rules, engine, sigma.NewParser(), ingest.OptionsFromConfig(cfg), sugar)
	sugar.Info("Rule ingestion pipeline initialized")

	sb := sandbox.New(engine, sandbox.OptionsFromConfig(cfg), sugar)
	sugar.Infow("Scan sandbox initialized",
		"scratch_dir", sb.ScratchDir(),
		"yara_timeout", cfg.YARA.ScanTimeout,
		"sigma_timeout", cfg.Sigma.ScanTimeout)

	normalizer := detect.NewNormalizer(cfg.Sigma.MaxHitEvents)
	scans := service.NewScanService(rules, sb, normalizer, service.ScanOptionsFromConfig(cfg), sugar)

	return &Components{
		DB:        db,
		Rules:     rules,
		Pipeline:  pipeline,
		Sandbox:   sb,
		Scans:     scans,
		Artifacts: service.NewArtifactService(rules, sugar),
	}, nil
}

// Close releases the rule store.
func (c *Components) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
