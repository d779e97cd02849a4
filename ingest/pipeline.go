// Package ingest implements rule ingestion for both rule families: size and
// extension validation, zip-slip-safe archive handling, parsing,
// canonical hashing, per-file compilation and transactional persistence
// with content-addressed deduplication.
//
// Archive ingestion is fail-fast: the first unsafe member, disallowed
// extension, empty file or compile failure aborts the whole batch and
// nothing is committed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"rulebox/core"
	"rulebox/metrics"
	"rulebox/sigma"
	"rulebox/storage"
	"rulebox/yara"
)

// Pipeline ingests rule files and archives into the rule store
type Pipeline struct {
	store     *storage.RuleStorage
	opts      Options
	ingesters map[core.Family]familyIngester
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewPipeline creates an ingestion pipeline.
// Panics if store, compiler or logger is nil; these are programming errors.
func NewPipeline(store *storage.RuleStorage, compiler yara.Compiler, parser *sigma.Parser, opts Options, logger *zap.SugaredLogger) *Pipeline {
	if store == nil {
		panic("store is required")
	}
	if compiler == nil {
		panic("yara compiler is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if parser == nil {
		parser = sigma.NewParser()
	}

	return &Pipeline{
		store: store,
		opts:  opts,
		ingesters: map[core.Family]familyIngester{
			core.FamilyYARA: &yaraIngester{
				compiler:   compiler,
				scratchDir: opts.ScratchDir,
				diagLimit:  opts.DiagnosticLimit,
				logger:     logger,
			},
			core.FamilySigma: &sigmaIngester{
				parser:           parser,
				requireDetection: opts.RequireDetection,
				diagLimit:        opts.DiagnosticLimit,
			},
		},
		logger: logger,
		now:    time.Now,
	}
}

// IngestFile ingests a single rule file. Validation runs before any parsing;
// the file's rules and its compiled artifact are persisted in one transaction.
func (p *Pipeline) IngestFile(ctx context.Context, family core.Family, sub core.RawSubmission) (report *core.IngestReport, err error) {
	defer func() { p.record(family, core.KindSingle, err) }()

	ing, err := p.ingester(family)
	if err != nil {
		return nil, err
	}
	sub.Filename = strings.TrimSpace(sub.Filename)
	if err := validateSubmission(sub, p.opts.Extensions[family], p.opts.MaxFileBytes); err != nil {
		return nil, err
	}

	sourceName := p.sourceName(sub)
	unit, err := ing.compileFile(ctx, sub.Filename, sub.Data, sourceName)
	if err != nil {
		return nil, err
	}

	return p.persist(ctx, family, core.KindSingle, sub, sourceName, []compileUnit{*unit})
}

// IngestArchive ingests a zip archive of rule files. Every member path and
// extension is checked before any member is parsed.
func (p *Pipeline) IngestArchive(ctx context.Context, family core.Family, sub core.RawSubmission) (report *core.IngestReport, err error) {
	defer func() { p.record(family, core.KindZip, err) }()

	ing, err := p.ingester(family)
	if err != nil {
		return nil, err
	}
	sub.Filename = strings.TrimSpace(sub.Filename)
	if err := validateSubmission(sub, []string{archiveExtension}, p.opts.MaxArchiveBytes); err != nil {
		return nil, err
	}

	members, err := readArchive(sub.Data, sub.Filename, p.opts.Extensions[family], archiveLimits{
		MaxEntries:     p.opts.MaxArchiveEntries,
		MaxMemberBytes: p.opts.MaxFileBytes,
		MaxTotalBytes:  p.opts.MaxUnpackedBytes,
	})
	if err != nil {
		return nil, err
	}

	sourceName := p.sourceName(sub)
	units, err := ing.compileArchive(ctx, members, sourceName)
	if err != nil {
		return nil, err
	}

	return p.persist(ctx, family, core.KindZip, sub, sourceName, units)
}

func (p *Pipeline) ingester(family core.Family) (familyIngester, error) {
	ing, ok := p.ingesters[family]
	if !ok {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "unknown rule family: %s", family)
	}
	return ing, nil
}

func (p *Pipeline) sourceName(sub core.RawSubmission) string {
	if name := strings.TrimSpace(sub.SourceName); name != "" {
		return name
	}
	return p.opts.DefaultSourceName
}

// persist resolves each unit's artifact and inserts its rules, all in one
// transaction. Any storage error rolls back everything and surfaces as
// ErrStorageFailed.
func (p *Pipeline) persist(ctx context.Context, family core.Family, kind string, sub core.RawSubmission, sourceName string, units []compileUnit) (*core.IngestReport, error) {
	now := p.now().UTC()
	report := &core.IngestReport{
		OK:          true,
		Kind:        kind,
		Family:      family,
		SourceName:  sourceName,
		Filename:    sub.Filename,
		RuleNames:   make([]string, 0),
		ArtifactIDs: make([]int64, 0),
		SHA256:      core.SHA256Hex(sub.Data),
		CreatedAt:   now.Format(time.RFC3339),
	}
	if kind == core.KindZip {
		report.StoredFiles = make([]string, 0)
	}

	err := p.store.InTx(ctx, func(tx *storage.RuleStorage) error {
		// Counters are rebuilt from scratch so a failed attempt leaves no trace
		stored, skipped := 0, 0
		names := make([]string, 0)
		files := make([]string, 0)
		seen := make(map[int64]bool)
		ids := make([]int64, 0, len(units))

		for _, unit := range units {
			artifact := core.NewCompiledArtifact(unit.Blob, sourceName, unit.File, now)
			artifactID, err := tx.FindOrInsertArtifact(ctx, family, artifact)
			if err != nil {
				return err
			}
			if !seen[artifactID] {
				seen[artifactID] = true
				ids = append(ids, artifactID)
			}

			fileStored := false
			for i := range unit.Rules {
				inserted, err := tx.InsertRuleIfAbsent(ctx, family, &unit.Rules[i], artifactID)
				if err != nil {
					return err
				}
				if inserted {
					stored++
					fileStored = true
					if len(names) < p.opts.NameSampleLimit {
						names = append(names, unit.Rules[i].Body.Title)
					}
				} else {
					skipped++
				}
			}
			if fileStored {
				files = append(files, unit.File)
			}
		}

		report.StoredCount = stored
		report.SkippedCount = skipped
		report.RuleNames = names
		report.ArtifactIDs = ids
		if kind == core.KindZip {
			report.StoredFiles = files
		}
		return nil
	})
	if err != nil {
		p.logger.Errorw("Rule ingestion transaction failed",
			"family", family, "filename", sub.Filename, "error", err)
		return nil, fmt.Errorf("%w: %w", core.ErrStorageFailed, err)
	}

	metrics.RulesIngested.WithLabelValues(family.String(), "stored").Add(float64(report.StoredCount))
	metrics.RulesIngested.WithLabelValues(family.String(), "skipped").Add(float64(report.SkippedCount))

	p.logger.Infow("Rules ingested",
		"family", family,
		"kind", kind,
		"filename", sub.Filename,
		"source_name", sourceName,
		"stored", report.StoredCount,
		"skipped", report.SkippedCount,
		"artifacts", len(report.ArtifactIDs))

	return report, nil
}

func (p *Pipeline) record(family core.Family, kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
		p.logger.Warnw("Rule ingestion rejected", "family", family, "kind", kind, "error", err)
	}
	metrics.IngestRequests.WithLabelValues(family.String(), kind, outcome).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, core.ErrCompileFailed):
		return "compile_failed"
	case errors.Is(err, core.ErrStorageFailed):
		return "storage_failed"
	case core.IsValidationError(err):
		return "invalid"
	default:
		return "error"
	}
}
