package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulebox/config"
	"rulebox/core"
	"rulebox/detect"
	"rulebox/metrics"
	"rulebox/sandbox"
	"rulebox/yara"
)

// ============================================================================
// Dependencies
// ============================================================================

// ActiveRuleLister loads what a scan runs with: compiled artifacts for the
// byte engine, rules for the log engine.
// Defined here (consumer package) so tests can substitute the store.
type ActiveRuleLister interface {
	ListActiveArtifacts(ctx context.Context, family core.Family, ruleSet core.RuleSet) ([]core.CompiledArtifact, error)
	ListActiveRules(ctx context.Context, family core.Family, ruleSet core.RuleSet) ([]core.StoredRule, error)
}

// Scanner runs engines inside a sandbox job.
type Scanner interface {
	RunByteScan(ctx context.Context, sample []byte, artifacts []core.CompiledArtifact, timeout time.Duration) ([]yara.Match, error)
	RunLogScan(ctx context.Context, sample []byte, sampleName string, rules []core.StoredRule, timeout time.Duration) (*sandbox.LogScanOutput, error)
}

// ScanOptions holds per-family scan limits.
type ScanOptions struct {
	YARATimeout           time.Duration
	YARAMaxSampleBytes    int64
	SigmaTimeout          time.Duration
	SigmaMaxSampleBytes   int64
	SigmaSampleExtensions []string
}

// ScanOptionsFromConfig derives scan limits from the service configuration.
func ScanOptionsFromConfig(cfg *config.Config) ScanOptions {
	return ScanOptions{
		YARATimeout:           cfg.YARA.ScanTimeout,
		YARAMaxSampleBytes:    cfg.YARA.MaxSampleBytes,
		SigmaTimeout:          cfg.Sigma.ScanTimeout,
		SigmaMaxSampleBytes:   cfg.Sigma.MaxSampleBytes,
		SigmaSampleExtensions: cfg.Sigma.SampleExtensions,
	}
}

// ScanRequest is one sample submitted for scanning. RuleSet and ReturnLevel
// are raw client values; empty means the default.
type ScanRequest struct {
	Family      core.Family
	Sample      []byte
	Filename    string
	Label       string
	RuleSet     string
	ReturnLevel string
}

// ============================================================================
// ScanService
// ============================================================================

// ScanService validates a sample, loads the active rules and runs the
// family's engine over it.
type ScanService struct {
	rules      ActiveRuleLister
	scanner    Scanner
	normalizer *detect.Normalizer
	opts       ScanOptions
	logger     *zap.SugaredLogger
}

// NewScanService creates a ScanService.
// Panics if rules, scanner, normalizer or logger is nil.
func NewScanService(rules ActiveRuleLister, scanner Scanner, normalizer *detect.Normalizer, opts ScanOptions, logger *zap.SugaredLogger) *ScanService {
	if rules == nil {
		panic("rules is required")
	}
	if scanner == nil {
		panic("scanner is required")
	}
	if normalizer == nil {
		panic("normalizer is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &ScanService{
		rules:      rules,
		scanner:    scanner,
		normalizer: normalizer,
		opts:       opts,
		logger:     logger,
	}
}

// Scan runs one scan to completion.
//
// ORDER:
// 1. Validate rule_set and return_level
// 2. Validate the sample (extension, size)
// 3. Load active artifacts (YARA) or rules (Sigma); none is ErrEmptyRuleSet
// 4. Run the engine in a sandbox and normalize its output
//
// The engine runs on a context detached from ctx's cancellation, so a
// client disconnect does not cut a scan short; the family timeout still
// applies.
func (s *ScanService) Scan(ctx context.Context, req ScanRequest) (resp *core.ScanResponse, err error) {
	start := time.Now()
	defer func() { s.record(req.Family, err) }()

	if !req.Family.IsValid() {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "unknown rule family: %s", req.Family)
	}
	ruleSet, err := core.ParseRuleSet(req.RuleSet)
	if err != nil {
		return nil, err
	}
	returnLevel, err := core.ParseReturnLevel(req.ReturnLevel)
	if err != nil {
		return nil, err
	}

	filename := sandbox.SanitizeSampleName(req.Filename)
	if err := s.validateSample(req.Family, filename, req.Sample); err != nil {
		return nil, err
	}

	var (
		artifacts []core.CompiledArtifact
		rules     []core.StoredRule
		count     int
	)
	if req.Family == core.FamilyYARA {
		artifacts, err = s.rules.ListActiveArtifacts(ctx, req.Family, ruleSet)
		count = len(artifacts)
	} else {
		rules, err = s.rules.ListActiveRules(ctx, req.Family, ruleSet)
		count = len(rules)
	}
	if err != nil {
		if core.IsValidationError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrStorageFailed, err)
	}
	if count == 0 {
		return nil, core.NewValidationError(core.ErrEmptyRuleSet,
			"no %s rules available for rule_set=%s; upload or enable rules first", req.Family, ruleSet)
	}

	resp = &core.ScanResponse{
		OK:          true,
		JobID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		Family:      req.Family,
		Label:       req.Label,
		Filename:    filename,
		SHA256:      core.SHA256Hex(req.Sample),
		RuleSet:     ruleSet,
		ReturnLevel: returnLevel,
		RuleCount:   count,
	}

	scanCtx := context.WithoutCancel(ctx)
	var result core.ScanResult
	switch req.Family {
	case core.FamilyYARA:
		matches, err := s.scanner.RunByteScan(scanCtx, req.Sample, artifacts, s.opts.YARATimeout)
		if err != nil {
			return nil, err
		}
		result = s.normalizer.ByteMatches(matches)

	case core.FamilySigma:
		out, err := s.scanner.RunLogScan(scanCtx, req.Sample, filename, rules, s.opts.SigmaTimeout)
		if err != nil {
			return nil, err
		}
		result, err = s.normalizer.LogDetections(out.Detections, returnLevel)
		if err != nil {
			return nil, err
		}
		resp.EngineStdout = out.Stdout
		resp.EngineStderr = out.Stderr
	}

	resp.Alerts = result.Alerts
	if returnLevel == core.ReturnLevelWithEvents {
		resp.HitEvents = result.HitEvents
	}
	resp.DurationMs = time.Since(start).Milliseconds()

	metrics.AlertsGenerated.WithLabelValues(req.Family.String()).Add(float64(len(resp.Alerts)))
	s.logger.Infow("Scan completed",
		"job_id", resp.JobID,
		"family", req.Family,
		"filename", filename,
		"sha256", resp.SHA256,
		"rule_set", ruleSet,
		"rules", count,
		"alerts", len(resp.Alerts),
		"duration_ms", resp.DurationMs)
	return resp, nil
}

func (s *ScanService) validateSample(family core.Family, filename string, sample []byte) error {
	maxBytes := s.opts.YARAMaxSampleBytes
	if family == core.FamilySigma {
		maxBytes = s.opts.SigmaMaxSampleBytes
		if !core.HasAllowedExtension(filename, s.opts.SigmaSampleExtensions) {
			return core.NewValidationError(core.ErrInvalidExtension,
				"sample %s must have one of: %s", filename, strings.Join(s.opts.SigmaSampleExtensions, ", "))
		}
	}
	if maxBytes > 0 && int64(len(sample)) > maxBytes {
		return core.NewValidationError(core.ErrPayloadTooLarge,
			"sample too large (%d bytes, limit %d)", len(sample), maxBytes)
	}
	return nil
}

func (s *ScanService) record(family core.Family, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, core.ErrScanTimeout):
		outcome = "timeout"
	case errors.Is(err, core.ErrEngineFailed):
		outcome = "engine_failed"
	case errors.Is(err, core.ErrStorageFailed):
		outcome = "storage_failed"
	case core.IsValidationError(err):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	if err != nil {
		s.logger.Warnw("Scan failed", "family", family, "outcome", outcome, "error", err)
	}
	label := family.String()
	if !family.IsValid() {
		label = "unknown"
	}
	metrics.ScanRequests.WithLabelValues(label, outcome).Inc()
}
