package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rulebox/core"
	"rulebox/metrics"
	"rulebox/yara"
)

// RunByteScan matches sample against every distinct compiled artifact.
// Each artifact is written into the job directory, loaded, matched and
// destroyed in turn. All artifacts share one deadline; each match gets
// whatever time remains.
func (s *Sandbox) RunByteScan(ctx context.Context, sample []byte, artifacts []core.CompiledArtifact, timeout time.Duration) ([]yara.Match, error) {
	if s.loader == nil {
		return nil, fmt.Errorf("byte engine is not configured")
	}
	if len(artifacts) == 0 {
		return nil, core.NewValidationError(core.ErrEmptyRuleSet, "no YARA artifacts to scan with")
	}

	job, err := Acquire(s.opts.ScratchDir, core.FamilyYARA, s.logger)
	if err != nil {
		return nil, err
	}
	defer job.Release()

	start := time.Now()
	defer func() {
		metrics.EngineDuration.WithLabelValues(core.FamilyYARA.String()).Observe(time.Since(start).Seconds())
	}()
	deadline := start.Add(timeout)

	seen := make(map[string]bool, len(artifacts))
	matches := make([]yara.Match, 0)
	for _, a := range artifacts {
		if seen[a.CompiledHash] {
			continue
		}
		seen[a.CompiledHash] = true

		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, s.timeoutError(core.FamilyYARA, "", "", err)
			}
			return nil, err
		}

		hits, err := s.matchArtifact(job, a, sample, deadline)
		if err != nil {
			return nil, err
		}
		matches = append(matches, hits...)
	}

	s.logger.Debugw("Byte scan completed",
		"job_id", job.ID, "artifacts", len(seen), "matches", len(matches))
	return matches, nil
}

func (s *Sandbox) matchArtifact(job *Job, a core.CompiledArtifact, sample []byte, deadline time.Time) ([]yara.Match, error) {
	if !isHexDigest(a.CompiledHash) {
		return nil, s.engineError(core.FamilyYARA, "load", &core.EngineError{
			Err: fmt.Errorf("artifact %d has malformed hash %q", a.ID, a.CompiledHash),
		})
	}

	path := filepath.Join(job.RulesDir, a.CompiledHash+".yarc")
	if err := os.WriteFile(path, a.Blob, 0600); err != nil {
		return nil, fmt.Errorf("failed to write compiled rules: %w", err)
	}

	ruleset, err := s.loader.Load(path)
	if err != nil {
		return nil, s.engineError(core.FamilyYARA, "load", &core.EngineError{
			Err: fmt.Errorf("artifact %d: %w", a.ID, err),
		})
	}
	defer ruleset.Close()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, s.timeoutError(core.FamilyYARA, "", "", yara.ErrTimeout)
	}

	hits, err := ruleset.Match(sample, remaining)
	if err != nil {
		if errors.Is(err, yara.ErrTimeout) {
			return nil, s.timeoutError(core.FamilyYARA, "", "", err)
		}
		return nil, s.engineError(core.FamilyYARA, "match", &core.EngineError{
			Err: fmt.Errorf("artifact %d: %w", a.ID, err),
		})
	}
	return hits, nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
