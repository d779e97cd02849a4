// Package sandbox runs detection engines against a sample inside a private,
// per-request scratch directory. A job directory is created on Acquire and
// removed on Release, which callers defer immediately so it also runs when
// the engine times out, fails or panics.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulebox/core"
	"rulebox/metrics"
)

// Job is one scan's private working tree:
//
//	<scratch>/<family>_scan/<id>/{rules,input,out}
type Job struct {
	ID       string
	Family   core.Family
	Root     string
	RulesDir string
	InputDir string
	OutDir   string

	logger      *zap.SugaredLogger
	releaseOnce sync.Once
}

// Acquire creates a fresh job directory under scratchDir.
func Acquire(scratchDir string, family core.Family, logger *zap.SugaredLogger) (*Job, error) {
	if scratchDir == "" {
		return nil, fmt.Errorf("scratch directory is not configured")
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	root := filepath.Join(scratchDir, family.String()+"_scan", id)
	job := &Job{
		ID:       id,
		Family:   family,
		Root:     root,
		RulesDir: filepath.Join(root, "rules"),
		InputDir: filepath.Join(root, "input"),
		OutDir:   filepath.Join(root, "out"),
		logger:   logger,
	}

	for _, dir := range []string{job.RulesDir, job.InputDir, job.OutDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("failed to create job directory: %w", err)
		}
	}

	metrics.SandboxJobsActive.Inc()
	logger.Debugw("Sandbox job acquired", "job_id", id, "family", family, "path", root)
	return job, nil
}

// Release removes the job directory. Safe to call more than once.
func (j *Job) Release() {
	j.releaseOnce.Do(func() {
		metrics.SandboxJobsActive.Dec()
		if err := os.RemoveAll(j.Root); err != nil {
			j.logger.Warnw("Failed to remove sandbox job directory",
				"job_id", j.ID, "path", j.Root, "error", err)
			return
		}
		j.logger.Debugw("Sandbox job released", "job_id", j.ID, "family", j.Family)
	})
}

// SanitizeSampleName reduces a client supplied filename to a safe base name.
func SanitizeSampleName(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "/" || name == "." {
		return "sample.bin"
	}
	return name
}
