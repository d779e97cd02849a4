package sandbox

import (
	"time"

	"go.uber.org/zap"

	"rulebox/config"
	"rulebox/core"
	"rulebox/metrics"
	"rulebox/yara"
)

const (
	// DefaultOutputTail is how many trailing characters of engine output are kept
	DefaultOutputTail = 2000

	// DefaultWaitDelay bounds pipe draining after the engine is killed
	DefaultWaitDelay = 2 * time.Second

	resultsFile = "results.json"
)

// LogEngine describes how to invoke the external log-detection engine.
type LogEngine struct {
	Command string
	Args    []string
	WorkDir string
}

// Options configures a Sandbox.
type Options struct {
	ScratchDir string
	LogEngine  LogEngine
	OutputTail int
	WaitDelay  time.Duration
}

// OptionsFromConfig derives sandbox options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ScratchDir: cfg.GetScratchDir(),
		LogEngine: LogEngine{
			Command: cfg.Sigma.Engine.Command,
			Args:    cfg.Sigma.Engine.Args,
			WorkDir: cfg.Sigma.Engine.WorkDir,
		},
		OutputTail: cfg.Sigma.Engine.OutputTail,
		WaitDelay:  DefaultWaitDelay,
	}
}

// Sandbox runs byte and log scans in isolated job directories.
type Sandbox struct {
	loader yara.Loader
	opts   Options
	logger *zap.SugaredLogger
}

// New creates a Sandbox. loader may be nil when byte scans are not used.
func New(loader yara.Loader, opts Options, logger *zap.SugaredLogger) *Sandbox {
	if logger == nil {
		panic("logger is required")
	}
	if opts.OutputTail <= 0 {
		opts.OutputTail = DefaultOutputTail
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}
	return &Sandbox{loader: loader, opts: opts, logger: logger}
}

// ScratchDir returns the root under which job directories are created.
func (s *Sandbox) ScratchDir() string {
	return s.opts.ScratchDir
}

func (s *Sandbox) timeoutError(family core.Family, stdout, stderr string, cause error) error {
	metrics.EngineFailures.WithLabelValues(family.String(), "timeout").Inc()
	return &core.EngineError{
		Engine:  family.String(),
		Timeout: true,
		Stdout:  core.Tail(stdout, s.opts.OutputTail),
		Stderr:  core.Tail(stderr, s.opts.OutputTail),
		Err:     cause,
	}
}

func (s *Sandbox) engineError(family core.Family, reason string, e *core.EngineError) error {
	metrics.EngineFailures.WithLabelValues(family.String(), reason).Inc()
	e.Engine = family.String()
	e.Stdout = core.Tail(e.Stdout, s.opts.OutputTail)
	e.Stderr = core.Tail(e.Stderr, s.opts.OutputTail)
	return e
}
