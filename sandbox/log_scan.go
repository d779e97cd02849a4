package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"rulebox/core"
	"rulebox/metrics"
	"rulebox/sigma"
)

// outputSchema is the minimal shape the log engine must produce: a list of
// detection groups, each a JSON object.
var outputSchema = gojsonschema.NewStringLoader(`{
	"type": "array",
	"items": {"type": "object"}
}`)

// LogScanOutput is the raw result of one log engine run.
type LogScanOutput struct {
	// Detections are the engine's hit groups, decoded with json.Number values
	Detections []map[string]any
	Stdout     string
	Stderr     string
}

// RunLogScan exports rules as YAML files, writes the sample, and runs the
// external log engine over them:
//
//	<command> <args...> -r <rules dir> -e <sample> -o <out/results.json>
//
// The engine runs in its own process group; on timeout the whole group is
// killed.
func (s *Sandbox) RunLogScan(ctx context.Context, sample []byte, sampleName string, rules []core.StoredRule, timeout time.Duration) (*LogScanOutput, error) {
	if len(rules) == 0 {
		return nil, core.NewValidationError(core.ErrEmptyRuleSet, "no Sigma rules to scan with")
	}
	if s.opts.LogEngine.Command == "" {
		return nil, fmt.Errorf("log engine command is not configured")
	}

	job, err := Acquire(s.opts.ScratchDir, core.FamilySigma, s.logger)
	if err != nil {
		return nil, err
	}
	defer job.Release()

	if err := exportRules(job.RulesDir, rules); err != nil {
		return nil, err
	}

	samplePath := filepath.Join(job.InputDir, SanitizeSampleName(sampleName))
	if err := os.WriteFile(samplePath, sample, 0600); err != nil {
		return nil, fmt.Errorf("failed to write sample: %w", err)
	}
	outPath := filepath.Join(job.OutDir, resultsFile)

	stdout, stderr, err := s.runEngine(ctx, job, samplePath, outPath, timeout)
	if err != nil {
		return nil, err
	}

	detections, err := s.readOutput(outPath, stdout, stderr)
	if err != nil {
		return nil, err
	}

	s.logger.Debugw("Log scan completed",
		"job_id", job.ID, "rules", len(rules), "detections", len(detections))
	return &LogScanOutput{
		Detections: detections,
		Stdout:     core.Tail(stdout, s.opts.OutputTail),
		Stderr:     core.Tail(stderr, s.opts.OutputTail),
	}, nil
}

// exportRules writes each rule as <content_hash>.yml. Rules sharing a hash
// collapse into one file.
func exportRules(dir string, rules []core.StoredRule) error {
	for _, r := range rules {
		if !isHexDigest(r.ContentHash) {
			return fmt.Errorf("rule %d has malformed content hash %q", r.ID, r.ContentHash)
		}
		doc, err := sigma.ExportYAML([]byte(r.Body))
		if err != nil {
			return fmt.Errorf("failed to export rule %d: %w", r.ID, err)
		}
		if err := os.WriteFile(filepath.Join(dir, r.ContentHash+".yml"), doc, 0600); err != nil {
			return fmt.Errorf("failed to write rule %d: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Sandbox) runEngine(ctx context.Context, job *Job, samplePath, outPath string, timeout time.Duration) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(s.opts.LogEngine.Args)+6)
	args = append(args, s.opts.LogEngine.Args...)
	args = append(args, "-r", job.RulesDir, "-e", samplePath, "-o", outPath)

	cmd := exec.CommandContext(runCtx, s.opts.LogEngine.Command, args...)
	cmd.Dir = s.opts.LogEngine.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.opts.WaitDelay
	setProcessGroup(cmd)

	start := time.Now()
	s.logger.Debugw("Starting log engine", "job_id", job.ID, "command", s.opts.LogEngine.Command, "args", args)
	runErr := cmd.Run()
	metrics.EngineDuration.WithLabelValues(core.FamilySigma.String()).Observe(time.Since(start).Seconds())

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.logger.Warnw("Log engine timed out", "job_id", job.ID, "timeout", timeout)
		return "", "", s.timeoutError(core.FamilySigma, stdout.String(), stderr.String(), runCtx.Err())
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		s.logger.Warnw("Log engine failed", "job_id", job.ID, "exit_code", exitCode, "error", runErr)
		return "", "", s.engineError(core.FamilySigma, "exit", &core.EngineError{
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      runErr,
		})
	}
	return stdout.String(), stderr.String(), nil
}

func (s *Sandbox) readOutput(outPath, stdout, stderr string) ([]map[string]any, error) {
	data, err := os.ReadFile(outPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s.engineError(core.FamilySigma, "output_missing", &core.EngineError{
				Stdout: stdout,
				Stderr: stderr,
				Err:    core.ErrEngineOutputMissing,
			})
		}
		return nil, fmt.Errorf("failed to read engine output: %w", err)
	}

	result, err := gojsonschema.Validate(outputSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, s.engineError(core.FamilySigma, "malformed_output", &core.EngineError{
			Stdout: stdout,
			Stderr: stderr,
			Err:    fmt.Errorf("engine output is not valid JSON: %w", err),
		})
	}
	if !result.Valid() {
		msg := "unexpected shape"
		if errs := result.Errors(); len(errs) > 0 {
			msg = errs[0].String()
		}
		return nil, s.engineError(core.FamilySigma, "malformed_output", &core.EngineError{
			Stdout: stdout,
			Stderr: stderr,
			Err:    fmt.Errorf("engine output does not match schema: %s", msg),
		})
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	detections := make([]map[string]any, 0)
	if err := dec.Decode(&detections); err != nil {
		return nil, s.engineError(core.FamilySigma, "malformed_output", &core.EngineError{
			Stdout: stdout,
			Stderr: stderr,
			Err:    fmt.Errorf("failed to decode engine output: %w", err),
		})
	}
	return detections, nil
}
