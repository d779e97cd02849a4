// Package libyara implements yara.Engine on top of libyara through cgo.
package libyara

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goyara "github.com/hillu/go-yara/v4"

	"rulebox/yara"
)

// Engine is the libyara-backed byte-matching engine.
type Engine struct{}

// New returns a libyara engine.
func New() *Engine {
	return &Engine{}
}

// CompileSource compiles an in-memory source into a serialized ruleset.
func (e *Engine) CompileSource(source string) ([]byte, error) {
	c, err := goyara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler: %w", err)
	}
	defer c.Destroy()

	if err := c.AddString(source, ""); err != nil {
		return nil, compilerError(c, err)
	}
	return serialize(c)
}

// CompileFile compiles the file at path so include directives resolve
// relative to its directory.
func (e *Engine) CompileFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule file: %w", err)
	}
	defer f.Close()

	c, err := goyara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create compiler: %w", err)
	}
	defer c.Destroy()

	if err := c.AddFile(f, ""); err != nil {
		return nil, compilerError(c, err)
	}
	return serialize(c)
}

// Load reads a serialized ruleset from disk.
func (e *Engine) Load(path string) (yara.Ruleset, error) {
	rules, err := goyara.LoadRules(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load compiled rules %s: %w", path, err)
	}
	return &ruleset{rules: rules}, nil
}

type ruleset struct {
	rules *goyara.Rules
}

func (r *ruleset) Match(data []byte, timeout time.Duration) ([]yara.Match, error) {
	var hits goyara.MatchRules
	if err := r.rules.ScanMem(data, 0, timeout, &hits); err != nil {
		var yerr goyara.Error
		if errors.As(err, &yerr) && yerr.Code == goyara.ERROR_SCAN_TIMEOUT {
			return nil, fmt.Errorf("%w: %v", yara.ErrTimeout, err)
		}
		return nil, err
	}

	matches := make([]yara.Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, yara.Match{
			Rule:      h.Rule,
			Namespace: h.Namespace,
			Tags:      h.Tags,
		})
	}
	return matches, nil
}

func (r *ruleset) Close() {
	r.rules.Destroy()
}

func serialize(c *goyara.Compiler) ([]byte, error) {
	rules, err := c.GetRules()
	if err != nil {
		return nil, fmt.Errorf("failed to build rules: %w", err)
	}
	defer rules.Destroy()

	var buf bytes.Buffer
	if err := rules.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize rules: %w", err)
	}
	return buf.Bytes(), nil
}

// compilerError folds the compiler's collected diagnostics into one error.
func compilerError(c *goyara.Compiler, err error) error {
	if len(c.Errors) == 0 {
		return err
	}
	msgs := make([]string, 0, len(c.Errors))
	for _, m := range c.Errors {
		if m.Filename != "" {
			msgs = append(msgs, fmt.Sprintf("%s(%d): %s", m.Filename, m.Line, m.Text))
		} else {
			msgs = append(msgs, fmt.Sprintf("line %d: %s", m.Line, m.Text))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

var _ yara.Engine = (*Engine)(nil)
