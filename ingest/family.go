package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rulebox/core"
	"rulebox/sigma"
	"rulebox/yara"
)

// compileUnit is one source file's rules and the artifact compiled from them
type compileUnit struct {
	File  string
	Rules []core.ParsedRule
	Blob  []byte
}

// familyIngester parses and compiles the source files of one rule family.
// The compile unit is always the whole file.
type familyIngester interface {
	compileFile(ctx context.Context, file string, data []byte, sourceName string) (*compileUnit, error)
	// compileArchive compiles members in archive order; the first failure aborts
	compileArchive(ctx context.Context, members []member, sourceName string) ([]compileUnit, error)
}

type yaraIngester struct {
	compiler   yara.Compiler
	scratchDir string
	diagLimit  int
	logger     *zap.SugaredLogger
}

func (y *yaraIngester) parse(file string, data []byte, sourceName string) (string, []core.ParsedRule, error) {
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	if strings.TrimSpace(text) == "" {
		return "", nil, core.NewValidationError(core.ErrEmptyRuleSet, "no YARA rules found in %s", file)
	}

	decls := yara.SplitRules(text)
	rules := make([]core.ParsedRule, 0, len(decls))
	for _, d := range decls {
		body := core.RuleBody{Title: d.Name, Raw: []byte(d.Text)}
		rules = append(rules, core.NewParsedRule(body, sourceName, file))
	}
	return text, rules, nil
}

func (y *yaraIngester) compileFile(_ context.Context, file string, data []byte, sourceName string) (*compileUnit, error) {
	text, rules, err := y.parse(file, data, sourceName)
	if err != nil {
		return nil, err
	}

	blob, err := y.compiler.CompileSource(text)
	if err != nil {
		return nil, core.NewCompileError(file, err, y.diagLimit)
	}
	return &compileUnit{File: file, Rules: rules, Blob: blob}, nil
}

// compileArchive extracts all members into a private scratch tree first so
// include directives can reference sibling files, then compiles each by path.
func (y *yaraIngester) compileArchive(ctx context.Context, members []member, sourceName string) ([]compileUnit, error) {
	root := filepath.Join(y.scratchDir, string(core.FamilyYARA)+"_ingest", "zip_"+strings.ReplaceAll(uuid.NewString(), "-", ""))
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(root); err != nil {
			y.logger.Warnw("Failed to remove extraction directory", "path", root, "error", err)
		}
	}()

	paths, err := extractMembers(root, members)
	if err != nil {
		return nil, err
	}

	units := make([]compileUnit, 0, len(members))
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		_, rules, err := y.parse(m.Name, m.Data, sourceName)
		if err != nil {
			return nil, err
		}

		blob, err := y.compiler.CompileFile(paths[m.Name])
		if err != nil {
			return nil, core.NewCompileError(m.Name, err, y.diagLimit)
		}
		units = append(units, compileUnit{File: m.Name, Rules: rules, Blob: blob})
	}
	return units, nil
}

type sigmaIngester struct {
	parser           *sigma.Parser
	requireDetection bool
	diagLimit        int
}

func (s *sigmaIngester) compileFile(_ context.Context, file string, data []byte, sourceName string) (*compileUnit, error) {
	parsed, err := s.parser.ParseRules(file, data)
	if err != nil {
		return nil, err
	}
	if len(parsed) == 0 {
		return nil, core.NewValidationError(core.ErrEmptyRuleSet, "no Sigma rules found in %s", file)
	}

	blob, err := sigma.Compile(parsed, s.requireDetection)
	if err != nil {
		return nil, core.NewCompileError(file, err, s.diagLimit)
	}

	rules := make([]core.ParsedRule, 0, len(parsed))
	for _, r := range parsed {
		rules = append(rules, core.NewParsedRule(r.Body, sourceName, file))
	}
	return &compileUnit{File: file, Rules: rules, Blob: blob}, nil
}

func (s *sigmaIngester) compileArchive(ctx context.Context, members []member, sourceName string) ([]compileUnit, error) {
	units := make([]compileUnit, 0, len(members))
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		unit, err := s.compileFile(ctx, m.Name, m.Data, sourceName)
		if err != nil {
			return nil, err
		}
		units = append(units, *unit)
	}
	return units, nil
}
