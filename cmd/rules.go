// Package cmd provides the rulebox command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"rulebox/bootstrap"
	"rulebox/config"
	"rulebox/core"
	"rulebox/service"
	"rulebox/yara/libyara"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags for rules commands
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

// defaultTimeout bounds a whole CLI operation; scans also have engine timeouts.
const defaultTimeout = 5 * time.Minute

// NewRulesCmd creates the root rules command with all subcommands.
func NewRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage YARA and Sigma rules",
		Long: `Ingest YARA and Sigma rules into the rule store, enable or disable compiled
artifacts, and scan samples against the stored rules.

Every command takes the rule family (yara or sigma) as its first argument.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	rulesCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rulesCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	rulesCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rulesCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	rulesCmd.AddCommand(newIngestCmd())
	rulesCmd.AddCommand(newListCmd())
	rulesCmd.AddCommand(newEnableCmd())
	rulesCmd.AddCommand(newDisableCmd())
	rulesCmd.AddCommand(newScanCmd())

	return rulesCmd
}

// newIngestCmd creates the 'ingest' subcommand
func newIngestCmd() *cobra.Command {
	var (
		sourceName string
		archive    bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <yara|sigma> <file>",
		Short: "Ingest a rule file or a .zip archive of rule files",
		Long: `Parse, compile and store the rules in a file. Files ending in .zip are
ingested as archives; every member must compile or nothing is stored.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := core.ParseFamily(args[0])
			if err != nil {
				return err
			}
			path := args[1]
			if strings.EqualFold(filepath.Ext(path), ".zip") {
				archive = true
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			limit := sess.cfg.Ingest.MaxFileBytes
			if archive {
				limit = sess.cfg.Ingest.MaxArchiveBytes
			}
			data, err := readInput(path, limit)
			if err != nil {
				return err
			}

			sub := core.RawSubmission{Data: data, Filename: filepath.Base(path), SourceName: sourceName}
			out := cmd.OutOrStdout()

			s := startSpinner(cmd, fmt.Sprintf(" Compiling %s...", sub.Filename))
			var report *core.IngestReport
			if archive {
				report, err = sess.components.Pipeline.IngestArchive(ctx, family, sub)
			} else {
				report, err = sess.components.Pipeline.IngestFile(ctx, family, sub)
			}
			stopSpinner(s)

			if err != nil {
				return fmt.Errorf("failed to ingest %s: %w", sub.Filename, describeError(err))
			}

			if outputJSON {
				return outputAsJSON(out, report)
			}
			renderIngestReport(out, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceName, "source-name", "", "Source name recorded with the rules (default: ingest.default_source_name)")
	cmd.Flags().BoolVar(&archive, "archive", false, "Treat the file as a .zip archive regardless of its extension")

	return cmd
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	var enabledOnly bool

	cmd := &cobra.Command{
		Use:     "list <yara|sigma>",
		Aliases: []string{"ls"},
		Short:   "List compiled artifacts",
		Long:    "Display a table of the compiled artifacts of a family with their rule counts and status.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := core.ParseFamily(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			artifacts, err := sess.components.Artifacts.ListArtifacts(ctx, family)
			if err != nil {
				return fmt.Errorf("failed to list artifacts: %w", err)
			}

			if enabledOnly {
				filtered := make([]core.CompiledArtifact, 0, len(artifacts))
				for _, a := range artifacts {
					if a.Enabled {
						filtered = append(filtered, a)
					}
				}
				artifacts = filtered
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), artifacts)
			}
			renderArtifactsTable(cmd.OutOrStdout(), family, artifacts)
			return nil
		},
	}

	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "Show enabled artifacts only")

	return cmd
}

// newEnableCmd creates the 'enable' subcommand
func newEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <yara|sigma> <artifact-id>",
		Short: "Enable a compiled artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setArtifactEnabled(cmd, args, true)
		},
	}
}

// newDisableCmd creates the 'disable' subcommand
func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <yara|sigma> <artifact-id>",
		Short: "Disable a compiled artifact",
		Long:  "Disabled artifacts are kept in the store but skipped by scans with rule set 'enabled'.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setArtifactEnabled(cmd, args, false)
		},
	}
}

func setArtifactEnabled(cmd *cobra.Command, args []string, enabled bool) error {
	family, err := core.ParseFamily(args[0])
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid artifact id %q", args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.close()

	if err := sess.components.Artifacts.SetEnabled(ctx, family, id, enabled); err != nil {
		return fmt.Errorf("failed to update artifact %d: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if outputJSON {
		return outputAsJSON(out, map[string]any{"ok": true, "family": family, "id": id, "enabled": enabled})
	}
	if !quiet {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		successColor.Fprintf(out, "✓ %s artifact %d %s\n", family, id, state)
	}
	return nil
}

// newScanCmd creates the 'scan' subcommand
func newScanCmd() *cobra.Command {
	var (
		label       string
		ruleSet     string
		returnLevel string
	)

	cmd := &cobra.Command{
		Use:   "scan <yara|sigma> <sample>",
		Short: "Scan a sample against the stored rules",
		Long: `Scan a file with the stored YARA rules, or an event log (.evtx) with the
stored Sigma rules through the configured log engine.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			family, err := core.ParseFamily(args[0])
			if err != nil {
				return err
			}
			path := args[1]

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer sess.close()

			limit := sess.cfg.YARA.MaxSampleBytes
			if family == core.FamilySigma {
				limit = sess.cfg.Sigma.MaxSampleBytes
			}
			data, err := readInput(path, limit)
			if err != nil {
				return err
			}

			s := startSpinner(cmd, fmt.Sprintf(" Scanning %s...", filepath.Base(path)))
			resp, err := sess.components.Scans.Scan(ctx, service.ScanRequest{
				Family:      family,
				Sample:      data,
				Filename:    filepath.Base(path),
				Label:       label,
				RuleSet:     ruleSet,
				ReturnLevel: returnLevel,
			})
			stopSpinner(s)

			if err != nil {
				return fmt.Errorf("scan failed: %w", describeError(err))
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), resp)
			}
			renderScanResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Free-form label echoed in the result")
	cmd.Flags().StringVar(&ruleSet, "rule-set", string(core.RuleSetEnabled), "Rules to scan with: enabled or all")
	cmd.Flags().StringVar(&returnLevel, "return-level", string(core.ReturnLevelSummary), "Result detail: summary or with_events")

	return cmd
}

// session holds what a single CLI invocation needs.
type session struct {
	cfg        *config.Config
	components *bootstrap.Components
	logger     *zap.Logger
}

// openSession loads configuration and opens the rule store and engines.
// Logging goes to stderr at warn level so it does not mix with command output.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadConfigFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	sugar := logger.Sugar()

	components, err := bootstrap.NewComponents(ctx, cfg, libyara.New(), sugar)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	return &session{cfg: cfg, components: components, logger: logger}, nil
}

func (s *session) close() {
	sugar := s.logger.Sugar()
	if err := s.components.Close(); err != nil {
		sugar.Warnf("Failed to close rule store during cleanup: %v", err)
	}
	// Sync errors on stderr are common and can be ignored
	_ = s.logger.Sync()
}

// readInput reads at most limit+1 bytes of path, leaving the size check
// to the pipeline or scan service.
func readInput(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// describeError appends engine output to engine failures so the CLI user
// sees why the engine failed.
func describeError(err error) error {
	var ee *core.EngineError
	if !errors.As(err, &ee) || ee.Stderr == "" {
		return err
	}
	return fmt.Errorf("%w\nengine stderr:\n%s", err, ee.Stderr)
}

func startSpinner(cmd *cobra.Command, suffix string) *spinner.Spinner {
	if outputJSON || quiet {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = suffix
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}

// outputAsJSON writes data as indented JSON.
func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
