package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulebox/core"
)

const whoamiRule = `title: Whoami Execution
id: 0f4d2b7e-5a6c-4f1b-9d3e-1c2b3a4d5e6f
level: medium
logsource:
  product: windows
  category: process_creation
detection:
  selection:
    Image|endswith: '\whoami.exe'
  condition: selection
`

func TestNewRulesCmd(t *testing.T) {
	cmd := NewRulesCmd()
	assert.Equal(t, "rules", cmd.Use)

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, expected := range []string{"ingest", "list", "enable", "disable", "scan"} {
		assert.True(t, names[expected], "Missing command: %s", expected)
	}

	for _, flag := range []string{"json", "config", "no-color", "quiet"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "Missing persistent flag: %s", flag)
	}
}

// writeTestConfig writes a config that keeps all state under a temp dir.
func writeTestConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_paths:\n  data_dir: %q\nlogging:\n  level: error\n", filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))
	return dir, cfgPath
}

// runRules executes the rules command with args and returns its stdout.
func runRules(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRulesCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--no-color"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRules_IngestListToggleScan(t *testing.T) {
	t.Cleanup(func() { color.NoColor = false })
	dir, cfgPath := writeTestConfig(t)

	rulePath := filepath.Join(dir, "whoami.yml")
	require.NoError(t, os.WriteFile(rulePath, []byte(whoamiRule), 0o600))

	// Ingest
	out, err := runRules(t, cfgPath, "--json", "ingest", "sigma", rulePath, "--source-name", "local")
	require.NoError(t, err)
	var report core.IngestReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.StoredCount)
	assert.Equal(t, "local", report.SourceName)
	require.Len(t, report.ArtifactIDs, 1)
	id := report.ArtifactIDs[0]

	// Re-ingest is idempotent
	out, err = runRules(t, cfgPath, "--json", "ingest", "sigma", rulePath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 0, report.StoredCount)
	assert.Equal(t, 1, report.SkippedCount)

	// List
	out, err = runRules(t, cfgPath, "--json", "list", "sigma")
	require.NoError(t, err)
	var artifacts []core.CompiledArtifact
	require.NoError(t, json.Unmarshal([]byte(out), &artifacts))
	require.Len(t, artifacts, 1)
	assert.Equal(t, id, artifacts[0].ID)
	assert.True(t, artifacts[0].Enabled)

	// Disable
	_, err = runRules(t, cfgPath, "--quiet", "disable", "sigma", fmt.Sprint(id))
	require.NoError(t, err)

	out, err = runRules(t, cfgPath, "--json", "list", "sigma", "--enabled")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &artifacts))
	assert.Empty(t, artifacts)

	// A scan over enabled rules now has nothing to run with
	samplePath := filepath.Join(dir, "Security.evtx")
	require.NoError(t, os.WriteFile(samplePath, []byte("ElfFile"), 0o600))
	_, err = runRules(t, cfgPath, "--json", "scan", "sigma", samplePath)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrEmptyRuleSet)

	// Table output after re-enabling
	_, err = runRules(t, cfgPath, "--quiet", "enable", "sigma", fmt.Sprint(id))
	require.NoError(t, err)
	out, err = runRules(t, cfgPath, "list", "sigma")
	require.NoError(t, err)
	assert.Contains(t, out, "SIGMA ARTIFACTS")
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "enabled")
}

func TestRules_Errors(t *testing.T) {
	dir, cfgPath := writeTestConfig(t)

	t.Run("unknown family", func(t *testing.T) {
		_, err := runRules(t, cfgPath, "list", "snort")
		require.Error(t, err)
		assert.True(t, core.IsValidationError(err))
	})

	t.Run("bad artifact id", func(t *testing.T) {
		_, err := runRules(t, cfgPath, "enable", "yara", "abc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid artifact id")
	})

	t.Run("missing artifact", func(t *testing.T) {
		_, err := runRules(t, cfgPath, "disable", "sigma", "999")
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := runRules(t, cfgPath, "ingest", "sigma", filepath.Join(dir, "absent.yml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to open")
	})

	t.Run("wrong extension", func(t *testing.T) {
		path := filepath.Join(dir, "rule.txt")
		require.NoError(t, os.WriteFile(path, []byte(whoamiRule), 0o600))
		_, err := runRules(t, cfgPath, "--quiet", "ingest", "sigma", path)
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrInvalidExtension)
	})

	t.Run("wrong arg count", func(t *testing.T) {
		_, err := runRules(t, cfgPath, "scan", "yara")
		require.Error(t, err)
	})
}

func TestReadInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 100), 0o600))

	data, err := readInput(path, 10)
	require.NoError(t, err)
	assert.Len(t, data, 11, "reads one byte past the limit so callers can reject it")

	data, err = readInput(path, 1000)
	require.NoError(t, err)
	assert.Len(t, data, 100)

	_, err = readInput(dir, 10)
	assert.Error(t, err)
}

func TestRenderScanResponse(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	renderScanResponse(&buf, &core.ScanResponse{
		Filename:  "Security.evtx",
		RuleCount: 3,
		RuleSet:   core.RuleSetEnabled,
		Alerts: []core.Alert{{
			RuleID:   "r-1",
			Title:    "Whoami Execution",
			Level:    "medium",
			Tags:     []string{"attack.discovery"},
			HitCount: 2,
			Evidence: []core.EvidenceField{{Field: "Image", Value: `C:\Windows\System32\whoami.exe`}},
		}},
		HitEvents: []core.HitEvent{{EventID: 0}, {EventID: 1}},
	})

	out := buf.String()
	assert.Contains(t, out, "1 alert(s) in Security.evtx")
	assert.Contains(t, out, "Whoami Execution")
	assert.Contains(t, out, "attack.discovery")
	assert.Contains(t, out, `Image: C:\Windows\System32\whoami.exe`)
	assert.Contains(t, out, "2 hit event(s) returned")

	buf.Reset()
	renderScanResponse(&buf, &core.ScanResponse{Filename: "clean.bin", RuleCount: 4, Alerts: []core.Alert{}})
	assert.Contains(t, buf.String(), "No matches in clean.bin")
}

func TestRenderArtifactsTable(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	renderArtifactsTable(&buf, core.FamilyYARA, nil)
	assert.Contains(t, buf.String(), "No yara artifacts stored")

	buf.Reset()
	renderArtifactsTable(&buf, core.FamilyYARA, []core.CompiledArtifact{{
		ID:           3,
		SourceName:   "a-very-long-source-name-that-overflows",
		SourceFile:   "pack.zip",
		CompiledHash: strings.Repeat("ab", 32),
		RuleCount:    5,
		CompiledAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}})
	out := buf.String()
	assert.Contains(t, out, "YARA ARTIFACTS")
	assert.Contains(t, out, "a-very-long-source-...")
	assert.Contains(t, out, "disabled")
	assert.Contains(t, out, "ababababa...")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdefgh", 5))
	assert.Equal(t, "ab", truncate("abcdefgh", 2))
}
