package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"rulebox/core"
)

// renderIngestReport displays the outcome of an ingestion
func renderIngestReport(w io.Writer, r *core.IngestReport) {
	if quiet {
		successColor.Fprintf(w, "✓ %d stored, %d skipped\n", r.StoredCount, r.SkippedCount)
		return
	}

	successColor.Fprintf(w, "✓ Ingested %s (%s, %s)\n", r.Filename, r.Family, r.Kind)
	printField(w, "Source", r.SourceName)
	printField(w, "SHA-256", r.SHA256)
	printField(w, "Stored", fmt.Sprintf("%d", r.StoredCount))
	printField(w, "Skipped (duplicates)", fmt.Sprintf("%d", r.SkippedCount))
	printField(w, "Artifacts", joinIDs(r.ArtifactIDs))
	if len(r.StoredFiles) > 0 {
		printField(w, "Files", strings.Join(r.StoredFiles, ", "))
	}
	if len(r.RuleNames) > 0 {
		printField(w, "Rules", strings.Join(r.RuleNames, ", "))
	}
	if r.StoredCount == 0 {
		warningColor.Fprintln(w, "  All rules were already present")
	}
}

// renderArtifactsTable displays artifacts in a formatted table
func renderArtifactsTable(w io.Writer, family core.Family, artifacts []core.CompiledArtifact) {
	if len(artifacts) == 0 {
		warningColor.Fprintf(w, "No %s artifacts stored\n", family)
		return
	}

	headerColor.Fprintf(w, "%s ARTIFACTS\n", strings.ToUpper(string(family)))
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-8s %-22s %-28s %-6s %-9s %-19s %s\n",
		"ID", "Source", "File", "Rules", "Status", "Compiled", "Hash")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, a := range artifacts {
		fmt.Fprintf(w, "%-8d %-22s %-28s %-6d %-9s %-19s %s\n",
			a.ID,
			truncate(a.SourceName, 22),
			truncate(a.SourceFile, 28),
			a.RuleCount,
			enabledLabel(a.Enabled),
			formatTime(a.CompiledAt),
			truncate(a.CompiledHash, 12))
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
}

// renderScanResponse displays alerts and, when requested, hit events
func renderScanResponse(w io.Writer, resp *core.ScanResponse) {
	if len(resp.Alerts) == 0 {
		successColor.Fprintf(w, "✓ No matches in %s (%d rules, %dms)\n", resp.Filename, resp.RuleCount, resp.DurationMs)
		return
	}

	errorColor.Fprintf(w, "%d alert(s) in %s\n", len(resp.Alerts), resp.Filename)
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-40s %-10s %-8s %s\n", "Rule", "Level", "Hits", "Tags")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, a := range resp.Alerts {
		name := a.RuleID
		if a.Title != "" && a.Title != "-" {
			name = a.Title
		}
		level := a.Level
		if level == "" {
			level = a.Namespace
		}
		fmt.Fprintf(w, "%-40s %-10s %-8d %s\n", truncate(name, 40), level, a.HitCount, strings.Join(a.Tags, ","))
		for _, ev := range a.Evidence {
			fmt.Fprintf(w, "    %s: %v\n", ev.Field, ev.Value)
		}
	}
	fmt.Fprintln(w, strings.Repeat("=", 100))

	if len(resp.HitEvents) > 0 {
		infoColor.Fprintf(w, "%d hit event(s) returned\n", len(resp.HitEvents))
	}
	printField(w, "Job", resp.JobID)
	printField(w, "SHA-256", resp.SHA256)
	printField(w, "Rules scanned", fmt.Sprintf("%d (%s)", resp.RuleCount, resp.RuleSet))
	printField(w, "Duration", fmt.Sprintf("%dms", resp.DurationMs))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-22s %s\n", key+":", value)
}

// enabledLabel returns a plain status string; color codes would break table alignment
func enabledLabel(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
