package ingest

import (
	"rulebox/config"
	"rulebox/core"
)

// Options holds ingestion limits and per-family settings
type Options struct {
	MaxFileBytes    int64
	MaxArchiveBytes int64
	// MaxUnpackedBytes caps the bytes actually read from all members of one archive
	MaxUnpackedBytes  int64
	MaxArchiveEntries int
	// DiagnosticLimit bounds compile diagnostics, in bytes
	DiagnosticLimit int
	// NameSampleLimit bounds IngestReport.RuleNames
	NameSampleLimit   int
	DefaultSourceName string
	// ScratchDir is the root under which archive members are extracted for compilation
	ScratchDir string

	Extensions map[core.Family][]string
	// RequireDetection rejects Sigma rules without detection.condition at compile time
	RequireDetection bool
}

// archiveExtension is the only accepted archive type
const archiveExtension = ".zip"

// OptionsFromConfig derives pipeline options from the service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxFileBytes:      cfg.Ingest.MaxFileBytes,
		MaxArchiveBytes:   cfg.Ingest.MaxArchiveBytes,
		MaxUnpackedBytes:  cfg.Ingest.MaxArchiveUncompressedBytes,
		MaxArchiveEntries: cfg.Ingest.MaxArchiveEntries,
		DiagnosticLimit:   cfg.Ingest.DiagnosticLimit,
		NameSampleLimit:   cfg.Ingest.NameSampleLimit,
		DefaultSourceName: cfg.Ingest.DefaultSourceName,
		ScratchDir:        cfg.GetScratchDir(),
		Extensions: map[core.Family][]string{
			core.FamilyYARA:  cfg.YARA.Extensions,
			core.FamilySigma: cfg.Sigma.Extensions,
		},
		RequireDetection: cfg.Sigma.RequireDetection,
	}
}

// DefaultOptions returns the reference limits: 20 MiB files, 80 MiB archives
// packed or unpacked, 500 entries
func DefaultOptions(scratchDir string) Options {
	return Options{
		MaxFileBytes:      20 << 20,
		MaxArchiveBytes:   80 << 20,
		MaxUnpackedBytes:  80 << 20,
		MaxArchiveEntries: 500,
		DiagnosticLimit:   2000,
		NameSampleLimit:   50,
		DefaultSourceName: "manual-upload",
		ScratchDir:        scratchDir,
		Extensions: map[core.Family][]string{
			core.FamilyYARA:  {".yar", ".yara"},
			core.FamilySigma: {".yml", ".yaml"},
		},
		RequireDetection: false,
	}
}
