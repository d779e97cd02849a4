package ingest

import (
	"strings"

	"rulebox/core"
)

// validateSubmission runs the checks shared by single files and archives.
// It never looks at the content beyond its length.
func validateSubmission(sub core.RawSubmission, allowed []string, maxBytes int64) error {
	if strings.TrimSpace(sub.Filename) == "" {
		return core.NewValidationError(core.ErrInvalidSubmission, "filename is empty")
	}
	if !core.HasAllowedExtension(sub.Filename, allowed) {
		return core.NewValidationError(core.ErrInvalidExtension,
			"unsupported file type %s (allowed: %s)", sub.Filename, strings.Join(allowed, ", "))
	}
	if int64(len(sub.Data)) > maxBytes {
		return core.NewValidationError(core.ErrPayloadTooLarge,
			"%s is too large (%d > %d bytes)", sub.Filename, len(sub.Data), maxBytes)
	}
	return nil
}
