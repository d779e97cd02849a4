package core

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Validation faults: client errors, never retried
var (
	// ErrInvalidExtension is returned when a filename is outside the family allowlist
	ErrInvalidExtension = errors.New("invalid file extension")

	// ErrPayloadTooLarge is returned when a file, archive or sample exceeds its size ceiling
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsafeArchivePath is returned when an archive member escapes the extraction root
	ErrUnsafeArchivePath = errors.New("unsafe archive path")

	// ErrEmptyRuleSet is returned when a file yields zero rules or a scan has no active rules
	ErrEmptyRuleSet = errors.New("empty rule set")

	// ErrInvalidSubmission is returned for unreadable archives, malformed YAML or a missing filename
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrInvalidRuleSet is returned when rule_set is neither "enabled" nor "all"
	ErrInvalidRuleSet = errors.New("invalid rule set")

	// ErrInvalidReturnLevel is returned when return_level is neither "summary" nor "with_events"
	ErrInvalidReturnLevel = errors.New("invalid return level")
)

// Compile, engine and storage faults
var (
	// ErrCompileFailed is returned when a source file does not compile
	ErrCompileFailed = errors.New("compile failed")

	// ErrEngineFailed is returned when a detection engine fails to launch, exits non-zero
	// or produces malformed output
	ErrEngineFailed = errors.New("detection engine failed")

	// ErrEngineOutputMissing is returned when the log engine exits cleanly without writing its output file
	ErrEngineOutputMissing = errors.New("detection engine output missing")

	// ErrScanTimeout is returned when an engine invocation exceeds its wall-clock ceiling
	ErrScanTimeout = errors.New("scan timed out")

	// ErrStorageFailed is returned when the ingestion transaction fails and is rolled back
	ErrStorageFailed = errors.New("storage failure")

	// ErrNotFound is returned when a referenced artifact does not exist
	ErrNotFound = errors.New("not found")
)

// ValidationError carries a client-facing message for a validation sentinel.
type ValidationError struct {
	Err error
	Msg string
}

func (e *ValidationError) Error() string {
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError wraps a validation sentinel with a formatted message.
func NewValidationError(sentinel error, format string, args ...any) error {
	return &ValidationError{Err: sentinel, Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a client fault.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidExtension,
		ErrPayloadTooLarge,
		ErrUnsafeArchivePath,
		ErrEmptyRuleSet,
		ErrInvalidSubmission,
		ErrInvalidRuleSet,
		ErrInvalidReturnLevel,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// CompileError reports a source file that failed to compile.
type CompileError struct {
	File       string
	Diagnostic string
}

func (e *CompileError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %s", ErrCompileFailed, e.Diagnostic)
	}
	return fmt.Sprintf("%s: %s: %s", ErrCompileFailed, e.File, e.Diagnostic)
}

func (e *CompileError) Unwrap() error {
	return ErrCompileFailed
}

// NewCompileError builds a CompileError with the diagnostic truncated to limit bytes.
func NewCompileError(file string, cause error, limit int) *CompileError {
	diag := "unknown error"
	if cause != nil {
		diag = cause.Error()
	}
	return &CompileError{File: file, Diagnostic: Head(diag, limit)}
}

// EngineError is a typed detection engine failure. Stdout and Stderr hold
// bounded tails of the process streams when the engine is a subprocess.
type EngineError struct {
	Engine   string
	ExitCode int
	Stdout   string
	Stderr   string
	Timeout  bool
	Err      error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("%s engine", e.Engine)
	switch {
	case e.Timeout:
		msg += ": " + ErrScanTimeout.Error()
	case e.ExitCode != 0:
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the fault class (ErrScanTimeout or ErrEngineFailed) and the cause.
func (e *EngineError) Unwrap() []error {
	class := ErrEngineFailed
	if e.Timeout {
		class = ErrScanTimeout
	}
	if e.Err == nil {
		return []error{class}
	}
	return []error{class, e.Err}
}

// Head returns at most limit bytes of s, cut on a rune boundary.
func Head(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Tail returns the last limit characters of s.
func Tail(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[len(runes)-limit:])
}
