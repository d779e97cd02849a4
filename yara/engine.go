// Package yara splits YARA sources into rules and defines the engine
// contract used by ingestion (compile) and by the scan sandbox (load, match).
// The cgo implementation lives in yara/libyara.
package yara

import (
	"errors"
	"time"
)

// ErrTimeout is returned by Ruleset.Match when the scan exceeds its timeout.
var ErrTimeout = errors.New("yara: scan timed out")

// Match is one rule hit reported by the engine.
type Match struct {
	Rule      string
	Namespace string
	Tags      []string
}

// Compiler turns YARA source into a serialized ruleset blob.
type Compiler interface {
	// CompileSource compiles a single in-memory source. Include directives
	// cannot be resolved.
	CompileSource(source string) ([]byte, error)
	// CompileFile compiles the file at path; includes resolve relative to it.
	CompileFile(path string) ([]byte, error)
}

// Ruleset is a loaded compiled ruleset.
type Ruleset interface {
	// Match scans data, returning ErrTimeout (possibly wrapped) when the
	// timeout elapses.
	Match(data []byte, timeout time.Duration) ([]Match, error)
	Close()
}

// Loader loads a compiled blob written to disk.
type Loader interface {
	Load(path string) (Ruleset, error)
}

// Engine is the full byte-matching engine contract.
type Engine interface {
	Compiler
	Loader
}
