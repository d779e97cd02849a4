package storage

import "errors"

// Storage error constants
var (
	// ErrArtifactNotFound is returned when a compiled artifact is not found
	ErrArtifactNotFound = errors.New("compiled artifact not found")

	// ErrDuplicateArtifact is returned when inserting an artifact whose compiled hash already exists
	ErrDuplicateArtifact = errors.New("compiled artifact already exists")

	// ErrUnknownFamily is returned when a rule family has no tables
	ErrUnknownFamily = errors.New("unknown rule family")

	// ErrSchemaMismatch is returned when the live schema lacks a declared table or column
	ErrSchemaMismatch = errors.New("schema mismatch")
)
