package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// RawSubmission is an uploaded rule file or archive. It is never persisted directly.
type RawSubmission struct {
	Data       []byte
	Filename   string
	SourceName string
}

// RuleBody is the family-neutral form of one parsed rule.
// Raw holds the canonical bytes the content hash is computed over:
// the trimmed rule text for YARA, canonical JSON for Sigma.
type RuleBody struct {
	ID          string
	Title       string
	Description string
	Level       string
	Raw         []byte
}

// ParsedRule is one logical rule extracted from a submission.
type ParsedRule struct {
	Body        RuleBody
	ContentHash string
	SourceName  string
	SourceFile  string
}

// NewParsedRule hashes the canonical body and returns the rule.
func NewParsedRule(body RuleBody, sourceName, sourceFile string) ParsedRule {
	return ParsedRule{
		Body:        body,
		ContentHash: SHA256Hex(body.Raw),
		SourceName:  sourceName,
		SourceFile:  sourceFile,
	}
}

// CompiledArtifact is the compiled output of one source file's full rule set.
type CompiledArtifact struct {
	ID           int64     `json:"id"`
	SourceName   string    `json:"source_name"`
	SourceFile   string    `json:"source_file"`
	Blob         []byte    `json:"-"`
	CompiledHash string    `json:"compiled_hash"`
	Enabled      bool      `json:"enabled"`
	CompiledAt   time.Time `json:"compiled_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	// RuleCount is filled by listings only
	RuleCount int `json:"rule_count"`
}

// NewCompiledArtifact hashes blob and returns an enabled artifact.
func NewCompiledArtifact(blob []byte, sourceName, sourceFile string, now time.Time) *CompiledArtifact {
	return &CompiledArtifact{
		SourceName:   sourceName,
		SourceFile:   sourceFile,
		Blob:         blob,
		CompiledHash: SHA256Hex(blob),
		Enabled:      true,
		CompiledAt:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// StoredRule is a persisted rule row joined with its artifact.
type StoredRule struct {
	ID          int64
	Name        string
	ExternalID  string
	Description string
	Level       string
	Body        string
	ContentHash string
	SourceName  string
	SourceFile  string

	ArtifactID      int64
	ArtifactHash    string
	ArtifactBlob    []byte
	ArtifactEnabled bool
}

// SHA256Hex returns the lowercase hex sha-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
