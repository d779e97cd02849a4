// Package core defines the domain model shared by the rule ingestion
// pipeline, the rule store, the scan sandbox and the HTTP layer.
//
// # Rule families
//
// Two families of detection rules are supported:
//   - FamilyYARA: byte-pattern rules compiled into a binary ruleset
//   - FamilySigma: structured log-event rules, compiled into a msgpack bundle
//
// Both families share the same storage shape: a CompiledArtifact per source
// file (content-addressed by the hash of its compiled bytes) and one
// ParsedRule row per logical rule (content-addressed by the hash of its
// canonical body), referencing the artifact it was compiled into.
//
// # Errors
//
// errors.go holds the error taxonomy. Callers classify with errors.Is
// against the sentinel values; CompileError and EngineError carry
// diagnostics and unwrap to their sentinel.
package core
