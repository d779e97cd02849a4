package core

import (
	"path/filepath"
	"strings"
)

// Family identifies a detection rule family
type Family string

const (
	// FamilyYARA is the byte-pattern rule family
	FamilyYARA Family = "yara"
	// FamilySigma is the log-event rule family
	FamilySigma Family = "sigma"
)

// String returns the string representation
func (f Family) String() string {
	return string(f)
}

// IsValid checks if the family is known
func (f Family) IsValid() bool {
	switch f {
	case FamilyYARA, FamilySigma:
		return true
	default:
		return false
	}
}

// ParseFamily converts a request value into a Family
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.IsValid() {
		return "", &ValidationError{Err: ErrInvalidSubmission, Msg: "unknown rule family: " + s}
	}
	return f, nil
}

// RuleSet selects which stored rules take part in a scan
type RuleSet string

const (
	// RuleSetEnabled selects rules whose artifact is enabled
	RuleSetEnabled RuleSet = "enabled"
	// RuleSetAll selects every stored rule
	RuleSetAll RuleSet = "all"
)

// ParseRuleSet validates a rule_set request value. Empty means enabled.
func ParseRuleSet(s string) (RuleSet, error) {
	switch RuleSet(s) {
	case "", RuleSetEnabled:
		return RuleSetEnabled, nil
	case RuleSetAll:
		return RuleSetAll, nil
	default:
		return "", &ValidationError{Err: ErrInvalidRuleSet, Msg: "rule_set must be 'enabled' or 'all', got " + quote(s)}
	}
}

// ReturnLevel controls scan response verbosity
type ReturnLevel string

const (
	// ReturnLevelSummary returns alerts only
	ReturnLevelSummary ReturnLevel = "summary"
	// ReturnLevelWithEvents also returns a capped list of raw matched events
	ReturnLevelWithEvents ReturnLevel = "with_events"
)

// ParseReturnLevel validates a return_level request value. Empty means summary.
func ParseReturnLevel(s string) (ReturnLevel, error) {
	switch ReturnLevel(s) {
	case "", ReturnLevelSummary:
		return ReturnLevelSummary, nil
	case ReturnLevelWithEvents:
		return ReturnLevelWithEvents, nil
	default:
		return "", &ValidationError{Err: ErrInvalidReturnLevel, Msg: "return_level must be 'summary' or 'with_events', got " + quote(s)}
	}
}

// UnknownRuleName names the single rule of a YARA file with no recognizable declaration
const UnknownRuleName = "UNKNOWN_RULE"

// Submission kinds reported by ingestion
const (
	KindSingle = "single"
	KindZip    = "zip"
)

// HasAllowedExtension reports whether the final extension of name is in
// allowed. Matching is case-insensitive and a missing leading dot in allowed
// is tolerated, so ".evtx" and "evtx" both admit "Security.EVTX".
func HasAllowedExtension(name string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || ext == "." {
		return false
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if !strings.HasPrefix(a, ".") {
			a = "." + a
		}
		if ext == a {
			return true
		}
	}
	return false
}

func quote(s string) string {
	return "'" + s + "'"
}
