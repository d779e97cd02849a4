// Package sigma parses Sigma rule files into canonical rule bodies,
// builds the compiled bundle stored per source file and exports stored
// rules back to YAML for the log-detection engine.
package sigma

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"rulebox/core"
)

// Rule is one parsed Sigma rule: its canonical body plus the JSON-safe
// object it was derived from.
type Rule struct {
	Body   core.RuleBody
	Object map[string]any
}

// Parser turns Sigma YAML document streams into rules.
type Parser struct{}

// NewParser creates a new Sigma parser
func NewParser() *Parser {
	return &Parser{}
}

// ParseRules parses data as a YAML document stream and normalizes it into
// rule objects:
//   - a single document is taken as is, several documents become a list
//   - a list yields its mapping elements
//   - a mapping with a list-typed "rules" field yields that list's mappings
//   - any other mapping is one rule
//
// Rules without a title are titled filename (one rule) or filename#N.
func (p *Parser) ParseRules(filename string, data []byte) ([]Rule, error) {
	parsed, err := decodeStream(data)
	if err != nil {
		return nil, core.NewValidationError(core.ErrInvalidSubmission, "YAML parse failed: %s: %v", filename, err)
	}

	objects := normalizeRules(parsed)
	rules := make([]Rule, 0, len(objects))
	for idx, obj := range objects {
		fallback := filename
		if len(objects) > 1 {
			fallback = fmt.Sprintf("%s#%d", filename, idx+1)
		}

		raw, err := Canonicalize(obj)
		if err != nil {
			return nil, core.NewValidationError(core.ErrInvalidSubmission, "cannot canonicalize rule %d in %s: %v", idx+1, filename, err)
		}

		rules = append(rules, Rule{
			Body: core.RuleBody{
				ID:          optionalString(obj["id"]),
				Title:       titleOr(obj["title"], fallback),
				Description: optionalString(obj["description"]),
				Level:       optionalString(obj["level"]),
				Raw:         raw,
			},
			Object: obj,
		})
	}
	return rules, nil
}

// decodeStream decodes every document in data. One document is returned
// as is; any other count is returned as a []any.
func decodeStream(data []byte) (any, error) {
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	dec := yaml.NewDecoder(strings.NewReader(text))

	var docs []any
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	if len(docs) == 1 {
		return docs[0], nil
	}
	return docs, nil
}

func normalizeRules(parsed any) []map[string]any {
	switch v := parsed.(type) {
	case []any:
		return mappings(v)
	case map[string]any, map[any]any:
		obj, _ := toJSONSafe(v).(map[string]any)
		if list, ok := obj["rules"].([]any); ok {
			return mappings(list)
		}
		return []map[string]any{obj}
	default:
		return nil
	}
}

func mappings(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		switch item.(type) {
		case map[string]any, map[any]any:
			if obj, ok := toJSONSafe(item).(map[string]any); ok {
				out = append(out, obj)
			}
		}
	}
	return out
}

func optionalString(v any) string {
	if v == nil {
		return ""
	}
	return scalarText(v)
}

// scalarText renders a decoded YAML value as text. Booleans become True or
// False and integral floats keep a trailing ".0".
func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e16 {
			return strconv.FormatFloat(t, 'f', 1, 64)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// titleOr returns v as a string unless it is empty or zero, in which case
// fallback is returned.
func titleOr(v any, fallback string) string {
	switch t := v.(type) {
	case nil:
		return fallback
	case string:
		if t == "" {
			return fallback
		}
		return t
	case bool:
		if !t {
			return fallback
		}
	case int:
		if t == 0 {
			return fallback
		}
	case float64:
		if t == 0 {
			return fallback
		}
	case []any:
		if len(t) == 0 {
			return fallback
		}
	case map[string]any:
		if len(t) == 0 {
			return fallback
		}
	}
	return scalarText(v)
}
