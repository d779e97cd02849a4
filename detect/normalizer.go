// Package detect turns raw engine output into the alert shape returned to
// clients. Byte matches map one-to-one onto alerts; log detections are
// grouped by rule and carry a small evidence list taken from the first
// matched event.
package detect

import (
	"encoding/json"
	"fmt"
	"strconv"

	"rulebox/core"
	"rulebox/yara"
)

// DefaultMaxHitEvents caps raw events returned with with_events, across all alerts
const DefaultMaxHitEvents = 2000

const placeholder = "-"

// evidenceFields are copied from the first matched event, in this order
var evidenceFields = []string{
	"EventID",
	"Channel",
	"Computer",
	"Image",
	"CommandLine",
	"ParentImage",
	"User",
	"ProcessId",
}

// Normalizer converts engine output into alerts.
type Normalizer struct {
	maxHitEvents int
}

// NewNormalizer creates a Normalizer; maxHitEvents <= 0 uses the default.
func NewNormalizer(maxHitEvents int) *Normalizer {
	if maxHitEvents <= 0 {
		maxHitEvents = DefaultMaxHitEvents
	}
	return &Normalizer{maxHitEvents: maxHitEvents}
}

// ByteMatches maps YARA matches onto alerts. Tags and evidence are always
// empty lists.
func (n *Normalizer) ByteMatches(matches []yara.Match) core.ScanResult {
	alerts := make([]core.Alert, 0, len(matches))
	for _, m := range matches {
		alerts = append(alerts, core.Alert{
			RuleID:    m.Rule,
			Namespace: m.Namespace,
			Tags:      []string{},
			Evidence:  []core.EvidenceField{},
		})
	}
	return core.ScanResult{Alerts: alerts}
}

// LogDetections maps log engine hit groups onto alerts. With
// core.ReturnLevelWithEvents the matched events are returned as well, up to
// the configured cap in total; alerts are the same for both levels.
func (n *Normalizer) LogDetections(groups []map[string]any, level core.ReturnLevel) (core.ScanResult, error) {
	if level != core.ReturnLevelSummary && level != core.ReturnLevelWithEvents {
		return core.ScanResult{}, core.NewValidationError(core.ErrInvalidReturnLevel,
			"return_level must be 'summary' or 'with_events', got '%s'", level)
	}

	result := core.ScanResult{Alerts: make([]core.Alert, 0, len(groups))}
	if level == core.ReturnLevelWithEvents {
		result.HitEvents = make([]core.HitEvent, 0)
	}

	for i, group := range groups {
		matches := asList(group["matches"])
		result.Alerts = append(result.Alerts, core.Alert{
			RuleID:   firstString(group, "id", "rule_id"),
			Title:    firstString(group, "title"),
			Level:    firstString(group, "rule_level", "level"),
			Tags:     stringList(group["tags"]),
			HitCount: toInt(group["count"]),
			Evidence: evidence(matches),
		})

		if level != core.ReturnLevelWithEvents {
			continue
		}
		for _, ev := range matches {
			if len(result.HitEvents) >= n.maxHitEvents {
				break
			}
			result.HitEvents = append(result.HitEvents, core.HitEvent{
				EventID:    len(result.HitEvents),
				AlertIndex: i,
				Data:       ev,
			})
		}
	}
	return result, nil
}

// evidence picks the known fields from the first match, reading through a
// wrapping "row" object when present.
func evidence(matches []any) []core.EvidenceField {
	fields := make([]core.EvidenceField, 0)
	if len(matches) == 0 {
		return fields
	}
	event, ok := matches[0].(map[string]any)
	if !ok {
		return fields
	}
	if row, ok := event["row"].(map[string]any); ok {
		event = row
	}

	for _, name := range evidenceFields {
		v, ok := event[name]
		if !ok || isEmpty(v) {
			continue
		}
		fields = append(fields, core.EvidenceField{Field: name, Value: stringify(v)})
	}
	return fields
}

func firstString(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := obj[k]; ok && !isEmpty(v) {
			return stringify(v)
		}
	}
	return placeholder
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
		return fmt.Sprint(t)
	}
}

func asList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return nil
}

func stringList(v any) []string {
	out := make([]string, 0)
	for _, item := range asList(v) {
		if isEmpty(item) {
			continue
		}
		out = append(out, stringify(item))
	}
	return out
}

func toInt(v any) int {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i)
		}
		if f, err := t.Float64(); err == nil {
			return int(f)
		}
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}
