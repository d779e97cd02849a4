package sigma

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Canonicalize serializes v as compact JSON with sorted object keys and no
// HTML escaping. Equal rule objects always produce equal bytes, which makes
// the output suitable as a content address.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(toJSONSafe(v)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// toJSONSafe converts YAML-decoded values into values encoding/json accepts:
// non-string map keys are stringified and timestamps become ISO-8601 text.
func toJSONSafe(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONSafe(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = toJSONSafe(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONSafe(val)
		}
		return out
	case time.Time:
		return isoformat(t)
	default:
		return v
	}
}

func isoformat(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339Nano)
}
