package sigma

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// bundleVersion is bumped whenever the bundle layout changes; it is part of
// the compiled bytes, so a new version yields new artifact hashes.
const bundleVersion = 1

// Bundle is the compiled form of one Sigma source file.
type Bundle struct {
	Version int      `msgpack:"v"`
	Rules   [][]byte `msgpack:"rules"`
}

// ErrMissingDetection is returned by Compile when detection is required and
// a rule has no detection block with a condition.
var ErrMissingDetection = errors.New("rule has no detection condition")

// Compile builds the msgpack bundle of rules' canonical bodies in file
// order. Files whose rules canonicalize identically compile to identical
// bytes regardless of formatting or comments.
func Compile(rules []Rule, requireDetection bool) ([]byte, error) {
	b := Bundle{Version: bundleVersion, Rules: make([][]byte, 0, len(rules))}
	for i, r := range rules {
		if requireDetection && !hasCondition(r.Object) {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, r.Body.Title, ErrMissingDetection)
		}
		b.Rules = append(b.Rules, r.Body.Raw)
	}

	blob, err := msgpack.Marshal(&b)
	if err != nil {
		return nil, fmt.Errorf("failed to encode bundle: %w", err)
	}
	return blob, nil
}

// DecodeBundle reverses Compile.
func DecodeBundle(blob []byte) (*Bundle, error) {
	var b Bundle
	if err := msgpack.Unmarshal(blob, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if b.Version != bundleVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", b.Version)
	}
	return &b, nil
}

func hasCondition(obj map[string]any) bool {
	detection, ok := obj["detection"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = detection["condition"]
	return ok
}
