package sigma

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ExportYAML renders a stored canonical JSON body back into Sigma YAML.
// JSON is a YAML subset, so the body is decoded with the YAML decoder to
// keep integers as integers; mapping keys are emitted sorted, so the same
// body always exports to the same bytes.
func ExportYAML(canonical []byte) ([]byte, error) {
	var obj any
	if err := yaml.Unmarshal(canonical, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode rule body: %w", err)
	}
	out, err := yaml.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rule yaml: %w", err)
	}
	return out, nil
}
