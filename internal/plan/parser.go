package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// wireDoc mirrors Plan's field set for both accepted wire formats: the
// structured-text human form (YAML) and the strict JSON key/value form.
// Both decode into this single shape before normalizing into a Plan.
type wireDoc struct {
	BaseRef string `json:"baseRef" yaml:"baseRef"`
	Tasks   []Task `json:"tasks" yaml:"tasks"`
}

// Parse decodes raw plan input, auto-detecting between the strict JSON form
// and the structured-text (YAML) human form, and normalizes it into a Plan.
// It does not run cross-task validation (see the dag package for that); it
// only rejects input that fails Task's own structural invariants.
func Parse(data []byte) (Plan, error) {
	doc, err := decode(data)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{BaseRef: doc.BaseRef, Tasks: doc.Tasks}
	if errs := p.StructuralErrors(); len(errs) > 0 {
		return Plan{}, fmt.Errorf("plan: invalid: %s", strings.Join(errs, "; "))
	}
	return p, nil
}

func decode(data []byte) (wireDoc, error) {
	trimmed := bytes.TrimSpace(data)
	var doc wireDoc

	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(data, &doc); err != nil {
			return wireDoc{}, fmt.Errorf("plan: parsing JSON form: %w", err)
		}
		return doc, nil
	}

	if err := yaml.Unmarshal(data, &doc); err != nil {
		return wireDoc{}, fmt.Errorf("plan: parsing human form: %w", err)
	}
	return doc, nil
}

// Marshal serializes a Plan back into the strict JSON wire form.
func Marshal(p Plan) ([]byte, error) {
	doc := wireDoc{BaseRef: p.BaseRef, Tasks: p.Tasks}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("plan: marshaling: %w", err)
	}
	return out, nil
}

// MarshalYAML serializes a Plan into the structured-text human form.
func MarshalYAML(p Plan) ([]byte, error) {
	doc := wireDoc{BaseRef: p.BaseRef, Tasks: p.Tasks}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("plan: marshaling YAML: %w", err)
	}
	return out, nil
}
