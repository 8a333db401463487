package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a recipe from the given YAML or JSON file path.
// After parsing, it applies defaults to fields the document leaves empty.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Parse decodes a recipe document. JSON documents are accepted as YAML.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing recipe: %w", err)
	}
	applyDefaults(&r)
	return &r, nil
}

// applyDefaults fills the output structure and normalizes parameter maps so
// that nested YAML mappings decode to map[string]any.
func applyDefaults(r *Recipe) {
	if r.Output.Structure == "" {
		r.Output.Structure = DefaultStructure
	}
	for i := range r.Pipeline {
		s := &r.Pipeline[i]
		for k, v := range s.Params {
			s.Params[k] = normalizeValue(v)
		}
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
