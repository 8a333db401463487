package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_.\-]+)\}`)

// RenderOutputPath expands an output structure template for a. {stem} and
// {ext} come from the artifact; any other name is looked up in its metadata.
// The result is relative and may not escape the output directory.
func RenderOutputPath(structure string, a *Artifact) (string, error) {
	var missing []string
	rendered := placeholder.ReplaceAllStringFunc(structure, func(m string) string {
		key := m[1 : len(m)-1]
		switch key {
		case "stem":
			return a.Stem
		case "ext":
			return a.Extension
		}
		v, ok := a.Meta(key)
		if !ok {
			missing = append(missing, key)
			return m
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("output structure %q: unknown placeholder(s) %s", structure, strings.Join(missing, ", "))
	}

	clean := filepath.Clean(filepath.FromSlash(rendered))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("output structure %q renders to %q outside the output directory", structure, rendered)
	}
	return clean, nil
}
