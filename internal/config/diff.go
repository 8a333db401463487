package config

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Difference is one field-level change between two recipes.
// Left or Right is empty when the field only exists on one side.
type Difference struct {
	Field string `json:"field"`
	Left  string `json:"left"`
	Right string `json:"right"`
}

func (d Difference) String() string {
	return fmt.Sprintf("%s: %s -> %s", d.Field, orNone(d.Left), orNone(d.Right))
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// Diff compares two recipes field by field. The result is ordered by document
// position: version, inputs, pipeline, output, quality gates.
func Diff(a, b *Recipe) []Difference {
	var diffs []Difference
	add := func(field, left, right string) {
		if left != right {
			diffs = append(diffs, Difference{Field: field, Left: left, Right: right})
		}
	}

	add("version", fmt.Sprint(a.Version), fmt.Sprint(b.Version))

	for i := 0; i < max(len(a.Inputs), len(b.Inputs)); i++ {
		add(fmt.Sprintf("inputs[%d].path", i), inputAt(a.Inputs, i), inputAt(b.Inputs, i))
	}

	for i := 0; i < max(len(a.Pipeline), len(b.Pipeline)); i++ {
		prefix := fmt.Sprintf("pipeline[%d]", i)
		var sa, sb *StageSpec
		if i < len(a.Pipeline) {
			sa = &a.Pipeline[i]
		}
		if i < len(b.Pipeline) {
			sb = &b.Pipeline[i]
		}
		add(prefix+".stage", stageName(sa), stageName(sb))
		diffParams(prefix+".params", params(sa), params(sb), add)
	}

	add("output.directory", a.Output.Directory, b.Output.Directory)
	add("output.structure", a.Output.Structure, b.Output.Structure)

	for i := 0; i < max(len(a.QualityGates), len(b.QualityGates)); i++ {
		prefix := fmt.Sprintf("quality_gates[%d]", i)
		ga, gb := gateAt(a.QualityGates, i), gateAt(b.QualityGates, i)
		add(prefix+".label", label(ga), label(gb))
		add(prefix+".min_ssim", threshold(ga, func(g *QualityGateSpec) *float64 { return g.MinSSIM }), threshold(gb, func(g *QualityGateSpec) *float64 { return g.MinSSIM }))
		add(prefix+".min_psnr", threshold(ga, func(g *QualityGateSpec) *float64 { return g.MinPSNR }), threshold(gb, func(g *QualityGateSpec) *float64 { return g.MinPSNR }))
		add(prefix+".max_mse", threshold(ga, func(g *QualityGateSpec) *float64 { return g.MaxMSE }), threshold(gb, func(g *QualityGateSpec) *float64 { return g.MaxMSE }))
	}

	return diffs
}

func diffParams(prefix string, a, b map[string]any, add func(field, left, right string)) {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		add(prefix+"."+k, renderValue(a, k), renderValue(b, k))
	}
}

// renderValue encodes a parameter canonically so 256 and 256.0 compare equal.
func renderValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func inputAt(in []InputSpec, i int) string {
	if i < len(in) {
		return in[i].Path
	}
	return ""
}

func stageName(s *StageSpec) string {
	if s == nil {
		return ""
	}
	return s.Stage
}

func params(s *StageSpec) map[string]any {
	if s == nil {
		return nil
	}
	return s.Params
}

func gateAt(g []QualityGateSpec, i int) *QualityGateSpec {
	if i < len(g) {
		return &g[i]
	}
	return nil
}

func label(g *QualityGateSpec) string {
	if g == nil {
		return ""
	}
	return g.Label
}

func threshold(g *QualityGateSpec, pick func(*QualityGateSpec) *float64) string {
	if g == nil {
		return ""
	}
	v := pick(g)
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}
