package config

// Recipe is the top-level document describing one media-transformation run.
type Recipe struct {
	Version      int               `yaml:"version" json:"version"`
	Inputs       []InputSpec       `yaml:"inputs" json:"inputs"`
	Pipeline     []StageSpec       `yaml:"pipeline" json:"pipeline"`
	Output       OutputSpec        `yaml:"output" json:"output"`
	QualityGates []QualityGateSpec `yaml:"quality_gates,omitempty" json:"quality_gates,omitempty"`
}

// InputSpec is a single path glob. Globs are expanded at plan-build time.
type InputSpec struct {
	Path string `yaml:"path" json:"path"`
}

// StageSpec names a registered stage and carries its raw parameters.
type StageSpec struct {
	Stage  string         `yaml:"stage" json:"stage"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// OutputSpec controls where encoded artifacts are written.
// Structure is a filename template; {stem}, {ext} and any string metadata
// key written by a stage (e.g. {variant}) are substituted.
type OutputSpec struct {
	Directory string `yaml:"directory" json:"directory"`
	Structure string `yaml:"structure,omitempty" json:"structure,omitempty"`
}

// QualityGateSpec is one threshold set. Nil thresholds are not checked.
type QualityGateSpec struct {
	Label   string   `yaml:"label,omitempty" json:"label,omitempty"`
	MinSSIM *float64 `yaml:"min_ssim,omitempty" json:"min_ssim,omitempty"`
	MinPSNR *float64 `yaml:"min_psnr,omitempty" json:"min_psnr,omitempty"`
	MaxMSE  *float64 `yaml:"max_mse,omitempty" json:"max_mse,omitempty"`
}

// DefaultStructure is applied when a recipe leaves output.structure empty.
const DefaultStructure = "{stem}.{ext}"

// SupportedVersion is the only recipe schema version this build understands.
const SupportedVersion = 1

// Clone returns a deep copy so callers can derive recipes (e.g. benchmark
// overrides) without mutating a loaded document.
func (r *Recipe) Clone() *Recipe {
	out := &Recipe{
		Version: r.Version,
		Output:  r.Output,
	}
	out.Inputs = append([]InputSpec(nil), r.Inputs...)
	for _, s := range r.Pipeline {
		out.Pipeline = append(out.Pipeline, StageSpec{Stage: s.Stage, Params: cloneParams(s.Params)})
	}
	for _, g := range r.QualityGates {
		out.QualityGates = append(out.QualityGates, QualityGateSpec{
			Label:   g.Label,
			MinSSIM: cloneFloat(g.MinSSIM),
			MinPSNR: cloneFloat(g.MinPSNR),
			MaxMSE:  cloneFloat(g.MaxMSE),
		})
	}
	return out
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float is a helper for building gate thresholds in code.
func Float(v float64) *float64 {
	return &v
}
