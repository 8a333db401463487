package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// BoundStage is a StageSpec resolved against the registry.
type BoundStage struct {
	Index      int
	Spec       config.StageSpec
	Definition Definition
	Params     Params
	ParamsHash string
	Stage      Stage
}

// Plan is a validated recipe ready to execute.
type Plan struct {
	Recipe      *config.Recipe
	BaseDir     string
	Inputs      []string
	Stages      []BoundStage
	Fingerprint string
}

// OutputDir resolves the recipe's output directory against BaseDir.
func (p *Plan) OutputDir() string {
	dir := p.Recipe.Output.Directory
	if filepath.IsAbs(dir) || p.BaseDir == "" {
		return dir
	}
	return filepath.Join(p.BaseDir, dir)
}

// DeviceRequirements returns, for each stage in order, the devices it can
// run on.
func (p *Plan) DeviceRequirements() map[string][]scheduler.Device {
	out := make(map[string][]scheduler.Device, len(p.Stages))
	for _, bs := range p.Stages {
		out[bs.Spec.Stage] = append([]scheduler.Device(nil), bs.Definition.Devices...)
	}
	return out
}

// GlobFunc expands one pattern into matching file paths.
type GlobFunc func(pattern string) ([]string, error)

// DefaultGlob matches regular files only and supports ** segments.
func DefaultGlob(pattern string) ([]string, error) {
	return doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
}

// Validator turns recipes into plans.
type Validator struct {
	registry *Registry
	baseDir  string
	glob     GlobFunc
}

// NewValidator creates a Validator. Relative input globs and the output
// directory are resolved against baseDir.
func NewValidator(reg *Registry, baseDir string) *Validator {
	return &Validator{registry: reg, baseDir: baseDir, glob: DefaultGlob}
}

// WithGlob returns a copy of v that expands inputs with g.
func (v *Validator) WithGlob(g GlobFunc) *Validator {
	out := *v
	out.glob = g
	return &out
}

// Build validates r and returns a Plan. On failure the error is a
// ValidationErrors listing every problem. r is never modified.
func (v *Validator) Build(r *config.Recipe) (*Plan, error) {
	recipe := r.Clone()
	errs := ValidationErrors(config.Validate(recipe))

	stages, stageErrs := v.bindStages(recipe)
	errs = append(errs, stageErrs...)

	var inputs []string
	if len(recipe.Inputs) > 0 {
		var err error
		inputs, err = ExpandInputs(v.baseDir, recipe.Inputs, v.glob)
		if err != nil {
			errs = append(errs, config.ValidationError{Field: "inputs", Message: err.Error()})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	fp, err := Fingerprint(recipe)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting recipe: %w", err)
	}
	return &Plan{
		Recipe:      recipe,
		BaseDir:     v.baseDir,
		Inputs:      inputs,
		Stages:      stages,
		Fingerprint: fp,
	}, nil
}

func (v *Validator) bindStages(r *config.Recipe) ([]BoundStage, []config.ValidationError) {
	var errs []config.ValidationError
	stages := make([]BoundStage, 0, len(r.Pipeline))
	for i, spec := range r.Pipeline {
		if spec.Stage == "" {
			continue
		}
		def, ok := v.registry.Lookup(spec.Stage)
		if !ok {
			errs = append(errs, config.ValidationError{
				Field:   fmt.Sprintf("pipeline[%d].stage", i),
				Message: fmt.Sprintf("unknown stage %q", spec.Stage),
			})
			continue
		}
		params, perrs := def.Resolve(spec.Params, fmt.Sprintf("pipeline[%d].params", i))
		if len(perrs) > 0 {
			errs = append(errs, perrs...)
			continue
		}
		st, err := def.New(params)
		if err != nil {
			errs = append(errs, config.ValidationError{
				Field:   fmt.Sprintf("pipeline[%d].params", i),
				Message: err.Error(),
			})
			continue
		}
		hash, err := ParamsHash(def.Name, params)
		if err != nil {
			errs = append(errs, config.ValidationError{
				Field:   fmt.Sprintf("pipeline[%d].params", i),
				Message: err.Error(),
			})
			continue
		}
		stages = append(stages, BoundStage{
			Index:      i,
			Spec:       spec,
			Definition: def,
			Params:     params,
			ParamsHash: hash,
			Stage:      st,
		})
	}
	return stages, errs
}

// ExpandInputs expands every pattern and returns the union of matches,
// lexicographically sorted with duplicates removed. A pattern that matches
// nothing is an error.
func ExpandInputs(baseDir string, inputs []config.InputSpec, glob GlobFunc) ([]string, error) {
	if glob == nil {
		glob = DefaultGlob
	}
	seen := make(map[string]bool)
	var out []string
	for _, in := range inputs {
		pattern := in.Path
		if baseDir != "" && !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}
		matches, err := glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("expanding %q: %w", in.Path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", in.Path)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Fingerprint is a hash of the recipe's canonical JSON form. Map keys are
// sorted by encoding/json, and numerically equal parameters encode equally.
func Fingerprint(r *config.Recipe) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

// ParamsHash hashes a stage name together with its effective parameters.
func ParamsHash(stage string, p Params) (string, error) {
	data, err := json.Marshal(struct {
		Stage  string `json:"stage"`
		Params Params `json:"params"`
	}{stage, p})
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
