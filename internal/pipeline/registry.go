package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Stage is a named, parameterised transform. Run mutates a in place or
// returns an error; use Transient and Fatal to classify failures.
type Stage interface {
	Name() string
	SupportsDevice(d scheduler.Device) bool
	Run(ctx context.Context, a *Artifact, rc *RunContext, d scheduler.Device) error
}

// ParamType is the declared type of a stage parameter.
type ParamType string

const (
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// ParamSpec describes one accepted parameter.
type ParamSpec struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Min      *float64
	Max      *float64
	Enum     []string
}

// Definition is a registry entry: the stage's schema, identity and
// constructor.
type Definition struct {
	Name        string
	Version     string
	Description string
	Devices     []scheduler.Device
	Params      []ParamSpec
	New         func(p Params) (Stage, error)
}

// Identity is the token pinned in lockfiles.
func (d Definition) Identity() string {
	return d.Name + "@" + d.Version
}

// SupportsDevice reports whether the definition declares dev.
func (d Definition) SupportsDevice(dev scheduler.Device) bool {
	for _, x := range d.Devices {
		if x == dev {
			return true
		}
	}
	return false
}

// Registry maps stage names to definitions. It is immutable once built.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry builds a registry from defs. Duplicate names are an error.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("stage definition without a name")
		}
		if d.New == nil {
			return nil, fmt.Errorf("stage %q has no constructor", d.Name)
		}
		if _, dup := r.defs[d.Name]; dup {
			return nil, fmt.Errorf("stage %q registered twice", d.Name)
		}
		r.defs[d.Name] = d
	}
	return r, nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Definitions returns every definition sorted by name.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered stage names in sorted order.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Params are a stage's effective parameters after schema validation. Values
// are normalised to int64, float64, string or bool.
type Params map[string]any

// Has reports whether name was given or defaulted.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

func (p Params) Int(name string) int {
	v, _ := p[name].(int64)
	return int(v)
}

func (p Params) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func (p Params) String(name string) string {
	v, _ := p[name].(string)
	return v
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

// Resolve checks raw against the definition's schema and returns the
// effective parameters. Field names in errors are prefixed with prefix,
// e.g. "pipeline[1].params".
func (d Definition) Resolve(raw map[string]any, prefix string) (Params, []config.ValidationError) {
	var errs []config.ValidationError
	out := make(Params, len(d.Params))
	known := make(map[string]bool, len(d.Params))

	for _, spec := range d.Params {
		known[spec.Name] = true
		field := prefix + "." + spec.Name
		v, ok := raw[spec.Name]
		if !ok || v == nil {
			if spec.Required {
				errs = append(errs, config.ValidationError{Field: field, Message: "is required"})
			} else if spec.Default != nil {
				if norm, err := coerce(spec, spec.Default); err == nil {
					out[spec.Name] = norm
				}
			}
			continue
		}
		norm, err := coerce(spec, v)
		if err != nil {
			errs = append(errs, config.ValidationError{Field: field, Message: err.Error()})
			continue
		}
		out[spec.Name] = norm
	}

	var unknown []string
	for k := range raw {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		errs = append(errs, config.ValidationError{
			Field:   prefix + "." + k,
			Message: fmt.Sprintf("unknown parameter for stage %q", d.Name),
		})
	}
	return out, errs
}

func coerce(spec ParamSpec, v any) (any, error) {
	switch spec.Type {
	case ParamInt:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("must be an integer, got %v", v)
		}
		if err := checkRange(spec, f); err != nil {
			return nil, err
		}
		return int64(f), nil
	case ParamFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("must be a number, got %v", v)
		}
		if err := checkRange(spec, f); err != nil {
			return nil, err
		}
		return f, nil
	case ParamBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean, got %v", v)
		}
		return b, nil
	case ParamString:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case int, int64, float64:
			s = fmt.Sprint(x)
		default:
			return nil, fmt.Errorf("must be a string, got %v", v)
		}
		if len(spec.Enum) > 0 {
			lower := strings.ToLower(s)
			for _, e := range spec.Enum {
				if lower == e {
					return lower, nil
				}
			}
			return nil, fmt.Errorf("must be one of %s, got %q", strings.Join(spec.Enum, ", "), s)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported parameter type %q", spec.Type)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

func checkRange(spec ParamSpec, f float64) error {
	if spec.Min != nil && f < *spec.Min {
		return fmt.Errorf("must be >= %g, got %g", *spec.Min, f)
	}
	if spec.Max != nil && f > *spec.Max {
		return fmt.Errorf("must be <= %g, got %g", *spec.Max, f)
	}
	return nil
}
