// Package lockfile pins a validated plan's stage identities and parameter
// hashes so a later run can prove it executes the same recipe.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Version is the lockfile schema version written by Generate.
const Version = 1

// ErrMismatch is wrapped by every MismatchError.
var ErrMismatch = errors.New("lockfile mismatch")

// MismatchError reports the first field where a plan and a lock disagree.
type MismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s: lock has %q, recipe has %q", ErrMismatch, e.Field, e.Want, e.Got)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// StageLock pins one resolved stage.
type StageLock struct {
	Stage      string             `yaml:"stage" json:"stage"`
	Identity   string             `yaml:"identity" json:"identity"`
	ParamsHash string             `yaml:"params_hash" json:"params_hash"`
	Devices    []scheduler.Device `yaml:"devices,flow" json:"devices"`
}

// Lockfile is the pinned snapshot of a plan. It carries no timestamps so
// regenerating a lock for an unchanged recipe is byte-identical.
type Lockfile struct {
	Version            int                           `yaml:"version" json:"version"`
	RecipeFingerprint  string                        `yaml:"recipe_fingerprint" json:"recipe_fingerprint"`
	DeviceRequirements map[string][]scheduler.Device `yaml:"device_requirements" json:"device_requirements"`
	Stages             []StageLock                   `yaml:"stages" json:"stages"`
}

// Generate builds a lockfile from plan.
func Generate(plan *pipeline.Plan) *Lockfile {
	lock := &Lockfile{
		Version:            Version,
		RecipeFingerprint:  plan.Fingerprint,
		DeviceRequirements: plan.DeviceRequirements(),
		Stages:             make([]StageLock, 0, len(plan.Stages)),
	}
	for _, bs := range plan.Stages {
		lock.Stages = append(lock.Stages, StageLock{
			Stage:      bs.Spec.Stage,
			Identity:   bs.Definition.Identity(),
			ParamsHash: bs.ParamsHash,
			Devices:    append([]scheduler.Device(nil), bs.Definition.Devices...),
		})
	}
	return lock
}

// Verify checks plan against lock. It returns a *MismatchError on the first
// difference: fingerprint, stage count, then per-stage name, identity and
// parameter hash.
func Verify(plan *pipeline.Plan, lock *Lockfile) error {
	if lock == nil {
		return errors.New("nil lockfile")
	}
	if lock.Version != Version {
		return &MismatchError{Field: "version", Want: fmt.Sprint(lock.Version), Got: fmt.Sprint(Version)}
	}
	if lock.RecipeFingerprint != plan.Fingerprint {
		return &MismatchError{Field: "recipe_fingerprint", Want: lock.RecipeFingerprint, Got: plan.Fingerprint}
	}
	if len(lock.Stages) != len(plan.Stages) {
		return &MismatchError{
			Field: "stages",
			Want:  fmt.Sprintf("%d stages", len(lock.Stages)),
			Got:   fmt.Sprintf("%d stages", len(plan.Stages)),
		}
	}
	for i, bs := range plan.Stages {
		want := lock.Stages[i]
		prefix := fmt.Sprintf("stages[%d]", i)
		if want.Stage != bs.Spec.Stage {
			return &MismatchError{Field: prefix + ".stage", Want: want.Stage, Got: bs.Spec.Stage}
		}
		if id := bs.Definition.Identity(); want.Identity != id {
			return &MismatchError{Field: prefix + ".identity", Want: want.Identity, Got: id}
		}
		if want.ParamsHash != bs.ParamsHash {
			return &MismatchError{Field: prefix + ".params_hash", Want: want.ParamsHash, Got: bs.ParamsHash}
		}
	}
	return nil
}

// Marshal encodes the lock as YAML.
func (l *Lockfile) Marshal() ([]byte, error) {
	return yaml.Marshal(l)
}

// Save writes the lock to path atomically.
func Save(path string, l *Lockfile) error {
	data, err := l.Marshal()
	if err != nil {
		return fmt.Errorf("marshal lockfile: %w", err)
	}
	return pipeline.WriteAtomic(path, data)
}

// Load reads a lockfile from path.
func Load(path string) (*Lockfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML (or JSON) lockfile.
func Parse(data []byte) (*Lockfile, error) {
	var l Lockfile
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing lockfile: %w", err)
	}
	if l.RecipeFingerprint == "" {
		return nil, errors.New("parsing lockfile: recipe_fingerprint is required")
	}
	return &l, nil
}
