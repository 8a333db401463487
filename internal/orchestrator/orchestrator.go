// Package orchestrator exposes the entry points used by the CLI and other
// callers: validate a recipe, run a plan, generate a lockfile and diff
// recipes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lucasnoah/bunkerconvert/internal/bench"
	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/db"
	"github.com/lucasnoah/bunkerconvert/internal/lockfile"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Orchestrator composes validation, execution and persistence.
type Orchestrator struct {
	registry  *pipeline.Registry
	settings  config.Settings
	inventory scheduler.Inventory
	store     *pipeline.Store
	db        *db.DB
	publisher pipeline.Publisher
	recorder  pipeline.Recorder
	logger    *slog.Logger
	label     string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists every run report as JSON under the store.
func WithStore(s *pipeline.Store) Option { return func(o *Orchestrator) { o.store = s } }

// WithDB records every run in the run-history database.
func WithDB(d *db.DB) Option { return func(o *Orchestrator) { o.db = d } }

// WithPublisher mirrors promoted outputs.
func WithPublisher(p pipeline.Publisher) Option { return func(o *Orchestrator) { o.publisher = p } }

// WithRecorder attaches an executor event recorder.
func WithRecorder(r pipeline.Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithLogger sets the logger passed down to the executor.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithInventory overrides the device inventory derived from settings.
func WithInventory(inv scheduler.Inventory) Option {
	return func(o *Orchestrator) { o.inventory = inv }
}

// WithLabel tags run reports.
func WithLabel(label string) Option { return func(o *Orchestrator) { o.label = label } }

// NewOrchestrator creates an Orchestrator over reg.
func NewOrchestrator(reg *pipeline.Registry, settings config.Settings, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		settings:  settings,
		inventory: scheduler.Inventory{GPUs: settings.GPUCount},
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the stage registry plans are bound against.
func (o *Orchestrator) Registry() *pipeline.Registry { return o.registry }

// StageSummary describes one resolved stage of a valid recipe.
type StageSummary struct {
	Index      int                `json:"index"`
	Stage      string             `json:"stage"`
	Identity   string             `json:"identity"`
	ParamsHash string             `json:"params_hash"`
	Devices    []scheduler.Device `json:"devices"`
}

// ValidationReport is the result of validating a recipe document. It never
// involves running a stage.
type ValidationReport struct {
	Valid       bool                     `json:"valid"`
	Errors      []config.ValidationError `json:"errors,omitempty"`
	Fingerprint string                   `json:"recipe_fingerprint,omitempty"`
	Inputs      []string                 `json:"inputs,omitempty"`
	Stages      []StageSummary           `json:"stages,omitempty"`
}

// ValidateRecipe parses doc and validates it, resolving input globs
// relative to baseDir.
func (o *Orchestrator) ValidateRecipe(doc []byte, baseDir string) *ValidationReport {
	r, err := config.Parse(doc)
	if err != nil {
		return &ValidationReport{Errors: []config.ValidationError{{Field: "document", Message: err.Error()}}}
	}
	rep, _ := o.validate(r, baseDir)
	return rep
}

// ValidateRecipeFile validates the recipe at path. Relative input globs are
// resolved against the recipe's directory.
func (o *Orchestrator) ValidateRecipeFile(path string) *ValidationReport {
	r, err := config.Load(path)
	if err != nil {
		return &ValidationReport{Errors: []config.ValidationError{{Field: "document", Message: err.Error()}}}
	}
	rep, _ := o.validate(r, filepath.Dir(path))
	return rep
}

// Plan validates r and returns an executable plan.
func (o *Orchestrator) Plan(r *config.Recipe, baseDir string) (*pipeline.Plan, error) {
	return pipeline.NewValidator(o.registry, baseDir).Build(r)
}

func (o *Orchestrator) validate(r *config.Recipe, baseDir string) (*ValidationReport, *pipeline.Plan) {
	plan, err := o.Plan(r, baseDir)
	if err != nil {
		var verrs pipeline.ValidationErrors
		if errors.As(err, &verrs) {
			return &ValidationReport{Errors: verrs}, nil
		}
		return &ValidationReport{Errors: []config.ValidationError{{Field: "recipe", Message: err.Error()}}}, nil
	}
	rep := &ValidationReport{
		Valid:       true,
		Fingerprint: plan.Fingerprint,
		Inputs:      plan.Inputs,
	}
	for _, bs := range plan.Stages {
		rep.Stages = append(rep.Stages, StageSummary{
			Index:      bs.Index,
			Stage:      bs.Spec.Stage,
			Identity:   bs.Definition.Identity(),
			ParamsHash: bs.ParamsHash,
			Devices:    bs.Definition.Devices,
		})
	}
	return rep, plan
}

// RunPipeline executes plan under policy. When lock is non-nil it is
// verified first and a mismatch aborts the run before any input is read.
// Failing to persist the report is logged but does not fail the run.
func (o *Orchestrator) RunPipeline(ctx context.Context, plan *pipeline.Plan, policy scheduler.Policy, lock *lockfile.Lockfile) (*pipeline.RunReport, error) {
	if lock != nil {
		if err := lockfile.Verify(plan, lock); err != nil {
			o.logger.Error("lockfile verification failed", "error", err)
			return nil, err
		}
		o.logger.Info("lockfile verified", "fingerprint", lock.RecipeFingerprint)
	}

	report, err := o.executor(policy).Run(ctx, plan)
	if err != nil {
		return nil, err
	}
	o.persist(ctx, report)
	return report, nil
}

func (o *Orchestrator) executor(policy scheduler.Policy) *pipeline.Executor {
	sched := scheduler.New(policy, o.inventory, o.settings.GPUPixelThreshold)
	opts := []pipeline.Option{pipeline.WithLogger(o.logger), pipeline.WithLabel(o.label)}
	if o.recorder != nil {
		opts = append(opts, pipeline.WithRecorder(o.recorder))
	}
	if o.publisher != nil {
		opts = append(opts, pipeline.WithPublisher(o.publisher))
	}
	return pipeline.NewExecutor(o.settings, sched, opts...)
}

func (o *Orchestrator) persist(ctx context.Context, report *pipeline.RunReport) {
	if o.store != nil {
		if err := o.store.Save(report); err != nil {
			o.logger.Warn("saving run report", "run_id", report.RunID, "error", err)
		}
	}
	if o.db != nil {
		if err := o.db.RecordRun(ctx, report); err != nil {
			o.logger.Warn("recording run history", "run_id", report.RunID, "error", err)
		}
	}
}

// GenerateLockfile pins plan's resolved stages.
func (o *Orchestrator) GenerateLockfile(plan *pipeline.Plan) *lockfile.Lockfile {
	return lockfile.Generate(plan)
}

// VerifyLockfile checks plan against lock without running anything.
func (o *Orchestrator) VerifyLockfile(plan *pipeline.Plan, lock *lockfile.Lockfile) error {
	return lockfile.Verify(plan, lock)
}

// DiffRecipes lists the field-level differences between a and b.
func DiffRecipes(a, b *config.Recipe) []config.Difference {
	return config.Diff(a, b)
}

// Benchmark runs opts through the benchmark harness under policy.
func (o *Orchestrator) Benchmark(ctx context.Context, opts bench.Options, baseDir string, policy scheduler.Policy) (*bench.Report, error) {
	if opts.Recipe == nil {
		return nil, fmt.Errorf("benchmark: recipe is required")
	}
	h := bench.New(pipeline.NewValidator(o.registry, baseDir), o.executor(policy), o.logger)
	return h.Run(ctx, opts)
}
