package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/quality"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Recorder receives execution events. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	StageFinished(stage string, device scheduler.Device, outcome Outcome, elapsed time.Duration)
	DeviceSelected(stage string, device scheduler.Device)
	DeviceDowngraded(stage string)
	GateEvaluated(label string, passed bool)
	InputFinished(status InputStatus, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) StageFinished(string, scheduler.Device, Outcome, time.Duration) {}
func (nopRecorder) DeviceSelected(string, scheduler.Device)                        {}
func (nopRecorder) DeviceDowngraded(string)                                        {}
func (nopRecorder) GateEvaluated(string, bool)                                     {}
func (nopRecorder) InputFinished(InputStatus, time.Duration)                       {}

// Publisher mirrors promoted outputs somewhere else, e.g. an object store.
// key is the output's path relative to the output directory.
type Publisher interface {
	Publish(ctx context.Context, localPath, key string) error
}

// Executor runs plans.
type Executor struct {
	settings  config.Settings
	sched     *scheduler.Scheduler
	logger    *slog.Logger
	recorder  Recorder
	publisher Publisher
	readFile  func(string) ([]byte, error)
	sleep     func(context.Context, time.Duration) error
	label     string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithPublisher mirrors every promoted output through p.
func WithPublisher(p Publisher) Option {
	return func(e *Executor) { e.publisher = p }
}

// WithLabel tags the run report.
func WithLabel(label string) Option {
	return func(e *Executor) { e.label = label }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// NewExecutor creates an Executor that schedules devices with sched.
func NewExecutor(settings config.Settings, sched *scheduler.Scheduler, opts ...Option) *Executor {
	e := &Executor{
		settings: settings,
		sched:    sched,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: nopRecorder{},
		readFile: os.ReadFile,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run processes every input of plan and returns the aggregate report.
// Per-input failures are recorded in the report; the returned error is
// reserved for problems that prevent the run from producing a report.
func (e *Executor) Run(ctx context.Context, plan *Plan) (*RunReport, error) {
	if plan == nil {
		return nil, errors.New("nil plan")
	}
	concurrency := e.settings.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	rc := &RunContext{
		RunID:        uuid.NewString(),
		Fingerprint:  plan.Fingerprint,
		Policy:       e.sched.Policy(),
		Output:       plan.Recipe.Output,
		Concurrency:  concurrency,
		StageTimeout: e.settings.StageTimeout,
		MaxRetries:   e.settings.MaxRetries,
		RetryBackoff: e.settings.RetryBackoff,
	}
	report := &RunReport{
		RunID:       rc.RunID,
		Label:       e.label,
		Fingerprint: plan.Fingerprint,
		Policy:      rc.Policy,
		StartedAt:   time.Now().UTC(),
		Inputs:      make([]InputReport, len(plan.Inputs)),
	}
	log := e.logger.With("run_id", rc.RunID)
	log.Info("run started",
		"fingerprint", plan.Fingerprint,
		"inputs", len(plan.Inputs),
		"policy", string(rc.Policy),
		"concurrency", concurrency)

	claims := &outputClaims{owners: make(map[string]string)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, path := range plan.Inputs {
		if ctx.Err() != nil {
			report.Inputs[i] = cancelledInput(path, ctx.Err())
			continue
		}
		g.Go(func() error {
			res := e.processInput(ctx, log, plan, rc, claims, path)
			mu.Lock()
			report.Inputs[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.FinishedAt = time.Now().UTC()
	report.DurationMS = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	report.Scheduler = e.sched.Stats()
	report.Normalize()

	log.Info("run finished",
		"succeeded", report.Summary.Succeeded,
		"failed", report.Summary.Failed,
		"gate_failed", report.Summary.GateFailed,
		"cancelled", report.Summary.Cancelled,
		"duration_ms", report.DurationMS)
	return report, nil
}

func cancelledInput(path string, err error) InputReport {
	return InputReport{
		Input:     path,
		Status:    StatusCancelled,
		Error:     err.Error(),
		ErrorKind: "cancelled",
		Stages:    []StageRecord{},
	}
}

func (e *Executor) processInput(ctx context.Context, log *slog.Logger, plan *Plan, rc *RunContext, claims *outputClaims, path string) InputReport {
	start := time.Now()
	res := InputReport{Input: path, Stages: []StageRecord{}}
	log = log.With("input", path)

	finish := func(status InputStatus, err error, a *Artifact) InputReport {
		res.Status = status
		if err != nil {
			res.Error = err.Error()
			res.ErrorKind = errorKind(err)
			if status == StatusGateFailed {
				res.ErrorKind = "quality_gate"
			}
		}
		if a != nil {
			res.Provenance = a.Provenance
			res.Metadata = a.Metadata
		}
		elapsed := time.Since(start)
		res.DurationMS = elapsed.Milliseconds()
		e.recorder.InputFinished(status, elapsed)
		if status == StatusSuccess {
			log.Info("input finished", "status", string(status), "duration_ms", res.DurationMS)
		} else {
			log.Warn("input finished", "status", string(status), "error", res.Error, "duration_ms", res.DurationMS)
		}
		return res
	}

	if err := ctx.Err(); err != nil {
		return finish(StatusCancelled, err, nil)
	}
	log.Debug("input started")

	data, err := e.readFile(path)
	if err != nil {
		return finish(StatusFailed, Fatalf("reading input: %w", err), nil)
	}
	a := NewArtifact(path, data)

	for _, bs := range plan.Stages {
		if err := ctx.Err(); err != nil {
			return finish(StatusCancelled, err, a)
		}
		rec, err := e.runStage(ctx, log, bs, a, rc)
		res.Stages = append(res.Stages, rec)
		if err != nil {
			if ctx.Err() != nil {
				return finish(StatusCancelled, ctx.Err(), a)
			}
			return finish(StatusFailed, err, a)
		}
	}

	gates := plan.Recipe.QualityGates
	if len(gates) > 0 {
		res.Gates = e.evaluateGates(gates, a)
		for _, g := range res.Gates {
			if !g.Skipped {
				e.recorder.GateEvaluated(g.Label, g.Passed)
			}
		}
		if err := quality.FailureSummary(res.Gates); err != nil {
			log.Warn("quality gate failed", "error", err)
			return finish(StatusGateFailed, err, a)
		}
	}

	out, err := e.promote(ctx, plan, claims, a)
	if err != nil {
		return finish(StatusFailed, Fatal(err), a)
	}
	res.Output = out
	return finish(StatusSuccess, nil, a)
}

func (e *Executor) evaluateGates(gates []config.QualityGateSpec, a *Artifact) []quality.GateResult {
	if a.Reference == nil {
		return quality.Skip(gates, "no decoded reference; pipeline has no decode stage")
	}
	candidate := a.Rendered
	if candidate == nil && !a.Encoded {
		candidate = a.Image
	}
	if candidate == nil {
		return quality.Skip(gates, "output format could not be decoded for comparison")
	}
	results, m, err := quality.EvaluateImages(gates, a.Reference, candidate)
	if err != nil {
		return quality.Skip(gates, err.Error())
	}
	a.SetMeta("quality.ssim", m.SSIM)
	a.SetMeta("quality.psnr", m.PSNR)
	a.SetMeta("quality.mse", m.MSE)
	return results
}

// outputClaims records which input owns each output path within one run.
type outputClaims struct {
	mu     sync.Mutex
	owners map[string]string
}

// claim reserves dest for input. The first input to claim a path keeps it.
func (c *outputClaims) claim(dest, input string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owners[dest]; ok && owner != input {
		return fmt.Errorf("%w: %s already produced by %s", ErrOutputCollision, dest, owner)
	}
	c.owners[dest] = input
	return nil
}

// promote writes the artifact's bytes to their templated path. A publish
// failure removes the local file so a failed input leaves no output behind.
func (e *Executor) promote(ctx context.Context, plan *Plan, claims *outputClaims, a *Artifact) (string, error) {
	rel, err := RenderOutputPath(plan.Recipe.Output.Structure, a)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(plan.OutputDir(), rel)
	if err := claims.claim(dest, a.Input); err != nil {
		return "", err
	}
	if err := WriteAtomic(dest, a.Data); err != nil {
		return "", fmt.Errorf("writing output: %w", err)
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, dest, filepath.ToSlash(rel)); err != nil {
			if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
				e.logger.Warn("removing unpublished output", "path", dest, "error", rmErr)
			}
			return "", fmt.Errorf("publishing output: %w", err)
		}
	}
	return dest, nil
}

// runStage resolves the device for bs and calls it, retrying transient
// failures with exponential backoff. Each attempt starts from a snapshot of
// the artifact taken before the first attempt.
func (e *Executor) runStage(ctx context.Context, log *slog.Logger, bs BoundStage, a *Artifact, rc *RunContext) (StageRecord, error) {
	name := bs.Spec.Stage
	rec := StageRecord{Stage: name, Index: bs.Index}

	device, err := e.sched.Select(bs.Stage, a.Pixels())
	if err != nil {
		rec.Error = err.Error()
		return rec, &StageError{Stage: name, Kind: KindFatal, Err: err}
	}
	rec.Device = device
	e.recorder.DeviceSelected(name, device)

	snapshot := a.Clone()
	backoff := rc.RetryBackoff
	retries := 0
	var total time.Duration
	for {
		rec.Attempts++
		log.Debug("stage dispatch", "stage", name, "device", string(device), "attempt", rec.Attempts)

		release := e.sched.Acquire(device)
		started := time.Now()
		err := e.invoke(ctx, bs.Stage, a, rc, device)
		elapsed := time.Since(started)
		release()
		total += elapsed

		outcome := Classify(err)
		e.recorder.StageFinished(name, device, outcome, elapsed)
		if outcome == OutcomeSuccess {
			rec.DurationMS = total.Milliseconds()
			a.Record(name)
			return rec, nil
		}

		*a = *snapshot.Clone()

		if outcome == OutcomeTransient && device == scheduler.GPU && rc.Policy == scheduler.PolicyAuto &&
			errors.Is(err, scheduler.ErrDeviceUnavailable) && bs.Stage.SupportsDevice(scheduler.CPU) {
			device = scheduler.CPU
			rec.Device = device
			rec.Downgraded = true
			e.sched.RecordDowngrade()
			e.recorder.DeviceDowngraded(name)
			snapshot.Record(fmt.Sprintf("%s: downgraded gpu -> cpu", name))
			a.Record(fmt.Sprintf("%s: downgraded gpu -> cpu", name))
			log.Warn("device downgraded", "stage", name, "from", "gpu", "to", "cpu", "error", err)
			continue
		}

		if outcome == OutcomeFatal || retries >= rc.MaxRetries || ctx.Err() != nil {
			rec.DurationMS = total.Milliseconds()
			rec.Error = err.Error()
			return rec, withStage(name, outcome, err)
		}

		retries++
		log.Warn("stage retry", "stage", name, "attempt", rec.Attempts, "backoff", backoff, "error", err)
		if err := e.sleep(ctx, backoff); err != nil {
			rec.DurationMS = total.Milliseconds()
			rec.Error = err.Error()
			return rec, err
		}
		backoff *= 2
	}
}

// invoke calls the stage under the per-stage deadline. The call is not
// interrupted; a stage that returns after the deadline is a transient
// failure. Panics become fatal errors.
func (e *Executor) invoke(ctx context.Context, st Stage, a *Artifact, rc *RunContext, d scheduler.Device) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Fatal(fmt.Errorf("stage %s panicked: %v", st.Name(), r))
		}
	}()

	sctx := ctx
	if rc.StageTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, rc.StageTimeout)
		defer cancel()
	}
	err = st.Run(sctx, a, rc, d)
	if err == nil && rc.StageTimeout > 0 && errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = Transient(fmt.Errorf("exceeded stage timeout %s", rc.StageTimeout))
	}
	return err
}

// withStage attaches the stage name, keeping the classification.
func withStage(name string, outcome Outcome, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		if se.Stage != "" {
			return err
		}
		return &StageError{Stage: name, Kind: se.Kind, Err: se.Err}
	}
	kind := KindFatal
	if outcome == OutcomeTransient {
		kind = KindTransient
	}
	return &StageError{Stage: name, Kind: kind, Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
