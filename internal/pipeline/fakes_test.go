package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// fakeStage is a configurable Stage for executor tests.
type fakeStage struct {
	name    string
	devices []scheduler.Device
	run     func(ctx context.Context, a *Artifact, d scheduler.Device) error
}

func (f *fakeStage) Name() string { return f.name }

func (f *fakeStage) SupportsDevice(d scheduler.Device) bool {
	for _, x := range f.devices {
		if x == d {
			return true
		}
	}
	return false
}

func (f *fakeStage) Run(ctx context.Context, a *Artifact, _ *RunContext, d scheduler.Device) error {
	return f.run(ctx, a, d)
}

var cpuOnly = []scheduler.Device{scheduler.CPU}

func def(name string, devices []scheduler.Device, params []ParamSpec, run func(ctx context.Context, a *Artifact, d scheduler.Device) error) Definition {
	return Definition{
		Name:    name,
		Version: "test",
		Devices: devices,
		Params:  params,
		New: func(Params) (Stage, error) {
			return &fakeStage{name: name, devices: devices, run: run}, nil
		},
	}
}

func testImage(shade uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: shade + uint8(x*4), G: shade + uint8(y*4), B: shade, A: 255})
		}
	}
	return img
}

// fakeDecode fails fatally on inputs containing "corrupt".
func fakeDecode(_ context.Context, a *Artifact, _ scheduler.Device) error {
	if bytes.Contains(a.Data, []byte("corrupt")) {
		return Fatal(errors.New("unrecognised image data"))
	}
	img := testImage(40)
	a.Image = img
	a.Reference = img
	a.Format = "png"
	return nil
}

// fakeEncode writes marker bytes and renders the image unchanged.
func fakeEncode(_ context.Context, a *Artifact, _ scheduler.Device) error {
	a.Data = []byte("encoded:" + a.Stem)
	a.Encoded = true
	a.Extension = "bin"
	a.Rendered = a.Image
	return nil
}

func widthParam() []ParamSpec {
	min := 1.0
	return []ParamSpec{{Name: "width", Type: ParamInt, Required: true, Min: &min}}
}

func baseDefs() []Definition {
	return []Definition{
		def("decode", cpuOnly, nil, fakeDecode),
		def("encode", cpuOnly, nil, fakeEncode),
		def("resize", cpuOnly, widthParam(), func(_ context.Context, a *Artifact, _ scheduler.Device) error {
			return nil
		}),
	}
}

func mustRegistry(t *testing.T, defs ...Definition) *Registry {
	t.Helper()
	r, err := NewRegistry(defs...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// writeInputs creates files under dir/in and returns dir.
func writeInputs(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, "in", name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func recipe(stages ...string) *config.Recipe {
	r := &config.Recipe{
		Version: 1,
		Inputs:  []config.InputSpec{{Path: "in/*.png"}},
		Output:  config.OutputSpec{Directory: "out", Structure: config.DefaultStructure},
	}
	for _, s := range stages {
		r.Pipeline = append(r.Pipeline, config.StageSpec{Stage: s})
	}
	return r
}

func testSettings() config.Settings {
	return config.Settings{Concurrency: 2, MaxRetries: 2, RetryBackoff: time.Millisecond}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func buildPlan(t *testing.T, reg *Registry, dir string, r *config.Recipe) *Plan {
	t.Helper()
	plan, err := NewValidator(reg, dir).Build(r)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return plan
}

func runPlan(t *testing.T, plan *Plan, sched *scheduler.Scheduler, settings config.Settings, opts ...Option) *RunReport {
	t.Helper()
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	report, err := NewExecutor(settings, sched, opts...).Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return report
}

// countingRecorder records executor events.
type countingRecorder struct {
	stages     atomic.Int64
	downgrades atomic.Int64
	gates      atomic.Int64
	inputs     atomic.Int64
}

func (c *countingRecorder) StageFinished(string, scheduler.Device, Outcome, time.Duration) {
	c.stages.Add(1)
}
func (c *countingRecorder) DeviceSelected(string, scheduler.Device) {}
func (c *countingRecorder) DeviceDowngraded(string)                 { c.downgrades.Add(1) }
func (c *countingRecorder) GateEvaluated(string, bool)              { c.gates.Add(1) }
func (c *countingRecorder) InputFinished(InputStatus, time.Duration) {
	c.inputs.Add(1)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, localPath, key string) error {
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("publish before write: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

// failingPublisher rejects every upload.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string) error {
	return errors.New("bucket unreachable")
}
