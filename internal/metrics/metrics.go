// Package metrics records executor events as Prometheus metrics on a
// run-scoped registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

const namespace = "bunker"

// Recorder implements pipeline.Recorder. Each Recorder owns its registry so
// concurrent runs in one process never share counters.
type Recorder struct {
	registry *prometheus.Registry

	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	selections      *prometheus.CounterVec
	downgrades      *prometheus.CounterVec
	gateEvaluations *prometheus.CounterVec
	inputs          *prometheus.CounterVec
	inputDuration   prometheus.Histogram
}

var _ pipeline.Recorder = (*Recorder)(nil)

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		stageRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Stage invocations by stage, device and outcome.",
		}, []string{"stage", "device", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage", "device"}),
		selections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_selections_total",
			Help:      "Scheduler device decisions by stage.",
		}, []string{"stage", "device"}),
		downgrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_downgrades_total",
			Help:      "GPU to CPU fallbacks under the auto policy.",
		}, []string{"stage"}),
		gateEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_gate_evaluations_total",
			Help:      "Quality gate results by label.",
		}, []string{"label", "result"}),
		inputs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inputs_total",
			Help:      "Processed inputs by final status.",
		}, []string{"status"}),
		inputDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "input_duration_seconds",
			Help:      "End-to-end latency per input.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

func (r *Recorder) StageFinished(stage string, d scheduler.Device, outcome pipeline.Outcome, elapsed time.Duration) {
	dev := deviceLabel(d)
	r.stageRuns.WithLabelValues(stage, dev, outcome.String()).Inc()
	r.stageDuration.WithLabelValues(stage, dev).Observe(elapsed.Seconds())
}

func (r *Recorder) DeviceSelected(stage string, d scheduler.Device) {
	r.selections.WithLabelValues(stage, deviceLabel(d)).Inc()
}

func (r *Recorder) DeviceDowngraded(stage string) {
	r.downgrades.WithLabelValues(stage).Inc()
}

func (r *Recorder) GateEvaluated(label string, passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	r.gateEvaluations.WithLabelValues(label, result).Inc()
}

func (r *Recorder) InputFinished(status pipeline.InputStatus, elapsed time.Duration) {
	r.inputs.WithLabelValues(string(status)).Inc()
	r.inputDuration.Observe(elapsed.Seconds())
}

// WriteTextfile writes the current metrics in the text exposition format,
// suitable for the node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}

func deviceLabel(d scheduler.Device) string {
	if d == "" {
		return "none"
	}
	return string(d)
}
