// Package bench runs a recipe over a corpus and compares the outputs with a
// baseline set.
package bench

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	_ "github.com/gen2brain/avif"
	_ "github.com/gen2brain/webp"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/quality"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Options select what to benchmark. Recipe is required; the overrides are
// applied to a copy of it.
type Options struct {
	Recipe      *config.Recipe
	RecipePath  string
	Inputs      string
	OutputDir   string
	BaselineDir string
	Label       string
}

// Entry is the benchmark result for one input.
type Entry struct {
	Input         string               `json:"input"`
	Status        pipeline.InputStatus `json:"status"`
	Output        string               `json:"output,omitempty"`
	Baseline      string               `json:"baseline,omitempty"`
	Metrics       *quality.Metrics     `json:"metrics,omitempty"`
	SizeBytes     int64                `json:"size_bytes,omitempty"`
	BaselineBytes int64                `json:"baseline_bytes,omitempty"`
	SizeDelta     *int64               `json:"size_delta_bytes,omitempty"`
	DurationMS    int64                `json:"duration_ms"`
	Notes         []string             `json:"notes,omitempty"`
	Gates         []quality.GateResult `json:"gates,omitempty"`
}

// Summary aggregates the entries. Averages are nil when nothing was
// compared against a baseline.
type Summary struct {
	TotalInputs    int             `json:"total_inputs"`
	Processed      int             `json:"processed"`
	Compared       int             `json:"compared"`
	AverageSSIM    *quality.Metric `json:"average_ssim,omitempty"`
	AveragePSNR    *quality.Metric `json:"average_psnr,omitempty"`
	AverageMSE     *quality.Metric `json:"average_mse,omitempty"`
	TotalSizeDelta int64           `json:"total_size_delta_bytes"`
}

// Report is the full benchmark result.
type Report struct {
	RunID       string           `json:"run_id"`
	Label       string           `json:"label,omitempty"`
	Recipe      string           `json:"recipe,omitempty"`
	Fingerprint string           `json:"recipe_fingerprint"`
	BaselineDir string           `json:"baseline_dir,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	Run         pipeline.Summary `json:"run"`
	Scheduler   scheduler.Stats  `json:"scheduler"`
	Entries     []Entry          `json:"entries"`
	Summary     Summary          `json:"summary"`
}

// Harness is a batch caller of the executor. It adds no execution
// semantics of its own.
type Harness struct {
	validator *pipeline.Validator
	executor  *pipeline.Executor
	logger    *slog.Logger
}

// New creates a Harness. A nil logger discards output.
func New(v *pipeline.Validator, e *pipeline.Executor, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Harness{validator: v, executor: e, logger: logger}
}

// Run builds a plan from the overridden recipe, executes it and compares
// every produced output with the file of the same name in the baseline
// directory.
func (h *Harness) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.Recipe == nil {
		return nil, errors.New("bench: recipe is required")
	}
	r := opts.Recipe.Clone()
	if opts.Inputs != "" {
		r.Inputs = []config.InputSpec{{Path: opts.Inputs}}
	}
	if opts.OutputDir != "" {
		r.Output.Directory = opts.OutputDir
	}

	plan, err := h.validator.Build(r)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	run, err := h.executor.Run(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("bench: %w", err)
	}

	report := &Report{
		RunID:       run.RunID,
		Label:       opts.Label,
		Recipe:      opts.RecipePath,
		Fingerprint: run.Fingerprint,
		BaselineDir: opts.BaselineDir,
		Run:         run.Summary,
		Scheduler:   run.Scheduler,
	}
	var samples []quality.Metrics
	for _, in := range run.Inputs {
		e := h.compare(in, opts.BaselineDir)
		if e.Metrics != nil {
			samples = append(samples, *e.Metrics)
		}
		report.Entries = append(report.Entries, e)
	}
	report.DurationMS = time.Since(start).Milliseconds()
	report.Summary = summarize(report.Entries, samples)

	h.logger.Info("benchmark finished",
		"run_id", report.RunID,
		"label", report.Label,
		"inputs", report.Summary.TotalInputs,
		"compared", report.Summary.Compared,
		"duration_ms", report.DurationMS)
	return report, nil
}

func (h *Harness) compare(in pipeline.InputReport, baselineDir string) Entry {
	e := Entry{
		Input:      in.Input,
		Status:     in.Status,
		Output:     in.Output,
		DurationMS: in.DurationMS,
		Gates:      in.Gates,
	}
	if in.Output == "" {
		if in.Error != "" {
			e.Notes = append(e.Notes, "no output: "+in.Error)
		}
		return e
	}
	if fi, err := os.Stat(in.Output); err == nil {
		e.SizeBytes = fi.Size()
	}
	if baselineDir == "" {
		return e
	}

	e.Baseline = filepath.Join(baselineDir, filepath.Base(in.Output))
	fi, err := os.Stat(e.Baseline)
	if err != nil {
		e.Notes = append(e.Notes, "baseline missing: "+e.Baseline)
		return e
	}
	e.BaselineBytes = fi.Size()
	delta := e.SizeBytes - e.BaselineBytes
	e.SizeDelta = &delta

	m, err := compareFiles(e.Baseline, in.Output)
	if err != nil {
		h.logger.Warn("baseline comparison failed", "input", in.Input, "error", err)
		e.Notes = append(e.Notes, err.Error())
		return e
	}
	e.Metrics = &m
	return e
}

func compareFiles(baselinePath, outputPath string) (quality.Metrics, error) {
	ref, err := loadImage(baselinePath)
	if err != nil {
		return quality.Metrics{}, err
	}
	cand, err := loadImage(outputPath)
	if err != nil {
		return quality.Metrics{}, err
	}
	m, _, err := quality.Compare(ref, cand)
	if err != nil {
		return quality.Metrics{}, fmt.Errorf("comparing %s: %w", filepath.Base(outputPath), err)
	}
	return m, nil
}

func loadImage(path string) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return img, nil
}

func summarize(entries []Entry, samples []quality.Metrics) Summary {
	s := Summary{TotalInputs: len(entries), Compared: len(samples)}
	for _, e := range entries {
		if e.Output != "" {
			s.Processed++
		}
		if e.SizeDelta != nil {
			s.TotalSizeDelta += *e.SizeDelta
		}
	}
	if len(samples) == 0 {
		return s
	}
	var ssim, psnr, mse float64
	for _, m := range samples {
		ssim += float64(m.SSIM)
		psnr += float64(m.PSNR)
		mse += float64(m.MSE)
	}
	n := float64(len(samples))
	avgSSIM, avgPSNR, avgMSE := quality.Metric(ssim/n), quality.Metric(psnr/n), quality.Metric(mse/n)
	s.AverageSSIM, s.AveragePSNR, s.AverageMSE = &avgSSIM, &avgPSNR, &avgMSE
	return s
}
