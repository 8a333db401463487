package pipeline

import (
	"sort"
	"time"

	"github.com/lucasnoah/bunkerconvert/internal/quality"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// InputStatus is the final state of one input.
type InputStatus string

const (
	StatusSuccess    InputStatus = "success"
	StatusFailed     InputStatus = "failed"
	StatusGateFailed InputStatus = "gate_failed"
	StatusCancelled  InputStatus = "cancelled"
)

// StageRecord captures how one stage ran for one input.
type StageRecord struct {
	Stage      string           `json:"stage"`
	Index      int              `json:"index"`
	Device     scheduler.Device `json:"device,omitempty"`
	Attempts   int              `json:"attempts"`
	DurationMS int64            `json:"duration_ms"`
	Downgraded bool             `json:"downgraded,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// InputReport is the outcome for one expanded input.
type InputReport struct {
	Input      string               `json:"input"`
	Status     InputStatus          `json:"status"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
	Output     string               `json:"output,omitempty"`
	Stages     []StageRecord        `json:"stages"`
	Gates      []quality.GateResult `json:"gates,omitempty"`
	Provenance []string             `json:"provenance,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	DurationMS int64                `json:"duration_ms"`
}

// Summary counts inputs by status.
type Summary struct {
	Total      int   `json:"total"`
	Succeeded  int   `json:"succeeded"`
	Failed     int   `json:"failed"`
	GateFailed int   `json:"gate_failed"`
	Cancelled  int   `json:"cancelled"`
	Downgrades int64 `json:"downgrades"`
}

// RunReport is the externally observable result of one execution.
type RunReport struct {
	RunID       string           `json:"run_id"`
	Label       string           `json:"label,omitempty"`
	Fingerprint string           `json:"recipe_fingerprint"`
	Policy      scheduler.Policy `json:"device_policy"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	DurationMS  int64            `json:"duration_ms"`
	Inputs      []InputReport    `json:"inputs"`
	Summary     Summary          `json:"summary"`
	Scheduler   scheduler.Stats  `json:"scheduler"`
}

// Normalize sorts inputs by path and recomputes the summary.
func (r *RunReport) Normalize() {
	sort.SliceStable(r.Inputs, func(i, j int) bool { return r.Inputs[i].Input < r.Inputs[j].Input })
	s := Summary{Total: len(r.Inputs), Downgrades: r.Scheduler.Downgrades}
	for _, in := range r.Inputs {
		switch in.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusFailed:
			s.Failed++
		case StatusGateFailed:
			s.GateFailed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	r.Summary = s
}

// Input returns the report entry for path, or nil.
func (r *RunReport) Input(path string) *InputReport {
	for i := range r.Inputs {
		if r.Inputs[i].Input == path {
			return &r.Inputs[i]
		}
	}
	return nil
}

// Failed reports whether any input did not succeed.
func (r *RunReport) Failed() bool {
	for _, in := range r.Inputs {
		if in.Status != StatusSuccess {
			return true
		}
	}
	return false
}

// ExitCode is 0 when every input succeeded, 2 when the only problems are
// gate failures, and 1 otherwise.
func (r *RunReport) ExitCode() int {
	if !r.Failed() {
		return 0
	}
	for _, in := range r.Inputs {
		if in.Status != StatusSuccess && in.Status != StatusGateFailed {
			return 1
		}
	}
	return 2
}
