package quality

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/lucasnoah/bunkerconvert/internal/config"
)

// ErrGateFailed marks an input whose output failed at least one gate.
var ErrGateFailed = errors.New("quality gate failed")

// GateResult is the outcome of one gate for one input.
type GateResult struct {
	Label    string   `json:"label,omitempty"`
	Passed   bool     `json:"passed"`
	Skipped  bool     `json:"skipped,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	Metrics  *Metrics `json:"metrics,omitempty"`
	Failures []string `json:"failures,omitempty"`
}

// Evaluate checks m against every gate. All gates are evaluated even after a
// failure so the report shows each one. Minimums fail when the value is
// strictly below the threshold, maximums when strictly above.
func Evaluate(gates []config.QualityGateSpec, m Metrics) []GateResult {
	results := make([]GateResult, 0, len(gates))
	for _, g := range gates {
		metrics := m
		res := GateResult{Label: g.Label, Passed: true, Metrics: &metrics}
		if g.MinSSIM != nil && float64(m.SSIM) < *g.MinSSIM {
			res.Failures = append(res.Failures, fmt.Sprintf("ssim %.4f < min %.4f", float64(m.SSIM), *g.MinSSIM))
		}
		if g.MinPSNR != nil && float64(m.PSNR) < *g.MinPSNR {
			res.Failures = append(res.Failures, fmt.Sprintf("psnr %.2f < min %.2f", float64(m.PSNR), *g.MinPSNR))
		}
		if g.MaxMSE != nil && float64(m.MSE) > *g.MaxMSE {
			res.Failures = append(res.Failures, fmt.Sprintf("mse %.4f > max %.4f", float64(m.MSE), *g.MaxMSE))
		}
		res.Passed = len(res.Failures) == 0
		results = append(results, res)
	}
	return results
}

// EvaluateImages compares reference and candidate and evaluates the gates.
// The reference is resampled to the candidate's size if needed.
func EvaluateImages(gates []config.QualityGateSpec, reference, candidate image.Image) ([]GateResult, Metrics, error) {
	m, _, err := Compare(reference, candidate)
	if err != nil {
		return nil, Metrics{}, err
	}
	return Evaluate(gates, m), m, nil
}

// Skip returns a skipped result for every gate, used when the final output
// cannot be decoded for comparison.
func Skip(gates []config.QualityGateSpec, reason string) []GateResult {
	results := make([]GateResult, 0, len(gates))
	for _, g := range gates {
		results = append(results, GateResult{Label: g.Label, Passed: true, Skipped: true, Reason: reason})
	}
	return results
}

// FailureSummary joins the failures of every failed gate, or returns nil if
// all passed. The error wraps ErrGateFailed.
func FailureSummary(results []GateResult) error {
	var parts []string
	for _, r := range results {
		if r.Passed {
			continue
		}
		name := r.Label
		if name == "" {
			name = "gate"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, strings.Join(r.Failures, ", ")))
	}
	if len(parts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrGateFailed, strings.Join(parts, "; "))
}
