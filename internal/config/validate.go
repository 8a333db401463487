package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a single validation issue with a recipe.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// pixelStages need a decoded buffer before they can run.
var pixelStages = map[string]bool{
	"resize": true,
	"encode": true,
}

// Validate checks a Recipe for structural errors that don't need the stage
// registry or the filesystem. It returns every problem found (empty if valid).
func Validate(r *Recipe) []ValidationError {
	var errs []ValidationError

	if r.Version != SupportedVersion {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported recipe version %d (want %d)", r.Version, SupportedVersion),
		})
	}

	if len(r.Inputs) == 0 {
		errs = append(errs, ValidationError{Field: "inputs", Message: "at least one input pattern is required"})
	}
	for i, in := range r.Inputs {
		field := fmt.Sprintf("inputs[%d].path", i)
		if strings.TrimSpace(in.Path) == "" {
			errs = append(errs, ValidationError{Field: field, Message: "is required"})
			continue
		}
		if !doublestar.ValidatePathPattern(in.Path) {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("%q is not a valid glob", in.Path)})
		}
	}

	if len(r.Pipeline) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline", Message: "at least one stage is required"})
	}
	for i, s := range r.Pipeline {
		if strings.TrimSpace(s.Stage) == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline[%d].stage", i),
				Message: "is required",
			})
		}
	}
	validateStageOrder(r.Pipeline, &errs)

	if strings.TrimSpace(r.Output.Directory) == "" {
		errs = append(errs, ValidationError{Field: "output.directory", Message: "is required"})
	}

	for i, g := range r.QualityGates {
		prefix := fmt.Sprintf("quality_gates[%d]", i)
		if g.MinSSIM == nil && g.MinPSNR == nil && g.MaxMSE == nil {
			errs = append(errs, ValidationError{Field: prefix, Message: "gate must set at least one of min_ssim, min_psnr, max_mse"})
		}
		if g.MinSSIM != nil && (math.IsNaN(*g.MinSSIM) || *g.MinSSIM < -1 || *g.MinSSIM > 1) {
			errs = append(errs, ValidationError{Field: prefix + ".min_ssim", Message: "must be within [-1, 1]"})
		}
		if g.MinPSNR != nil && math.IsNaN(*g.MinPSNR) {
			errs = append(errs, ValidationError{Field: prefix + ".min_psnr", Message: "must be a number"})
		}
		if g.MaxMSE != nil && (math.IsNaN(*g.MaxMSE) || *g.MaxMSE < 0) {
			errs = append(errs, ValidationError{Field: prefix + ".max_mse", Message: "must be >= 0"})
		}
	}

	return errs
}

// validateStageOrder enforces that pixel-consuming stages follow a decode.
func validateStageOrder(stages []StageSpec, errs *[]ValidationError) {
	decoded := false
	for i, s := range stages {
		if s.Stage == "decode" {
			decoded = true
			continue
		}
		if !pixelStages[s.Stage] || decoded {
			continue
		}
		msg := fmt.Sprintf("%s stage requires a decode stage earlier in the pipeline", s.Stage)
		if i == 0 {
			msg = fmt.Sprintf("%s stage cannot be first; %s", s.Stage, msg)
		}
		*errs = append(*errs, ValidationError{
			Field:   fmt.Sprintf("pipeline[%d].stage", i),
			Message: msg,
		})
	}
}
