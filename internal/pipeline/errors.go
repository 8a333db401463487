package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// ErrValidation is wrapped by every plan-building failure.
var ErrValidation = errors.New("recipe validation failed")

// ErrOutputCollision is returned when two inputs of one run render to the
// same output path.
var ErrOutputCollision = errors.New("output path collision")

// ValidationErrors aggregates every problem found while building a plan.
type ValidationErrors []config.ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (v ValidationErrors) Unwrap() error { return ErrValidation }

// Kind classifies a stage failure.
type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// StageError is the error a stage returns to tell the executor whether the
// call may be retried.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("stage %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &StageError{Kind: KindTransient, Err: err}
}

// Fatal wraps err as a failure that aborts the input.
func Fatal(err error) error {
	return &StageError{Kind: KindFatal, Err: err}
}

// Fatalf is Fatal(fmt.Errorf(...)).
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// Outcome is the tagged result of one stage call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Classify maps a stage's return value onto an Outcome. Deadline overruns and
// device errors raised at run time are transient; anything unclassified is
// fatal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	var se *StageError
	if errors.As(err, &se) {
		if se.Kind == KindTransient {
			return OutcomeTransient
		}
		return OutcomeFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, scheduler.ErrDeviceUnavailable) {
		return OutcomeTransient
	}
	return OutcomeFatal
}

// errorKind names err for the run report.
func errorKind(err error) string {
	var de *scheduler.DeviceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return "device_unavailable"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case Classify(err) == OutcomeTransient:
		return "transient"
	default:
		return "fatal"
	}
}
