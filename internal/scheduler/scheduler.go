// Package scheduler decides which device a stage runs on.
//
// The decision is a pure function of the policy, the stage's declared
// capability, the artifact's pixel count and the device inventory. The only
// mutable state is the in-flight job accounting, which is updated atomically
// and never feeds back into a decision.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// Device is an execution target for a stage.
type Device string

const (
	CPU Device = "cpu"
	GPU Device = "gpu"
)

// Policy selects how devices are chosen for a run.
type Policy string

const (
	PolicyCPU  Policy = "cpu"
	PolicyGPU  Policy = "gpu"
	PolicyAuto Policy = "auto"
)

// ParsePolicy accepts the policy names plus the long-form aliases
// cpu-only and gpu-preferred.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu", "cpu-only":
		return PolicyCPU, nil
	case "gpu", "gpu-preferred":
		return PolicyGPU, nil
	case "auto", "":
		return PolicyAuto, nil
	}
	return "", fmt.Errorf("unknown device policy %q (want cpu, gpu or auto)", s)
}

// ErrDeviceUnavailable is the sentinel wrapped by every DeviceError.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceError reports that a stage could not run on a device.
type DeviceError struct {
	Stage  string
	Device Device
	Reason string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("stage %q: %s %s: %s", e.Stage, e.Device, ErrDeviceUnavailable, e.Reason)
}

func (e *DeviceError) Unwrap() error { return ErrDeviceUnavailable }

// Capability is what the scheduler needs to know about a stage.
type Capability interface {
	Name() string
	SupportsDevice(Device) bool
}

// Inventory describes the hardware visible to a run.
type Inventory struct {
	GPUs int
}

// GPUAvailable reports whether at least one GPU is present.
func (i Inventory) GPUAvailable() bool { return i.GPUs > 0 }

// Request is the full input to a device decision.
type Request struct {
	Policy      Policy
	Stage       string
	SupportsCPU bool
	SupportsGPU bool
	Pixels      int64
	Threshold   int64
	Inventory   Inventory
}

// Decide returns the device for one stage invocation. Explicit policies never
// fall back: an unsupported or absent device is a DeviceError. Under auto the
// GPU is chosen only when the stage supports it, one is present and the
// artifact exceeds the pixel threshold.
func Decide(req Request) (Device, error) {
	switch req.Policy {
	case PolicyCPU:
		if !req.SupportsCPU {
			return "", &DeviceError{Stage: req.Stage, Device: CPU, Reason: "stage does not support cpu"}
		}
		return CPU, nil
	case PolicyGPU:
		if !req.SupportsGPU {
			return "", &DeviceError{Stage: req.Stage, Device: GPU, Reason: "stage does not support gpu"}
		}
		if !req.Inventory.GPUAvailable() {
			return "", &DeviceError{Stage: req.Stage, Device: GPU, Reason: "no gpu present"}
		}
		return GPU, nil
	case PolicyAuto, "":
		gpuOK := req.SupportsGPU && req.Inventory.GPUAvailable()
		if gpuOK && req.Pixels > req.Threshold {
			return GPU, nil
		}
		if req.SupportsCPU {
			return CPU, nil
		}
		if gpuOK {
			return GPU, nil
		}
		return "", &DeviceError{Stage: req.Stage, Device: CPU, Reason: "stage supports no available device"}
	}
	return "", fmt.Errorf("unknown device policy %q", req.Policy)
}

// Scheduler binds a policy and inventory for one run and tracks in-flight jobs.
type Scheduler struct {
	policy    Policy
	inventory Inventory
	threshold int64

	inflightGPU atomic.Int64
	inflightCPU atomic.Int64
	peakGPU     atomic.Int64
	gpuJobs     atomic.Int64
	cpuJobs     atomic.Int64
	downgrades  atomic.Int64
}

// New creates a Scheduler. threshold is the pixel count above which auto
// policy prefers the GPU.
func New(policy Policy, inv Inventory, threshold int64) *Scheduler {
	return &Scheduler{policy: policy, inventory: inv, threshold: threshold}
}

// Policy returns the run's device policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Select resolves the device for stage given an artifact of pixels pixels.
func (s *Scheduler) Select(stage Capability, pixels int64) (Device, error) {
	return Decide(Request{
		Policy:      s.policy,
		Stage:       stage.Name(),
		SupportsCPU: stage.SupportsDevice(CPU),
		SupportsGPU: stage.SupportsDevice(GPU),
		Pixels:      pixels,
		Threshold:   s.threshold,
		Inventory:   s.inventory,
	})
}

// Acquire records a job starting on d. The returned func releases it.
func (s *Scheduler) Acquire(d Device) func() {
	switch d {
	case GPU:
		n := s.inflightGPU.Add(1)
		s.gpuJobs.Add(1)
		for {
			peak := s.peakGPU.Load()
			if n <= peak || s.peakGPU.CompareAndSwap(peak, n) {
				break
			}
		}
		return func() { s.inflightGPU.Add(-1) }
	default:
		s.inflightCPU.Add(1)
		s.cpuJobs.Add(1)
		return func() { s.inflightCPU.Add(-1) }
	}
}

// RecordDowngrade counts a GPU to CPU fallback.
func (s *Scheduler) RecordDowngrade() {
	s.downgrades.Add(1)
}

// Stats is a point-in-time copy of the scheduler's counters.
type Stats struct {
	InFlightGPU int64 `json:"in_flight_gpu"`
	InFlightCPU int64 `json:"in_flight_cpu"`
	PeakGPU     int64 `json:"peak_gpu"`
	GPUJobs     int64 `json:"gpu_jobs"`
	CPUJobs     int64 `json:"cpu_jobs"`
	Downgrades  int64 `json:"downgrades"`
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		InFlightGPU: s.inflightGPU.Load(),
		InFlightCPU: s.inflightCPU.Load(),
		PeakGPU:     s.peakGPU.Load(),
		GPUJobs:     s.gpuJobs.Load(),
		CPUJobs:     s.cpuJobs.Load(),
		Downgrades:  s.downgrades.Load(),
	}
}
