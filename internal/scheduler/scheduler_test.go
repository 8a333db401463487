package scheduler

import (
	"errors"
	"sync"
	"testing"
)

type fakeStage struct {
	name    string
	devices map[Device]bool
}

func (f fakeStage) Name() string                 { return f.name }
func (f fakeStage) SupportsDevice(d Device) bool { return f.devices[d] }

func cpuOnly(name string) fakeStage {
	return fakeStage{name: name, devices: map[Device]bool{CPU: true}}
}

func dual(name string) fakeStage {
	return fakeStage{name: name, devices: map[Device]bool{CPU: true, GPU: true}}
}

func TestDecide(t *testing.T) {
	oneGPU := Inventory{GPUs: 1}
	noGPU := Inventory{}

	tests := []struct {
		name    string
		req     Request
		want    Device
		wantErr bool
	}{
		{"cpu explicit", Request{Policy: PolicyCPU, SupportsCPU: true, SupportsGPU: true, Inventory: oneGPU, Pixels: 1 << 30}, CPU, false},
		{"cpu explicit unsupported", Request{Policy: PolicyCPU, SupportsGPU: true, Inventory: oneGPU}, "", true},
		{"gpu explicit", Request{Policy: PolicyGPU, SupportsCPU: true, SupportsGPU: true, Inventory: oneGPU}, GPU, false},
		{"gpu explicit unsupported stage", Request{Policy: PolicyGPU, SupportsCPU: true, Inventory: oneGPU}, "", true},
		{"gpu explicit no hardware", Request{Policy: PolicyGPU, SupportsCPU: true, SupportsGPU: true, Inventory: noGPU}, "", true},
		{"auto large dual", Request{Policy: PolicyAuto, SupportsCPU: true, SupportsGPU: true, Inventory: oneGPU, Pixels: 200, Threshold: 100}, GPU, false},
		{"auto at threshold", Request{Policy: PolicyAuto, SupportsCPU: true, SupportsGPU: true, Inventory: oneGPU, Pixels: 100, Threshold: 100}, CPU, false},
		{"auto small dual", Request{Policy: PolicyAuto, SupportsCPU: true, SupportsGPU: true, Inventory: oneGPU, Pixels: 10, Threshold: 100}, CPU, false},
		{"auto no gpu present", Request{Policy: PolicyAuto, SupportsCPU: true, SupportsGPU: true, Inventory: noGPU, Pixels: 200, Threshold: 100}, CPU, false},
		{"auto cpu-only stage", Request{Policy: PolicyAuto, SupportsCPU: true, Inventory: oneGPU, Pixels: 200, Threshold: 100}, CPU, false},
		{"auto gpu-only stage small", Request{Policy: PolicyAuto, SupportsGPU: true, Inventory: oneGPU, Pixels: 1, Threshold: 100}, GPU, false},
		{"auto gpu-only stage no hardware", Request{Policy: PolicyAuto, SupportsGPU: true, Inventory: noGPU}, "", true},
		{"unknown policy", Request{Policy: "fast", SupportsCPU: true}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(tt.req)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Decide() = %s, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decide() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecideExplicitGPUIsDeviceError(t *testing.T) {
	_, err := Decide(Request{Policy: PolicyGPU, Stage: "resize", SupportsCPU: true, Inventory: Inventory{GPUs: 1}})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *DeviceError", err)
	}
	if de.Stage != "resize" || de.Device != GPU {
		t.Errorf("DeviceError = %+v", de)
	}
}

func TestSelectIsIndependentOfCallOrder(t *testing.T) {
	s := New(PolicyAuto, Inventory{GPUs: 1}, 100)
	big, small := int64(500), int64(50)
	stage := dual("resize")

	first, _ := s.Select(stage, big)
	release := s.Acquire(first)
	_, _ = s.Select(stage, small)
	again, _ := s.Select(stage, big)
	release()

	if first != again || first != GPU {
		t.Errorf("decisions diverged: first=%s again=%s", first, again)
	}
	if d, _ := s.Select(cpuOnly("decode"), big); d != CPU {
		t.Errorf("cpu-only stage routed to %s", d)
	}
}

func TestAcquireConcurrent(t *testing.T) {
	s := New(PolicyAuto, Inventory{GPUs: 1}, 0)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := CPU
			if i%2 == 0 {
				d = GPU
			}
			release := s.Acquire(d)
			release()
		}(i)
	}
	wg.Wait()

	st := s.Stats()
	if st.InFlightGPU != 0 || st.InFlightCPU != 0 {
		t.Errorf("in-flight counters not released: %+v", st)
	}
	if st.GPUJobs != 32 || st.CPUJobs != 32 {
		t.Errorf("job counters = %+v, want 32/32", st)
	}
	if st.PeakGPU < 1 {
		t.Errorf("PeakGPU = %d, want >= 1", st.PeakGPU)
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"cpu": PolicyCPU, "CPU-only": PolicyCPU, "gpu": PolicyGPU,
		"gpu-preferred": PolicyGPU, "auto": PolicyAuto, "": PolicyAuto,
	} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("tpu"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
