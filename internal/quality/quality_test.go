package quality

import (
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"github.com/lucasnoah/bunkerconvert/internal/config"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(20 + x*200/w),
				G: uint8(20 + y*200/h),
				B: uint8(20 + x*100/w + y*100/h),
				A: 255,
			})
		}
	}
	return img
}

func noisy(src *image.NRGBA, amount int) *image.NRGBA {
	out := image.NewNRGBA(src.Rect)
	copy(out.Pix, src.Pix)
	for i := 0; i < len(out.Pix); i += 4 {
		delta := amount
		if (i/4)%2 == 0 {
			delta = -amount
		}
		for c := 0; c < 3; c++ {
			v := int(out.Pix[i+c]) + delta
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			out.Pix[i+c] = uint8(v)
		}
	}
	return out
}

func TestComputeIdentical(t *testing.T) {
	img := gradient(32, 32)
	m, err := Compute(img, img)
	if err != nil {
		t.Fatalf("Compute() error: %v", err)
	}
	if m.MSE != 0 {
		t.Errorf("MSE = %v, want 0", m.MSE)
	}
	if !math.IsInf(float64(m.PSNR), 1) {
		t.Errorf("PSNR = %v, want +Inf", m.PSNR)
	}
	if math.Abs(float64(m.SSIM)-1) > 1e-12 {
		t.Errorf("SSIM = %v, want 1", m.SSIM)
	}
}

func TestComputeDegrades(t *testing.T) {
	ref := gradient(64, 64)
	light, err := Compute(ref, noisy(ref, 4))
	if err != nil {
		t.Fatal(err)
	}
	heavy, err := Compute(ref, noisy(ref, 40))
	if err != nil {
		t.Fatal(err)
	}
	if !(heavy.MSE > light.MSE) {
		t.Errorf("MSE light=%v heavy=%v, want heavy > light", light.MSE, heavy.MSE)
	}
	if !(heavy.SSIM < light.SSIM) {
		t.Errorf("SSIM light=%v heavy=%v, want heavy < light", light.SSIM, heavy.SSIM)
	}
	if !(heavy.PSNR < light.PSNR) {
		t.Errorf("PSNR light=%v heavy=%v, want heavy < light", light.PSNR, heavy.PSNR)
	}
	if light.MSE != 16 {
		t.Errorf("MSE = %v, want 16 for a uniform +-4 offset", light.MSE)
	}
}

func TestComputeDimensionMismatch(t *testing.T) {
	if _, err := Compute(gradient(8, 8), gradient(16, 8)); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestCompareResamplesReference(t *testing.T) {
	ref := gradient(64, 64)
	cand := gradient(32, 32)
	m, resampled, err := Compare(ref, cand)
	if err != nil {
		t.Fatalf("Compare() error: %v", err)
	}
	if !resampled {
		t.Error("expected reference to be resampled")
	}
	if m.SSIM < 0.9 {
		t.Errorf("SSIM = %v for a smooth gradient, want >= 0.9", m.SSIM)
	}
}

func TestSmallImageUsesSingleWindow(t *testing.T) {
	img := gradient(4, 3)
	m, err := Compute(img, img)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(m.SSIM)-1) > 1e-12 {
		t.Errorf("SSIM = %v, want 1", m.SSIM)
	}
}

func TestGateMonotonicity(t *testing.T) {
	ref := gradient(64, 64)
	m, err := Compute(ref, noisy(ref, 10))
	if err != nil {
		t.Fatal(err)
	}
	s := float64(m.SSIM)

	for _, threshold := range []float64{s - 0.1, s - 1e-9, s} {
		res := Evaluate([]config.QualityGateSpec{{MinSSIM: config.Float(threshold)}}, m)
		if !res[0].Passed {
			t.Errorf("min_ssim %v <= s=%v should pass", threshold, s)
		}
	}
	for _, threshold := range []float64{s + 1e-9, s + 0.1} {
		res := Evaluate([]config.QualityGateSpec{{MinSSIM: config.Float(threshold)}}, m)
		if res[0].Passed {
			t.Errorf("min_ssim %v > s=%v should fail", threshold, s)
		}
	}
}

func TestEvaluateAllThresholds(t *testing.T) {
	m := Metrics{SSIM: 0.95, PSNR: 30, MSE: 50}
	gates := []config.QualityGateSpec{
		{Label: "ok", MinSSIM: config.Float(0.9), MinPSNR: config.Float(30), MaxMSE: config.Float(50)},
		{Label: "strict", MinPSNR: config.Float(40), MaxMSE: config.Float(10)},
	}
	res := Evaluate(gates, m)
	if len(res) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(res))
	}
	if !res[0].Passed {
		t.Errorf("gate %q failed: %v", res[0].Label, res[0].Failures)
	}
	if res[1].Passed || len(res[1].Failures) != 2 {
		t.Errorf("gate %q = %+v, want 2 failures", res[1].Label, res[1])
	}
	err := FailureSummary(res)
	if !errors.Is(err, ErrGateFailed) {
		t.Fatalf("FailureSummary() = %v, want ErrGateFailed", err)
	}
	if !strings.Contains(err.Error(), "strict") {
		t.Errorf("summary %q missing gate label", err)
	}
	if FailureSummary(res[:1]) != nil {
		t.Error("FailureSummary of passing gates should be nil")
	}
}

func TestSkip(t *testing.T) {
	res := Skip([]config.QualityGateSpec{{Label: "web"}}, "output not decodable")
	if len(res) != 1 || !res[0].Skipped || !res[0].Passed || res[0].Reason == "" {
		t.Errorf("Skip() = %+v", res)
	}
}

func TestMetricJSONInfinity(t *testing.T) {
	m := Metrics{SSIM: 1, PSNR: Metric(math.Inf(1)), MSE: 0}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), `"psnr":"inf"`) {
		t.Errorf("json = %s", data)
	}
	var back Metrics
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if !math.IsInf(float64(back.PSNR), 1) || back.SSIM != 1 {
		t.Errorf("round trip = %+v", back)
	}
}
