// Package quality computes similarity metrics between a reference rendering
// and a candidate, and evaluates recipe quality gates against them.
package quality

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"strconv"

	"github.com/disintegration/imaging"
)

// Metric is a float that survives JSON encoding when infinite (PSNR of two
// identical images).
type Metric float64

func (m Metric) MarshalJSON() ([]byte, error) {
	f := float64(m)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-inf"`), nil
	case math.IsNaN(f):
		return []byte(`"nan"`), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func (m *Metric) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "inf":
			*m = Metric(math.Inf(1))
		case "-inf":
			*m = Metric(math.Inf(-1))
		default:
			*m = Metric(math.NaN())
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*m = Metric(f)
	return nil
}

// Metrics holds the three similarity measures for one comparison.
type Metrics struct {
	SSIM Metric `json:"ssim"`
	PSNR Metric `json:"psnr"`
	MSE  Metric `json:"mse"`
}

const (
	ssimWindow = 8
	maxPixel   = 255.0
)

var (
	ssimC1 = math.Pow(0.01*maxPixel, 2)
	ssimC2 = math.Pow(0.03*maxPixel, 2)
)

// Compute compares reference and candidate, which must have equal dimensions.
func Compute(reference, candidate image.Image) (Metrics, error) {
	rb, cb := reference.Bounds(), candidate.Bounds()
	if rb.Dx() != cb.Dx() || rb.Dy() != cb.Dy() {
		return Metrics{}, fmt.Errorf("cannot compute metrics: dimension mismatch %dx%d vs %dx%d",
			rb.Dx(), rb.Dy(), cb.Dx(), cb.Dy())
	}
	if rb.Empty() {
		return Metrics{}, fmt.Errorf("cannot compute metrics: empty image")
	}

	ref := imaging.Clone(reference)
	cand := imaging.Clone(candidate)

	mse := meanSquaredError(ref, cand)
	return Metrics{
		SSIM: Metric(structuralSimilarity(luma(ref), luma(cand), ref.Rect.Dx(), ref.Rect.Dy())),
		PSNR: Metric(peakSignalToNoise(mse)),
		MSE:  Metric(mse),
	}, nil
}

// Compare computes metrics, first resampling the reference to the
// candidate's dimensions when they differ. resampled reports whether that
// happened.
func Compare(reference, candidate image.Image) (m Metrics, resampled bool, err error) {
	rb, cb := reference.Bounds(), candidate.Bounds()
	if rb.Dx() != cb.Dx() || rb.Dy() != cb.Dy() {
		if cb.Empty() {
			return Metrics{}, false, fmt.Errorf("cannot compute metrics: empty candidate")
		}
		reference = imaging.Resize(reference, cb.Dx(), cb.Dy(), imaging.Lanczos)
		resampled = true
	}
	m, err = Compute(reference, candidate)
	return m, resampled, err
}

// meanSquaredError averages squared RGB differences; alpha is ignored.
func meanSquaredError(a, b *image.NRGBA) float64 {
	var total float64
	w, h := a.Rect.Dx(), a.Rect.Dy()
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w*4]
		rb := b.Pix[y*b.Stride : y*b.Stride+w*4]
		for i := 0; i < len(ra); i += 4 {
			for c := 0; c < 3; c++ {
				d := float64(ra[i+c]) - float64(rb[i+c])
				total += d * d
			}
		}
	}
	return total / float64(w*h*3)
}

func peakSignalToNoise(mse float64) float64 {
	if mse == 0 {
		return math.Inf(1)
	}
	return 20*math.Log10(maxPixel) - 10*math.Log10(mse)
}

// luma converts to BT.601 luma on a 0-255 scale.
func luma(img *image.NRGBA) []float64 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			out[y*w+x] = 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
		}
	}
	return out
}

// structuralSimilarity is the mean SSIM over non-overlapping 8x8 windows.
// Images smaller than one window are treated as a single window.
func structuralSimilarity(a, b []float64, w, h int) float64 {
	win := ssimWindow
	if w < win || h < win {
		return windowSSIM(a, b, w, 0, 0, w, h)
	}
	var total float64
	var n int
	for y := 0; y+win <= h; y += win {
		for x := 0; x+win <= w; x += win {
			total += windowSSIM(a, b, w, x, y, win, win)
			n++
		}
	}
	return total / float64(n)
}

func windowSSIM(a, b []float64, stride, x0, y0, ww, wh int) float64 {
	count := float64(ww * wh)
	var sumA, sumB float64
	for y := y0; y < y0+wh; y++ {
		for x := x0; x < x0+ww; x++ {
			sumA += a[y*stride+x]
			sumB += b[y*stride+x]
		}
	}
	meanA, meanB := sumA/count, sumB/count

	var varA, varB, cov float64
	for y := y0; y < y0+wh; y++ {
		for x := x0; x < x0+ww; x++ {
			da := a[y*stride+x] - meanA
			db := b[y*stride+x] - meanB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= count
	varB /= count
	cov /= count

	num := (2*meanA*meanB + ssimC1) * (2*cov + ssimC2)
	den := (meanA*meanA + meanB*meanB + ssimC1) * (varA + varB + ssimC2)
	return num / den
}
