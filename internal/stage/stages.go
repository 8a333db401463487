// Package stage provides the built-in pipeline stages and the default
// registry that exposes them.
package stage

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// builtinVersion is the identity version pinned in lockfiles for every
// built-in stage. Bump it when a stage's output changes for the same params.
const builtinVersion = "1"

// cpuStage is embedded by stages that only run on the CPU.
type cpuStage struct{}

func (cpuStage) SupportsDevice(d scheduler.Device) bool { return d == scheduler.CPU }

var cpuDevices = []scheduler.Device{scheduler.CPU}

func float(v float64) *float64 { return &v }

// Definitions returns the built-in stage definitions.
func Definitions() []pipeline.Definition {
	return []pipeline.Definition{
		decodeDefinition(),
		annotateDefinition(),
		resizeDefinition(),
		encodeDefinition(),
	}
}

// DefaultRegistry builds a registry holding the built-in stages.
func DefaultRegistry() (*pipeline.Registry, error) {
	return pipeline.NewRegistry(Definitions()...)
}

// decode

type decodeStage struct {
	cpuStage
	hint string
}

func decodeDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name:        "decode",
		Version:     builtinVersion,
		Description: "Decode the input bytes into a pixel buffer",
		Devices:     cpuDevices,
		Params: []pipeline.ParamSpec{
			{Name: "format", Type: pipeline.ParamString, Enum: decodeFormats},
		},
		New: func(p pipeline.Params) (pipeline.Stage, error) {
			return &decodeStage{hint: p.String("format")}, nil
		},
	}
}

func (s *decodeStage) Name() string { return "decode" }

func (s *decodeStage) Run(_ context.Context, a *pipeline.Artifact, _ *pipeline.RunContext, _ scheduler.Device) error {
	if len(a.Data) == 0 {
		return pipeline.Fatal(errors.New("input is empty"))
	}
	format, err := inferFormat(s.hint, a.Format, a.Input, a.Data)
	if err != nil {
		return pipeline.Fatal(err)
	}
	img, err := decodeImage(format, a.Data)
	if err != nil {
		return pipeline.Fatalf("decoding %s: %w", format, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return pipeline.Fatalf("decoded %s image is empty", format)
	}

	a.Image = img
	a.Reference = img
	a.Format = format
	a.SetMeta("image.format", format)
	a.SetMeta("image.width", b.Dx())
	a.SetMeta("image.height", b.Dy())
	return nil
}

// annotate

type annotateStage struct {
	cpuStage
	key   string
	value string
}

func annotateDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name:        "annotate",
		Version:     builtinVersion,
		Description: "Set a metadata key usable in output templates",
		Devices:     cpuDevices,
		Params: []pipeline.ParamSpec{
			{Name: "key", Type: pipeline.ParamString, Required: true},
			{Name: "value", Type: pipeline.ParamString, Default: "true"},
		},
		New: func(p pipeline.Params) (pipeline.Stage, error) {
			key := p.String("key")
			if key == "" {
				return nil, errors.New("key must not be empty")
			}
			return &annotateStage{key: key, value: p.String("value")}, nil
		},
	}
}

func (s *annotateStage) Name() string { return "annotate" }

func (s *annotateStage) Run(_ context.Context, a *pipeline.Artifact, _ *pipeline.RunContext, _ scheduler.Device) error {
	a.SetMeta(s.key, s.value)
	return nil
}

// resize

const (
	fitInside = "inside"
	fitCover  = "cover"
	fitExact  = "exact"
)

var resizeFilters = map[string]imaging.ResampleFilter{
	"nearest":    imaging.NearestNeighbor,
	"triangle":   imaging.Linear,
	"catmullrom": imaging.CatmullRom,
	"lanczos3":   imaging.Lanczos,
	"gaussian":   imaging.Gaussian,
}

type resizeStage struct {
	cpuStage
	width, height int
	fit           string
	method        string
	filter        imaging.ResampleFilter
}

func resizeDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name:        "resize",
		Version:     builtinVersion,
		Description: "Resample the image to the requested dimensions",
		Devices:     cpuDevices,
		Params: []pipeline.ParamSpec{
			{Name: "width", Type: pipeline.ParamInt, Required: true, Min: float(1), Max: float(65535)},
			{Name: "height", Type: pipeline.ParamInt, Required: true, Min: float(1), Max: float(65535)},
			{Name: "fit", Type: pipeline.ParamString, Default: fitInside, Enum: []string{fitInside, fitCover, fitExact, "fit", "stretch"}},
			{Name: "method", Type: pipeline.ParamString, Default: "catmullrom", Enum: []string{"nearest", "triangle", "catmullrom", "lanczos3", "gaussian"}},
		},
		New: func(p pipeline.Params) (pipeline.Stage, error) {
			fit := p.String("fit")
			switch fit {
			case "fit":
				fit = fitInside
			case "stretch":
				fit = fitExact
			}
			method := p.String("method")
			return &resizeStage{
				width:  p.Int("width"),
				height: p.Int("height"),
				fit:    fit,
				method: method,
				filter: resizeFilters[method],
			}, nil
		},
	}
}

func (s *resizeStage) Name() string { return "resize" }

func (s *resizeStage) Run(_ context.Context, a *pipeline.Artifact, _ *pipeline.RunContext, _ scheduler.Device) error {
	if a.Image == nil {
		return pipeline.Fatal(errors.New("resize requires a decoded image"))
	}

	var out image.Image
	switch s.fit {
	case fitExact:
		out = imaging.Resize(a.Image, s.width, s.height, s.filter)
	case fitCover:
		out = imaging.Fill(a.Image, s.width, s.height, imaging.Center, s.filter)
	default:
		w, h := insideDimensions(a.Image.Bounds(), s.width, s.height)
		out = imaging.Resize(a.Image, w, h, s.filter)
	}

	a.Image = out
	b := out.Bounds()
	a.SetMeta("resize.width", s.width)
	a.SetMeta("resize.height", s.height)
	a.SetMeta("resize.filter", s.method)
	a.SetMeta("resize.mode", s.fit)
	a.SetMeta("image.width", b.Dx())
	a.SetMeta("image.height", b.Dy())
	return nil
}

// insideDimensions scales src to fit within w x h, preserving aspect ratio.
// Unlike imaging.Fit it also scales up.
func insideDimensions(src image.Rectangle, w, h int) (int, int) {
	sw, sh := float64(src.Dx()), float64(src.Dy())
	scale := math.Min(float64(w)/sw, float64(h)/sh)
	nw := int(math.Round(sw * scale))
	nh := int(math.Round(sh * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// encode

type encodeStage struct {
	cpuStage
	format    string
	extension string
	opts      encodeOptions
	params    pipeline.Params
}

func encodeDefinition() pipeline.Definition {
	return pipeline.Definition{
		Name:        "encode",
		Version:     builtinVersion,
		Description: "Encode the image and re-decode it for quality gates",
		Devices:     cpuDevices,
		Params: []pipeline.ParamSpec{
			{Name: "format", Type: pipeline.ParamString, Enum: encodeFormats},
			{Name: "quality", Type: pipeline.ParamFloat, Min: float(0), Max: float(100)},
			{Name: "lossless", Type: pipeline.ParamBool},
			{Name: "speed", Type: pipeline.ParamInt, Min: float(0), Max: float(10)},
			{Name: "compression", Type: pipeline.ParamString},
			{Name: "extension", Type: pipeline.ParamString},
		},
		New: func(p pipeline.Params) (pipeline.Stage, error) {
			compression, err := parseCompression(p.String("compression"))
			if err != nil {
				return nil, err
			}
			s := &encodeStage{
				extension: p.String("extension"),
				params:    p,
				opts: encodeOptions{
					Quality:     int(math.Round(p.Float("quality"))),
					HasQuality:  p.Has("quality"),
					Lossless:    p.Bool("lossless"),
					Speed:       p.Int("speed"),
					HasSpeed:    p.Has("speed"),
					Compression: compression,
				},
			}
			if f := p.String("format"); f != "" {
				s.format, _ = canonicalFormat(f)
			}
			return s, nil
		},
	}
}

func (s *encodeStage) Name() string { return "encode" }

func (s *encodeStage) Run(_ context.Context, a *pipeline.Artifact, _ *pipeline.RunContext, _ scheduler.Device) error {
	if a.Image == nil {
		return pipeline.Fatal(errors.New("encode requires a decoded image"))
	}
	format := s.format
	if format == "" {
		var err error
		if format, err = inferFormat("", a.Format, a.Input, nil); err != nil {
			return pipeline.Fatal(err)
		}
	}
	if _, ok := canonicalFormat(format); !ok || format == FormatBMP || format == FormatTIFF {
		return pipeline.Fatalf("cannot encode to %s", format)
	}

	data, err := encodeImage(format, a.Image, s.opts)
	if err != nil {
		return pipeline.Fatalf("encoding %s: %w", format, err)
	}

	ext := s.extension
	if ext == "" {
		ext = extensionFor(format)
	}

	a.Data = data
	a.Encoded = true
	a.Format = format
	a.Extension = ext

	rendered, derr := decodeImage(format, data)
	if derr != nil {
		a.Rendered = nil
		a.Image = nil
		a.SetMeta("output.decode_supported", false)
		a.SetMeta("output.decode_warning", derr.Error())
	} else {
		a.Rendered = rendered
		a.Image = rendered
		a.SetMeta("output.decode_supported", true)
	}

	a.SetMeta("output.format", format)
	a.SetMeta("output.extension", ext)
	a.SetMeta("output.size_bytes", len(data))
	for _, key := range []string{"quality", "lossless", "speed", "compression"} {
		if s.params.Has(key) {
			a.SetMeta(fmt.Sprintf("output.encoder.%s", key), s.params[key])
		}
	}
	return nil
}
