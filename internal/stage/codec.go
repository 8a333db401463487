package stage

import (
	"bytes"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Canonical format names.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatGIF  = "gif"
	FormatWebP = "webp"
	FormatAVIF = "avif"
	FormatBMP  = "bmp"
	FormatTIFF = "tiff"
)

// decodeFormats are the formats the decode stage accepts.
var decodeFormats = []string{FormatPNG, FormatJPEG, "jpg", FormatGIF, FormatWebP, FormatAVIF, FormatBMP, FormatTIFF, "tif"}

// encodeFormats are the formats the encode stage can write.
var encodeFormats = []string{FormatPNG, FormatJPEG, "jpg", FormatGIF, FormatWebP, FormatAVIF}

// canonicalFormat maps a label or file extension to a canonical name.
func canonicalFormat(label string) (string, bool) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(label)), ".") {
	case "png":
		return FormatPNG, true
	case "jpeg", "jpg":
		return FormatJPEG, true
	case "gif":
		return FormatGIF, true
	case "webp":
		return FormatWebP, true
	case "avif":
		return FormatAVIF, true
	case "bmp":
		return FormatBMP, true
	case "tiff", "tif":
		return FormatTIFF, true
	}
	return "", false
}

// extensionFor is the default file extension for a canonical format.
func extensionFor(format string) string {
	if format == FormatJPEG {
		return "jpg"
	}
	return format
}

// sniffFormat inspects magic bytes.
func sniffFormat(data []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return FormatPNG, true
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return FormatJPEG, true
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return FormatGIF, true
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP, true
	case len(data) >= 12 && string(data[4:8]) == "ftyp" && (string(data[8:12]) == "avif" || string(data[8:12]) == "avis"):
		return FormatAVIF, true
	case bytes.HasPrefix(data, []byte("BM")):
		return FormatBMP, true
	case bytes.HasPrefix(data, []byte("II*\x00")), bytes.HasPrefix(data, []byte("MM\x00*")):
		return FormatTIFF, true
	}
	return "", false
}

// inferFormat resolves the format to use: explicit hint, then the format
// already declared on the artifact, then the input extension, then magic
// bytes.
func inferFormat(hint, declared, inputPath string, data []byte) (string, error) {
	if hint != "" {
		if f, ok := canonicalFormat(hint); ok {
			return f, nil
		}
		return "", fmt.Errorf("unsupported format %q", hint)
	}
	if f, ok := canonicalFormat(declared); ok {
		return f, nil
	}
	if f, ok := canonicalFormat(filepath.Ext(inputPath)); ok {
		return f, nil
	}
	if f, ok := sniffFormat(data); ok {
		return f, nil
	}
	return "", fmt.Errorf("unable to infer image format for %s", filepath.Base(inputPath))
}

func decodeImage(format string, data []byte) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatPNG:
		return png.Decode(r)
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatGIF:
		return gif.Decode(r)
	case FormatWebP:
		return webp.Decode(r)
	case FormatAVIF:
		return avif.Decode(r)
	case FormatBMP:
		return bmp.Decode(r)
	case FormatTIFF:
		return tiff.Decode(r)
	}
	return nil, fmt.Errorf("no decoder for format %q", format)
}

// encodeOptions are the codec knobs accepted by the encode stage.
type encodeOptions struct {
	Quality     int
	HasQuality  bool
	Lossless    bool
	Speed       int
	HasSpeed    bool
	Compression png.CompressionLevel
}

const (
	defaultJPEGQuality = 90
	defaultWebPQuality = 75
	defaultAVIFQuality = 80
	defaultAVIFSpeed   = 4
)

func encodeImage(format string, img image.Image, o encodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: o.Compression}
		err = enc.Encode(&buf, img)
	case FormatJPEG:
		q := defaultJPEGQuality
		if o.HasQuality {
			q = clamp(o.Quality, 1, 100)
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: q})
	case FormatGIF:
		err = gif.Encode(&buf, img, &gif.Options{NumColors: 256})
	case FormatWebP:
		q := defaultWebPQuality
		if o.HasQuality {
			q = clamp(o.Quality, 0, 100)
		}
		err = webp.Encode(&buf, img, webp.Options{Quality: q, Lossless: o.Lossless})
	case FormatAVIF:
		q, speed := defaultAVIFQuality, defaultAVIFSpeed
		if o.HasQuality {
			q = clamp(o.Quality, 1, 100)
		}
		if o.HasSpeed {
			speed = clamp(o.Speed, 0, 10)
		}
		err = avif.Encode(&buf, img, avif.Options{Quality: q, QualityAlpha: q, Speed: speed})
	default:
		return nil, fmt.Errorf("no encoder for format %q", format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parseCompression accepts fast|default|best|none or a zlib level 0-9.
func parseCompression(s string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return png.DefaultCompression, nil
	case "fast":
		return png.BestSpeed, nil
	case "best":
		return png.BestCompression, nil
	case "none":
		return png.NoCompression, nil
	case "0":
		return png.NoCompression, nil
	case "1", "2", "3":
		return png.BestSpeed, nil
	case "4", "5", "6":
		return png.DefaultCompression, nil
	case "7", "8", "9":
		return png.BestCompression, nil
	}
	return 0, fmt.Errorf("unknown png compression %q", s)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
