package pipeline

import (
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

// Artifact is the per-input unit of work. It is owned by exactly one worker
// and handed from stage to stage in pipeline order.
//
// Stages replace Image and Data rather than writing into them, so a shallow
// Clone is a valid retry snapshot.
type Artifact struct {
	Input string
	Stem  string

	// Data holds the source bytes until an encode stage replaces them with
	// the encoded output.
	Data    []byte
	Encoded bool

	// Format is the declared format of Data (png, jpeg, webp, ...).
	Format    string
	Extension string

	// Image is nil until a decode stage runs.
	Image image.Image

	// Reference is the image as first decoded, before any lossy transform.
	Reference image.Image

	// Rendered is the encoded output decoded again, used by quality gates.
	// It stays nil when the output format cannot be decoded.
	Rendered image.Image

	Metadata   map[string]any
	Provenance []string
}

// NewArtifact creates an artifact for the file at path.
func NewArtifact(path string, data []byte) *Artifact {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return &Artifact{
		Input:     path,
		Stem:      strings.TrimSuffix(base, ext),
		Data:      data,
		Extension: strings.TrimPrefix(strings.ToLower(ext), "."),
		Metadata:  make(map[string]any),
	}
}

// Pixels returns the decoded pixel count, or zero before decode.
func (a *Artifact) Pixels() int64 {
	if a.Image == nil {
		return 0
	}
	b := a.Image.Bounds()
	return int64(b.Dx()) * int64(b.Dy())
}

// SetMeta records a metadata value.
func (a *Artifact) SetMeta(key string, value any) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata[key] = value
}

// Meta returns a metadata value.
func (a *Artifact) Meta(key string) (any, bool) {
	v, ok := a.Metadata[key]
	return v, ok
}

// Record appends an event to the provenance log.
func (a *Artifact) Record(event string) {
	a.Provenance = append(a.Provenance, event)
}

// Clone returns a snapshot that shares pixel buffers but owns its metadata
// and provenance.
func (a *Artifact) Clone() *Artifact {
	out := *a
	out.Metadata = make(map[string]any, len(a.Metadata))
	for k, v := range a.Metadata {
		out.Metadata[k] = v
	}
	out.Provenance = append([]string(nil), a.Provenance...)
	return &out
}

// RunContext is the read-only state shared by every artifact in one run.
type RunContext struct {
	RunID        string
	Fingerprint  string
	Policy       scheduler.Policy
	Output       config.OutputSpec
	Concurrency  int
	StageTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}
