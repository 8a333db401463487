package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validRecipe = `
version: 1
inputs:
  - path: "images/*.png"
pipeline:
  - stage: decode
  - stage: resize
    params:
      width: 256
      height: 256
      method: lanczos3
  - stage: encode
    params:
      format: webp
      quality: 85
output:
  directory: out
quality_gates:
  - label: web
    min_ssim: 0.94
`

func writeTestRecipe(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "recipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidRecipe(t *testing.T) {
	path := writeTestRecipe(t, validRecipe)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if r.Version != 1 {
		t.Errorf("Version = %d, want 1", r.Version)
	}
	if len(r.Inputs) != 1 || r.Inputs[0].Path != "images/*.png" {
		t.Errorf("Inputs = %+v", r.Inputs)
	}
	if len(r.Pipeline) != 3 {
		t.Fatalf("len(Pipeline) = %d, want 3", len(r.Pipeline))
	}
	if r.Pipeline[1].Params["width"] != 256 {
		t.Errorf("resize width = %#v, want 256", r.Pipeline[1].Params["width"])
	}
	if len(r.QualityGates) != 1 || r.QualityGates[0].MinSSIM == nil || *r.QualityGates[0].MinSSIM != 0.94 {
		t.Errorf("QualityGates = %+v", r.QualityGates)
	}
	if r.QualityGates[0].MaxMSE != nil {
		t.Error("MaxMSE should be nil when omitted")
	}
}

func TestLoadAppliesDefaultStructure(t *testing.T) {
	path := writeTestRecipe(t, validRecipe)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if r.Output.Structure != DefaultStructure {
		t.Errorf("Structure = %q, want %q", r.Output.Structure, DefaultStructure)
	}
}

func TestParseJSON(t *testing.T) {
	doc := `{"version":1,"inputs":[{"path":"a.png"}],"pipeline":[{"stage":"decode"}],"output":{"directory":"out","structure":"{stem}-small.{ext}"}}`
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if r.Output.Structure != "{stem}-small.{ext}" {
		t.Errorf("Structure = %q", r.Output.Structure)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/recipe.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeTestRecipe(t, "version: [unclosed")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestValidateValidRecipe(t *testing.T) {
	r, err := Parse([]byte(validRecipe))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if errs := Validate(r); len(errs) != 0 {
		t.Errorf("Validate() returned %d errors for valid recipe:", len(errs))
		for _, e := range errs {
			t.Errorf("  - %s", e)
		}
	}
}

func TestValidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name:  "unsupported version",
			doc:   "version: 2\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {directory: out}",
			field: "version",
		},
		{
			name:  "no inputs",
			doc:   "version: 1\npipeline: [{stage: decode}]\noutput: {directory: out}",
			field: "inputs",
		},
		{
			name:  "empty input path",
			doc:   "version: 1\ninputs: [{path: ''}]\npipeline: [{stage: decode}]\noutput: {directory: out}",
			field: "inputs[0].path",
		},
		{
			name:  "bad glob",
			doc:   "version: 1\ninputs: [{path: 'a[.png'}]\npipeline: [{stage: decode}]\noutput: {directory: out}",
			field: "inputs[0].path",
		},
		{
			name:  "no stages",
			doc:   "version: 1\ninputs: [{path: a.png}]\noutput: {directory: out}",
			field: "pipeline",
		},
		{
			name:  "encode first",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: encode}]\noutput: {directory: out}",
			field: "pipeline[0].stage",
		},
		{
			name:  "resize before decode",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: annotate, params: {key: k}}, {stage: resize}, {stage: decode}]\noutput: {directory: out}",
			field: "pipeline[1].stage",
		},
		{
			name:  "nan ssim threshold",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {directory: out}\nquality_gates: [{min_ssim: .nan}]",
			field: "quality_gates[0].min_ssim",
		},
		{
			name:  "nan psnr threshold",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {directory: out}\nquality_gates: [{min_psnr: .nan}]",
			field: "quality_gates[0].min_psnr",
		},
		{
			name:  "nan mse threshold",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {directory: out}\nquality_gates: [{max_mse: .nan}]",
			field: "quality_gates[0].max_mse",
		},
		{
			name:  "missing output directory",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {}",
			field: "output.directory",
		},
		{
			name:  "empty gate",
			doc:   "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}]\noutput: {directory: out}\nquality_gates: [{label: x}]",
			field: "quality_gates[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Parse([]byte(tt.doc))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			errs := Validate(r)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got %v", tt.field, errs)
			}
		})
	}
}

func TestValidateAllowsPipelineEndingAfterResize(t *testing.T) {
	doc := "version: 1\ninputs: [{path: a.png}]\npipeline: [{stage: decode}, {stage: resize, params: {width: 8}}, {stage: annotate, params: {key: k}}]\noutput: {directory: out}"
	r, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if errs := Validate(r); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "pipeline[2].params.width", Message: "is required"}
	if got := e.Error(); got != "pipeline[2].params.width: is required" {
		t.Errorf("Error() = %q", got)
	}
}

func TestDiffIdentical(t *testing.T) {
	a, _ := Parse([]byte(validRecipe))
	b, _ := Parse([]byte(validRecipe))
	if diffs := Diff(a, b); len(diffs) != 0 {
		t.Errorf("expected no differences, got %v", diffs)
	}
}

func TestDiffStageParamsAndGates(t *testing.T) {
	a, _ := Parse([]byte(validRecipe))
	b := a.Clone()
	b.Pipeline[1].Params["width"] = 320
	b.Pipeline[2].Params["lossless"] = true
	b.QualityGates[0].MinSSIM = Float(0.9)

	diffs := Diff(a, b)
	want := map[string][2]string{
		"pipeline[1].params.width":    {"256", "320"},
		"pipeline[2].params.lossless": {"", "true"},
		"quality_gates[0].min_ssim":   {"0.94", "0.9"},
	}
	if len(diffs) != len(want) {
		t.Fatalf("got %d diffs, want %d: %v", len(diffs), len(want), diffs)
	}
	for _, d := range diffs {
		w, ok := want[d.Field]
		if !ok {
			t.Errorf("unexpected diff %s", d)
			continue
		}
		if d.Left != w[0] || d.Right != w[1] {
			t.Errorf("%s = (%q, %q), want (%q, %q)", d.Field, d.Left, d.Right, w[0], w[1])
		}
	}
}

func TestDiffStageListLength(t *testing.T) {
	a, _ := Parse([]byte(validRecipe))
	b := a.Clone()
	b.Pipeline = b.Pipeline[:2]

	diffs := Diff(a, b)
	found := false
	for _, d := range diffs {
		if d.Field == "pipeline[2].stage" {
			found = true
			if d.Left != "encode" || d.Right != "" {
				t.Errorf("pipeline[2].stage = (%q, %q)", d.Left, d.Right)
			}
			if !strings.Contains(d.String(), "<none>") {
				t.Errorf("String() = %q, want <none> marker", d.String())
			}
		}
	}
	if !found {
		t.Errorf("expected pipeline[2].stage diff, got %v", diffs)
	}
}

func TestDiffNumericNormalization(t *testing.T) {
	a, _ := Parse([]byte(validRecipe))
	b := a.Clone()
	b.Pipeline[1].Params["width"] = 256.0
	if diffs := Diff(a, b); len(diffs) != 0 {
		t.Errorf("256 vs 256.0 should not differ, got %v", diffs)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a, _ := Parse([]byte(validRecipe))
	b := a.Clone()
	b.Pipeline[1].Params["width"] = 1
	*b.QualityGates[0].MinSSIM = 0.1
	if a.Pipeline[1].Params["width"] != 256 {
		t.Error("Clone shares params map with original")
	}
	if *a.QualityGates[0].MinSSIM != 0.94 {
		t.Error("Clone shares gate thresholds with original")
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}
	if s.Concurrency < 1 {
		t.Errorf("Concurrency = %d, want >= 1", s.Concurrency)
	}
	if s.StageTimeout != 2*time.Minute {
		t.Errorf("StageTimeout = %s, want 2m", s.StageTimeout)
	}
}

func TestLoadSettingsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bunker.yaml")
	content := "concurrency: 3\nstage_timeout: 30s\nmax_retries: 5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BUNKER_MAX_RETRIES", "1")
	t.Setenv("BUNKER_FORCE_GPU", "true")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings() error: %v", err)
	}
	if s.Concurrency != 3 {
		t.Errorf("Concurrency = %d, want 3", s.Concurrency)
	}
	if s.StageTimeout != 30*time.Second {
		t.Errorf("StageTimeout = %s, want 30s", s.StageTimeout)
	}
	if s.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1 (env wins over file)", s.MaxRetries)
	}
	if s.GPUCount != 1 {
		t.Errorf("GPUCount = %d, want 1 (BUNKER_FORCE_GPU)", s.GPUCount)
	}
}

func TestLoadSettingsBadEnv(t *testing.T) {
	t.Setenv("BUNKER_CONCURRENCY", "many")
	if _, err := LoadSettings(""); err == nil {
		t.Fatal("expected error for non-numeric BUNKER_CONCURRENCY")
	}
}

func TestSettingsValidate(t *testing.T) {
	valid := DefaultSettings()
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"zero concurrency", func(s *Settings) { s.Concurrency = 0 }},
		{"negative retries", func(s *Settings) { s.MaxRetries = -1 }},
		{"negative timeout", func(s *Settings) { s.StageTimeout = -time.Second }},
		{"endpoint with scheme", func(s *Settings) {
			s.ObjectStore.Endpoint = "http://localhost:9000"
			s.ObjectStore.Bucket = "b"
		}},
		{"endpoint without bucket", func(s *Settings) { s.ObjectStore.Endpoint = "localhost:9000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			if err := s.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
