package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/bunkerconvert/internal/config"
)

func validConfig() config.ObjectStore {
	return config.ObjectStore{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio123",
		Region:    "us-east-1",
		Bucket:    "outputs",
		Prefix:    "/runs/",
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	empty := config.ObjectStore{}
	err := Validate(empty)
	if err == nil {
		t.Fatal("expected error for empty config")
	}
	for _, field := range []string{"endpoint", "access_key", "secret_key", "bucket"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not mention %s", err, field)
		}
	}

	withScheme := validConfig()
	withScheme.Endpoint = "http://localhost:9000"
	if err := Validate(withScheme); err == nil {
		t.Error("expected error for endpoint with scheme")
	}
}

func TestEnabled(t *testing.T) {
	if Enabled(config.ObjectStore{Region: "us-east-1"}) {
		t.Error("config without endpoint should be disabled")
	}
	if !Enabled(validConfig()) {
		t.Error("config with endpoint should be enabled")
	}
}

func TestObjectKey(t *testing.T) {
	p, err := NewPublisher(validConfig())
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	if got := p.ObjectKey("thumb/photo.webp"); got != "runs/thumb/photo.webp" {
		t.Errorf("ObjectKey = %q", got)
	}

	cfg := validConfig()
	cfg.Prefix = ""
	p, err = NewPublisher(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := p.ObjectKey("/photo.webp"); got != "photo.webp" {
		t.Errorf("ObjectKey = %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"a.webp":    "image/webp",
		"a.AVIF":    "image/avif",
		"x/a.jpg":   "image/jpeg",
		"a.unknown": "application/octet-stream",
	}
	for key, want := range tests {
		if got := contentType(key); got != want {
			t.Errorf("contentType(%q) = %q, want %q", key, got, want)
		}
	}
}

// TestPublishIntegration needs a reachable S3-compatible server.
func TestPublishIntegration(t *testing.T) {
	endpoint := os.Getenv("BUNKER_TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("BUNKER_TEST_S3_ENDPOINT not set")
	}
	cfg := config.ObjectStore{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("BUNKER_TEST_S3_ACCESS_KEY"),
		SecretKey: os.Getenv("BUNKER_TEST_S3_SECRET_KEY"),
		Region:    "us-east-1",
		Bucket:    "bunker-test-" + uuid.NewString()[:8],
	}
	p, err := NewPublisher(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.EnsureBucket(ctx); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	local := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(local, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Publish(ctx, local, "a.png"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}
