package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds run-scoped configuration that is not part of a recipe.
type Settings struct {
	Concurrency       int           `yaml:"concurrency"`
	StageTimeout      time.Duration `yaml:"stage_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	GPUPixelThreshold int64         `yaml:"gpu_pixel_threshold"`
	GPUCount          int           `yaml:"gpu_count"`
	ReportDir         string        `yaml:"report_dir"`
	DatabaseURL       string        `yaml:"database_url"`
	ObjectStore       ObjectStore   `yaml:"object_store"`
}

// ObjectStore configures the optional S3-compatible output mirror.
// An empty Endpoint disables mirroring.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DefaultSettings returns settings suitable for a single workstation.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:       runtime.NumCPU(),
		StageTimeout:      2 * time.Minute,
		MaxRetries:        2,
		RetryBackoff:      200 * time.Millisecond,
		GPUPixelThreshold: 1024 * 1024,
		GPUCount:          0,
		ReportDir:         defaultReportDir(),
		ObjectStore:       ObjectStore{Region: "us-east-1"},
	}
}

func defaultReportDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".bunker", "runs")
	}
	return filepath.Join(home, ".bunker", "runs")
}

// LoadSettings starts from DefaultSettings, overlays the settings file at path
// (if non-empty), then the BUNKER_* environment.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("reading settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Settings{}, fmt.Errorf("parsing settings YAML: %w", err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadDefaultSettings searches for a settings file in standard locations and
// loads the first one found. Search order: ./bunker.yaml, ~/.bunker/config.yaml.
// Missing files are not an error; defaults and environment still apply.
func LoadDefaultSettings() (Settings, error) {
	candidates := []string{"bunker.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".bunker", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadSettings(path)
		}
	}
	return LoadSettings("")
}

func (s *Settings) applyEnv() error {
	var err error
	if s.Concurrency, err = envInt("BUNKER_CONCURRENCY", s.Concurrency); err != nil {
		return err
	}
	if s.StageTimeout, err = envDuration("BUNKER_STAGE_TIMEOUT", s.StageTimeout); err != nil {
		return err
	}
	if s.MaxRetries, err = envInt("BUNKER_MAX_RETRIES", s.MaxRetries); err != nil {
		return err
	}
	if s.RetryBackoff, err = envDuration("BUNKER_RETRY_BACKOFF", s.RetryBackoff); err != nil {
		return err
	}
	threshold, err := envInt("BUNKER_GPU_PIXEL_THRESHOLD", int(s.GPUPixelThreshold))
	if err != nil {
		return err
	}
	s.GPUPixelThreshold = int64(threshold)

	forced, err := envBool("BUNKER_FORCE_GPU", false)
	if err != nil {
		return err
	}
	if forced && s.GPUCount == 0 {
		s.GPUCount = 1
	}
	if s.GPUCount, err = envInt("BUNKER_GPU_COUNT", s.GPUCount); err != nil {
		return err
	}

	s.ReportDir = envString("BUNKER_REPORT_DIR", s.ReportDir)
	s.DatabaseURL = envString("BUNKER_DATABASE_URL", s.DatabaseURL)

	store := &s.ObjectStore
	store.Endpoint = envString("BUNKER_S3_ENDPOINT", store.Endpoint)
	store.AccessKey = envString("BUNKER_S3_ACCESS_KEY", store.AccessKey)
	store.SecretKey = envString("BUNKER_S3_SECRET_KEY", store.SecretKey)
	store.Region = envString("BUNKER_S3_REGION", store.Region)
	store.Bucket = envString("BUNKER_S3_BUCKET", store.Bucket)
	store.Prefix = envString("BUNKER_S3_PREFIX", store.Prefix)
	if store.UseSSL, err = envBool("BUNKER_S3_USE_SSL", store.UseSSL); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the executor cannot honor.
func (s Settings) Validate() error {
	if s.Concurrency < 1 {
		return errors.New("concurrency must be >= 1")
	}
	if s.StageTimeout < 0 {
		return errors.New("stage_timeout must be >= 0")
	}
	if s.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if s.RetryBackoff < 0 {
		return errors.New("retry_backoff must be >= 0")
	}
	if s.GPUPixelThreshold < 0 {
		return errors.New("gpu_pixel_threshold must be >= 0")
	}
	if s.GPUCount < 0 {
		return errors.New("gpu_count must be >= 0")
	}
	if s.ObjectStore.Endpoint != "" {
		if strings.Contains(s.ObjectStore.Endpoint, "://") {
			return fmt.Errorf("object_store.endpoint must not include scheme: %q", s.ObjectStore.Endpoint)
		}
		if strings.TrimSpace(s.ObjectStore.Bucket) == "" {
			return errors.New("object_store.bucket is required when an endpoint is set")
		}
	}
	return nil
}
