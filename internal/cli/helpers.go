package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/config"
	"github.com/lucasnoah/bunkerconvert/internal/db"
	"github.com/lucasnoah/bunkerconvert/internal/metrics"
	"github.com/lucasnoah/bunkerconvert/internal/objectstore"
	"github.com/lucasnoah/bunkerconvert/internal/orchestrator"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/stage"
)

// ExitError carries a process exit status other than 1.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	return buildLogger(cmd, cmd.ErrOrStderr())
}

func buildLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", levelName)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
}

// addSettingsFlags registers the flags that override run settings.
func addSettingsFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("concurrency", 0, "Worker pool size (default: number of CPUs)")
	f.Duration("stage-timeout", 0, "Per-stage timeout (default 2m)")
	f.Int("max-retries", -1, "Retries for transient stage failures (default 2)")
	f.Int("gpu-count", -1, "Number of GPUs visible to the scheduler")
	f.String("device-policy", "auto", "Device policy: cpu, gpu or auto")
}

// loadSettings resolves settings: defaults, settings file, environment,
// then flags.
func loadSettings(cmd *cobra.Command) (config.Settings, error) {
	path, _ := cmd.Flags().GetString("config")
	var s config.Settings
	var err error
	if path != "" {
		s, err = config.LoadSettings(path)
	} else {
		s, err = config.LoadDefaultSettings()
	}
	if err != nil {
		return config.Settings{}, err
	}

	f := cmd.Flags()
	if f.Lookup("concurrency") != nil && f.Changed("concurrency") {
		s.Concurrency, _ = f.GetInt("concurrency")
	}
	if f.Lookup("stage-timeout") != nil && f.Changed("stage-timeout") {
		s.StageTimeout, _ = f.GetDuration("stage-timeout")
	}
	if f.Lookup("max-retries") != nil && f.Changed("max-retries") {
		s.MaxRetries, _ = f.GetInt("max-retries")
	}
	if f.Lookup("gpu-count") != nil && f.Changed("gpu-count") {
		s.GPUCount, _ = f.GetInt("gpu-count")
	}
	if err := s.Validate(); err != nil {
		return config.Settings{}, err
	}
	return s, nil
}

// session bundles what a command needs to drive the orchestrator.
type session struct {
	orch     *orchestrator.Orchestrator
	settings config.Settings
	logger   *slog.Logger
	recorder *metrics.Recorder
	cleanup  func()
}

type sessionOpts struct {
	label   string
	record  bool
	publish bool
	noStore bool
}

func newSession(cmd *cobra.Command, so sessionOpts) (*session, error) {
	logger, err := newLogger(cmd)
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(cmd)
	if err != nil {
		return nil, err
	}
	reg, err := stage.DefaultRegistry()
	if err != nil {
		return nil, err
	}

	recorder := metrics.New()
	var closers []func()
	release := func() {
		for _, c := range closers {
			c()
		}
	}
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithRecorder(recorder),
		orchestrator.WithLabel(so.label),
	}
	if !so.noStore {
		opts = append(opts, orchestrator.WithStore(pipeline.NewStore(settings.ReportDir)))
	}
	if so.record {
		database, err := openDatabase(cmd.Context(), settings.DatabaseURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { database.Close() })
		if err := database.Migrate(cmd.Context()); err != nil {
			release()
			return nil, err
		}
		opts = append(opts, orchestrator.WithDB(database))
	}
	if so.publish {
		pub, err := newPublisher(cmd.Context(), settings)
		if err != nil {
			release()
			return nil, err
		}
		opts = append(opts, orchestrator.WithPublisher(pub))
	}

	return &session{
		orch:     orchestrator.NewOrchestrator(reg, settings, opts...),
		settings: settings,
		logger:   logger,
		recorder: recorder,
		cleanup:  release,
	}, nil
}

// openDatabase is swapped in tests to observe the session's connection.
var openDatabase = db.Open

func newPublisher(ctx context.Context, settings config.Settings) (*objectstore.Publisher, error) {
	if !objectstore.Enabled(settings.ObjectStore) {
		return nil, fmt.Errorf("--publish requires object_store.endpoint (or BUNKER_S3_ENDPOINT)")
	}
	pub, err := objectstore.NewPublisher(settings.ObjectStore)
	if err != nil {
		return nil, err
	}
	if err := pub.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return pub, nil
}

// loadRecipe loads a recipe file and returns it with the directory its
// relative globs resolve against.
func loadRecipe(path string) (*config.Recipe, string, error) {
	r, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", err
	}
	return r, filepath.Dir(abs), nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
