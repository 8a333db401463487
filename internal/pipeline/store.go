package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Store persists run reports on disk, one directory per run ID.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.bunker/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".bunker", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

func (s *Store) reportPath(runID string) string {
	return filepath.Join(s.runDir(runID), "report.json")
}

// ReportPath returns where the report for runID is stored.
func (s *Store) ReportPath(runID string) string {
	return s.reportPath(runID)
}

// Save writes the report to <base>/<run_id>/report.json.
func (s *Store) Save(r *RunReport) error {
	if r.RunID == "" {
		return fmt.Errorf("report has no run id")
	}
	if err := WriteJSON(s.reportPath(r.RunID), r); err != nil {
		return fmt.Errorf("write report.json: %w", err)
	}
	return nil
}

// Get reads the report for a run.
func (s *Store) Get(runID string) (*RunReport, error) {
	var r RunReport
	if err := ReadJSON(s.reportPath(runID), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	return &r, nil
}

// List returns every stored report, newest first. Broken entries are skipped.
func (s *Store) List() ([]RunReport, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var reports []RunReport
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		reports = append(reports, *r)
	}

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].StartedAt.Equal(reports[j].StartedAt) {
			return reports[i].RunID < reports[j].RunID
		}
		return reports[i].StartedAt.After(reports[j].StartedAt)
	})
	return reports, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	dir := s.runDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", runID)
	}
	return os.RemoveAll(dir)
}
