package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
)

// RunSummary represents a row in the bunker_runs table.
type RunSummary struct {
	RunID             string    `json:"run_id"`
	Label             string    `json:"label,omitempty"`
	RecipeFingerprint string    `json:"recipe_fingerprint"`
	DevicePolicy      string    `json:"device_policy"`
	StartedAt         time.Time `json:"started_at"`
	DurationMS        int64     `json:"duration_ms"`
	Total             int       `json:"total"`
	Succeeded         int       `json:"succeeded"`
	Failed            int       `json:"failed"`
	GateFailed        int       `json:"gate_failed"`
	Cancelled         int       `json:"cancelled"`
	Downgrades        int64     `json:"downgrades"`
}

// InputRecord represents a row in the bunker_run_inputs table.
type InputRecord struct {
	RunID      string    `json:"run_id"`
	Input      string    `json:"input"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Output     string    `json:"output,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	SSIM       *float64  `json:"ssim,omitempty"`
	PSNR       *float64  `json:"psnr,omitempty"`
	MSE        *float64  `json:"mse,omitempty"`
	StartedAt  time.Time `json:"started_at"`
}

// ErrRunNotFound is returned by GetRun for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RecordRun stores a run report and its per-input rows. Recording the same
// run ID again replaces the earlier rows.
func (d *DB) RecordRun(ctx context.Context, r *pipeline.RunReport) error {
	if r.RunID == "" {
		return errors.New("record run: run id is required")
	}
	report, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("record run: encode report: %w", err)
	}

	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	s := r.Summary
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bunker_runs (run_id, label, recipe_fingerprint, device_policy, started_at, finished_at,
		    duration_ms, total, succeeded, failed, gate_failed, cancelled, downgrades, report)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (run_id) DO UPDATE SET
		    label = EXCLUDED.label,
		    recipe_fingerprint = EXCLUDED.recipe_fingerprint,
		    device_policy = EXCLUDED.device_policy,
		    started_at = EXCLUDED.started_at,
		    finished_at = EXCLUDED.finished_at,
		    duration_ms = EXCLUDED.duration_ms,
		    total = EXCLUDED.total,
		    succeeded = EXCLUDED.succeeded,
		    failed = EXCLUDED.failed,
		    gate_failed = EXCLUDED.gate_failed,
		    cancelled = EXCLUDED.cancelled,
		    downgrades = EXCLUDED.downgrades,
		    report = EXCLUDED.report`,
		r.RunID, r.Label, r.Fingerprint, string(r.Policy), r.StartedAt, r.FinishedAt,
		r.DurationMS, s.Total, s.Succeeded, s.Failed, s.GateFailed, s.Cancelled, s.Downgrades, string(report),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bunker_run_inputs WHERE run_id = $1`, r.RunID); err != nil {
		return fmt.Errorf("clear run inputs: %w", err)
	}
	for _, in := range r.Inputs {
		ssim, psnr, mse := gateMetrics(in)
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bunker_run_inputs (run_id, input, status, error_kind, output, duration_ms, ssim, psnr, mse)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.RunID, in.Input, string(in.Status), in.ErrorKind, in.Output, in.DurationMS, ssim, psnr, mse,
		)
		if err != nil {
			return fmt.Errorf("record input %s: %w", in.Input, err)
		}
	}
	return tx.Commit()
}

// gateMetrics returns the measured quality of an input, or NULLs when no
// gate compared it.
func gateMetrics(in pipeline.InputReport) (ssim, psnr, mse sql.NullFloat64) {
	for _, g := range in.Gates {
		if g.Metrics == nil {
			continue
		}
		m := g.Metrics
		return sql.NullFloat64{Float64: float64(m.SSIM), Valid: true},
			sql.NullFloat64{Float64: float64(m.PSNR), Valid: true},
			sql.NullFloat64{Float64: float64(m.MSE), Valid: true}
	}
	return
}

// ListRuns returns the most recent runs first. A limit <= 0 means no limit.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT run_id, label, recipe_fingerprint, device_policy, started_at, duration_ms,
	                 total, succeeded, failed, gate_failed, cancelled, downgrades
	          FROM bunker_runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var s RunSummary
		if err := rows.Scan(&s.RunID, &s.Label, &s.RecipeFingerprint, &s.DevicePolicy, &s.StartedAt, &s.DurationMS,
			&s.Total, &s.Succeeded, &s.Failed, &s.GateFailed, &s.Cancelled, &s.Downgrades); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, s)
	}
	return runs, rows.Err()
}

// GetRun returns the full stored report for runID.
func (d *DB) GetRun(ctx context.Context, runID string) (*pipeline.RunReport, error) {
	var raw []byte
	err := d.conn.QueryRowContext(ctx, `SELECT report FROM bunker_runs WHERE run_id = $1`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var r pipeline.RunReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &r, nil
}

// InputHistory returns the recorded outcomes for one input path across
// runs, newest first.
func (d *DB) InputHistory(ctx context.Context, input string, limit int) ([]InputRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.QueryContext(ctx,
		`SELECT i.run_id, i.input, i.status, i.error_kind, i.output, i.duration_ms, i.ssim, i.psnr, i.mse, r.started_at
		 FROM bunker_run_inputs i JOIN bunker_runs r ON r.run_id = i.run_id
		 WHERE i.input = $1 ORDER BY r.started_at DESC LIMIT $2`,
		input, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("input history: %w", err)
	}
	defer rows.Close()

	var out []InputRecord
	for rows.Next() {
		var rec InputRecord
		var ssim, psnr, mse sql.NullFloat64
		if err := rows.Scan(&rec.RunID, &rec.Input, &rec.Status, &rec.ErrorKind, &rec.Output, &rec.DurationMS,
			&ssim, &psnr, &mse, &rec.StartedAt); err != nil {
			return nil, fmt.Errorf("scan input: %w", err)
		}
		rec.SSIM = nullFloat(ssim)
		rec.PSNR = nullFloat(psnr)
		rec.MSE = nullFloat(mse)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteRun removes a run and its input rows.
func (d *DB) DeleteRun(ctx context.Context, runID string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM bunker_runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
