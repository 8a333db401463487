package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// Sample is one processed input as seen by the aggregations.
type Sample struct {
	Fingerprint string
	Status      string
	DurationMS  int64
	SSIM        *float64
	StartedAt   time.Time
}

// StatusDuration holds duration stats for inputs that ended in one status.
type StatusDuration struct {
	Status string  `json:"status"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
}

// RecipeOutcome holds per-recipe outcome rates.
type RecipeOutcome struct {
	Fingerprint string   `json:"recipe_fingerprint"`
	Total       int      `json:"total"`
	Success     float64  `json:"success_pct"`
	GateFailed  float64  `json:"gate_failed_pct"`
	Failed      float64  `json:"failed_pct"`
	AvgSSIM     *float64 `json:"avg_ssim,omitempty"`
}

// Throughput holds processed input counts for one ISO week.
type Throughput struct {
	Period     string  `json:"period"`
	Inputs     int     `json:"inputs"`
	Succeeded  int     `json:"succeeded"`
	GateFailed int     `json:"gate_failed"`
	Failed     int     `json:"failed"`
	AvgMS      float64 `json:"avg_duration_ms"`
}

// Stats bundles every aggregation.
type Stats struct {
	Durations  []StatusDuration `json:"durations"`
	Recipes    []RecipeOutcome  `json:"recipes"`
	Throughput []Throughput     `json:"throughput"`
}

// Compute aggregates samples.
func Compute(samples []Sample) Stats {
	return Stats{
		Durations:  StatusDurations(samples),
		Recipes:    RecipeOutcomes(samples),
		Throughput: WeeklyThroughput(samples, 10),
	}
}

// SamplesFromReports flattens stored run reports into samples. Reports
// that started before since are skipped; a zero since keeps everything.
func SamplesFromReports(reports []pipeline.RunReport, since time.Time) []Sample {
	var out []Sample
	for _, r := range reports {
		if !since.IsZero() && r.StartedAt.Before(since) {
			continue
		}
		for _, in := range r.Inputs {
			s := Sample{
				Fingerprint: r.Fingerprint,
				Status:      string(in.Status),
				DurationMS:  in.DurationMS,
				StartedAt:   r.StartedAt,
			}
			for _, g := range in.Gates {
				if g.Metrics != nil {
					v := float64(g.Metrics.SSIM)
					s.SSIM = &v
					break
				}
			}
			out = append(out, s)
		}
	}
	return out
}

// QuerySamples loads samples from the run-history tables.
func QuerySamples(ctx context.Context, database DB, since time.Time) ([]Sample, error) {
	query := `
		SELECT r.recipe_fingerprint, i.status, i.duration_ms, i.ssim, r.started_at
		FROM bunker_run_inputs i
		JOIN bunker_runs r ON r.run_id = i.run_id`

	args := []any{}
	if !since.IsZero() {
		query += ` WHERE r.started_at >= $1`
		args = append(args, since)
	}

	rows, err := database.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query input samples: %w", err)
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var s Sample
		var ssim sql.NullFloat64
		if err := rows.Scan(&s.Fingerprint, &s.Status, &s.DurationMS, &ssim, &s.StartedAt); err != nil {
			return nil, fmt.Errorf("scan input sample: %w", err)
		}
		if ssim.Valid {
			v := ssim.Float64
			s.SSIM = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StatusDurations returns average and percentile durations per status.
func StatusDurations(samples []Sample) []StatusDuration {
	byStatus := make(map[string][]float64)
	for _, s := range samples {
		byStatus[s.Status] = append(byStatus[s.Status], float64(s.DurationMS))
	}

	var results []StatusDuration
	for status, durations := range byStatus {
		sort.Float64s(durations)
		results = append(results, StatusDuration{
			Status: status,
			Count:  len(durations),
			Avg:    avg(durations),
			P50:    percentile(durations, 50),
			P95:    percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Status < results[j].Status
	})
	return results
}

// RecipeOutcomes returns outcome rates per recipe fingerprint, busiest
// recipe first.
func RecipeOutcomes(samples []Sample) []RecipeOutcome {
	type counts struct {
		total, success, gateFailed, failed int
		ssim                               []float64
	}
	byRecipe := make(map[string]*counts)
	for _, s := range samples {
		c, ok := byRecipe[s.Fingerprint]
		if !ok {
			c = &counts{}
			byRecipe[s.Fingerprint] = c
		}
		c.total++
		switch pipeline.InputStatus(s.Status) {
		case pipeline.StatusSuccess:
			c.success++
		case pipeline.StatusGateFailed:
			c.gateFailed++
		case pipeline.StatusFailed:
			c.failed++
		}
		if s.SSIM != nil && !math.IsInf(*s.SSIM, 0) && !math.IsNaN(*s.SSIM) {
			c.ssim = append(c.ssim, *s.SSIM)
		}
	}

	var results []RecipeOutcome
	for fp, c := range byRecipe {
		ro := RecipeOutcome{
			Fingerprint: fp,
			Total:       c.total,
			Success:     pct(c.success, c.total),
			GateFailed:  pct(c.gateFailed, c.total),
			Failed:      pct(c.failed, c.total),
		}
		if len(c.ssim) > 0 {
			var sum float64
			for _, v := range c.ssim {
				sum += v
			}
			mean := math.Round(sum/float64(len(c.ssim))*10000) / 10000
			ro.AvgSSIM = &mean
		}
		results = append(results, ro)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		return results[i].Fingerprint < results[j].Fingerprint
	})
	return results
}

// WeeklyThroughput groups samples by ISO week, newest first, keeping at
// most limit periods.
func WeeklyThroughput(samples []Sample, limit int) []Throughput {
	type bucket struct {
		t         Throughput
		durations []float64
	}
	byWeek := make(map[string]*bucket)
	for _, s := range samples {
		year, week := s.StartedAt.UTC().ISOWeek()
		period := fmt.Sprintf("%d-W%02d", year, week)
		b, ok := byWeek[period]
		if !ok {
			b = &bucket{t: Throughput{Period: period}}
			byWeek[period] = b
		}
		b.t.Inputs++
		switch pipeline.InputStatus(s.Status) {
		case pipeline.StatusSuccess:
			b.t.Succeeded++
		case pipeline.StatusGateFailed:
			b.t.GateFailed++
		case pipeline.StatusFailed:
			b.t.Failed++
		}
		b.durations = append(b.durations, float64(s.DurationMS))
	}

	var results []Throughput
	for _, b := range byWeek {
		b.t.AvgMS = avg(b.durations)
		results = append(results, b.t)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
