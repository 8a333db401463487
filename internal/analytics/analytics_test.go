package analytics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/bunkerconvert/internal/db"
	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/quality"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	url := os.Getenv("BUNKER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BUNKER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := db.Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func ssim(v float64) *float64 { return &v }

var monday = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

func sample(fp, status string, ms int64, at time.Time) Sample {
	return Sample{Fingerprint: fp, Status: status, DurationMS: ms, StartedAt: at}
}

// --- StatusDurations ---

func TestStatusDurations(t *testing.T) {
	samples := []Sample{
		sample("a", "success", 100, monday),
		sample("a", "success", 300, monday),
		sample("a", "failed", 50, monday),
	}
	results := StatusDurations(samples)
	if len(results) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(results))
	}
	if results[0].Status != "failed" || results[1].Status != "success" {
		t.Errorf("order = %s, %s", results[0].Status, results[1].Status)
	}
	s := results[1]
	if s.Count != 2 || s.Avg != 200 || s.P50 != 200 {
		t.Errorf("success = %+v", s)
	}
}

func TestStatusDurations_Empty(t *testing.T) {
	if results := StatusDurations(nil); len(results) != 0 {
		t.Errorf("expected no results, got %+v", results)
	}
}

// --- RecipeOutcomes ---

func TestRecipeOutcomes(t *testing.T) {
	withSSIM := func(s Sample, v float64) Sample { s.SSIM = ssim(v); return s }
	samples := []Sample{
		withSSIM(sample("busy", "success", 10, monday), 0.98),
		withSSIM(sample("busy", "gate_failed", 10, monday), 0.90),
		sample("busy", "failed", 10, monday),
		sample("busy", "success", 10, monday),
		sample("quiet", "success", 10, monday),
	}
	results := RecipeOutcomes(samples)
	if len(results) != 2 {
		t.Fatalf("expected 2 recipes, got %d", len(results))
	}
	busy := results[0]
	if busy.Fingerprint != "busy" || busy.Total != 4 {
		t.Fatalf("busiest recipe = %+v", busy)
	}
	if busy.Success != 50 || busy.GateFailed != 25 || busy.Failed != 25 {
		t.Errorf("rates = %+v", busy)
	}
	if busy.AvgSSIM == nil || *busy.AvgSSIM != 0.94 {
		t.Errorf("avg ssim = %v, want 0.94", busy.AvgSSIM)
	}
	if results[1].AvgSSIM != nil {
		t.Errorf("quiet recipe has no ssim samples, got %v", *results[1].AvgSSIM)
	}
}

// --- WeeklyThroughput ---

func TestWeeklyThroughput(t *testing.T) {
	samples := []Sample{
		sample("a", "success", 100, monday),
		sample("a", "gate_failed", 200, monday.Add(48*time.Hour)),
		sample("a", "success", 40, monday.Add(7*24*time.Hour)),
	}
	results := WeeklyThroughput(samples, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 weeks, got %+v", results)
	}
	if results[0].Period != "2024-W24" || results[1].Period != "2024-W23" {
		t.Errorf("periods = %s, %s", results[0].Period, results[1].Period)
	}
	first := results[1]
	if first.Inputs != 2 || first.Succeeded != 1 || first.GateFailed != 1 || first.AvgMS != 150 {
		t.Errorf("first week = %+v", first)
	}

	if got := WeeklyThroughput(samples, 1); len(got) != 1 || got[0].Period != "2024-W24" {
		t.Errorf("limited = %+v", got)
	}
}

// --- SamplesFromReports ---

func TestSamplesFromReports(t *testing.T) {
	old := pipeline.RunReport{RunID: "old", Fingerprint: "fp", StartedAt: monday.Add(-30 * 24 * time.Hour),
		Inputs: []pipeline.InputReport{{Input: "x.png", Status: pipeline.StatusSuccess}}}
	recent := pipeline.RunReport{RunID: "new", Fingerprint: "fp", StartedAt: monday,
		Inputs: []pipeline.InputReport{
			{Input: "a.png", Status: pipeline.StatusSuccess, DurationMS: 12,
				Gates: []quality.GateResult{{Passed: true, Metrics: &quality.Metrics{SSIM: 0.97}}}},
			{Input: "b.png", Status: pipeline.StatusFailed},
		}}

	samples := SamplesFromReports([]pipeline.RunReport{recent, old}, monday.Add(-time.Hour))
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples after the since filter, got %d", len(samples))
	}
	if samples[0].SSIM == nil || *samples[0].SSIM != 0.97 {
		t.Errorf("ssim = %v", samples[0].SSIM)
	}
	if samples[1].SSIM != nil {
		t.Errorf("failed input should carry no ssim")
	}
	if all := SamplesFromReports([]pipeline.RunReport{recent, old}, time.Time{}); len(all) != 3 {
		t.Errorf("zero since kept %d samples, want 3", len(all))
	}
}

func TestCompute(t *testing.T) {
	stats := Compute([]Sample{sample("a", "success", 10, monday)})
	if len(stats.Durations) != 1 || len(stats.Recipes) != 1 || len(stats.Throughput) != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// --- QuerySamples ---

func TestQuerySamples(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	report := &pipeline.RunReport{
		RunID:       uuid.NewString(),
		Fingerprint: "sha256:abc",
		Policy:      scheduler.PolicyCPU,
		StartedAt:   monday,
		FinishedAt:  monday.Add(time.Second),
		Inputs: []pipeline.InputReport{
			{Input: "a.png", Status: pipeline.StatusSuccess, DurationMS: 20,
				Gates: []quality.GateResult{{Passed: true, Metrics: &quality.Metrics{SSIM: 0.99, PSNR: 40, MSE: 1}}}},
			{Input: "b.png", Status: pipeline.StatusFailed, DurationMS: 5},
		},
	}
	report.Normalize()
	if err := d.RecordRun(ctx, report); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	samples, err := QuerySamples(ctx, d, time.Time{})
	if err != nil {
		t.Fatalf("QuerySamples: %v", err)
	}
	if len(samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(samples))
	}
	outcomes := RecipeOutcomes(samples)
	if len(outcomes) != 1 || outcomes[0].Success != 50 {
		t.Errorf("outcomes = %+v", outcomes)
	}

	later, err := QuerySamples(ctx, d, monday.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(later) != 0 {
		t.Errorf("since filter kept %d samples", len(later))
	}
}

// --- helpers ---

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg([10,20,30]) = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if p50 := percentile(values, 50); p50 != 5.5 {
		t.Errorf("p50 = %f, want 5.5", p50)
	}
	if p95 := percentile(values, 95); p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}

func TestPct(t *testing.T) {
	if v := pct(1, 4); v != 25.0 {
		t.Errorf("pct(1,4) = %f, want 25.0", v)
	}
	if v := pct(0, 0); v != 0.0 {
		t.Errorf("pct(0,0) = %f, want 0.0", v)
	}
}
