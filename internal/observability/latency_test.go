package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestLatencies(t *testing.T, limit int) (*recentLatencies, *fakeClock, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "stage_latency_ms",
		Help: "test",
	}, []string{"stage", "outcome"})
	reg.MustRegister(hist)

	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newRecentLatencies(time.Minute, limit, hist)
	r.now = clock.now
	return r, clock, reg
}

func TestRecentLatenciesSummarizesByStageAndOutcome(t *testing.T) {
	r, _, _ := newTestLatencies(t, 64)
	for _, ms := range []int{900, 500, 1300, 700} {
		r.observe(StageCommitToFirstAudio, OutcomeOK, time.Duration(ms)*time.Millisecond)
	}
	r.observe(StageUpstreamConnect, OutcomeFailed, 30*time.Second)
	r.observe("", OutcomeOK, time.Second)
	r.observe(StageUpstreamConnect, OutcomeOK, -time.Second)

	snap := r.snapshot()
	if snap.WindowSeconds != 60 {
		t.Fatalf("WindowSeconds = %d, want 60", snap.WindowSeconds)
	}
	if len(snap.Buckets) != 2 {
		t.Fatalf("len(Buckets) = %d, want 2: %+v", len(snap.Buckets), snap.Buckets)
	}

	first := snap.Buckets[0]
	if first.Stage != StageCommitToFirstAudio || first.Outcome != OutcomeOK {
		t.Fatalf("Buckets[0] = %s/%s, want %s/ok", first.Stage, first.Outcome, StageCommitToFirstAudio)
	}
	if first.Count != 4 || first.MaxMS != 1300 {
		t.Fatalf("Count/Max = %d/%.0f, want 4/1300", first.Count, first.MaxMS)
	}
	if first.P50MS != 700 || first.P90MS != 1300 || first.P99MS != 1300 {
		t.Fatalf("P50/P90/P99 = %.0f/%.0f/%.0f, want 700/1300/1300", first.P50MS, first.P90MS, first.P99MS)
	}
	if first.BudgetMS != 1200 || first.OverBudget != 1 {
		t.Fatalf("Budget/Over = %.0f/%d, want 1200/1", first.BudgetMS, first.OverBudget)
	}

	failed := snap.Buckets[1]
	if failed.Stage != StageUpstreamConnect || failed.Outcome != OutcomeFailed {
		t.Fatalf("Buckets[1] = %s/%s, want %s/failed", failed.Stage, failed.Outcome, StageUpstreamConnect)
	}
	if failed.BudgetMS != 0 || failed.OverBudget != 0 {
		t.Fatalf("failed samples carry a budget: %+v", failed)
	}
}

func TestRecentLatenciesExpireAndCap(t *testing.T) {
	r, clock, _ := newTestLatencies(t, 3)
	r.observe(StageResponseTotal, OutcomeOK, time.Second)
	clock.t = clock.t.Add(90 * time.Second)
	if got := len(r.snapshot().Buckets); got != 0 {
		t.Fatalf("len(Buckets) after window = %d, want 0", got)
	}

	for i := 1; i <= 5; i++ {
		r.observe(StageResponseTotal, OutcomeOK, time.Duration(i)*time.Second)
	}
	b := r.snapshot().Buckets[0]
	if b.Count != 3 {
		t.Fatalf("Count = %d, want 3", b.Count)
	}
	if b.P50MS != 4000 || b.MaxMS != 5000 {
		t.Fatalf("P50/Max = %.0f/%.0f, want 4000/5000", b.P50MS, b.MaxMS)
	}
}

func TestRecentLatenciesFeedHistogram(t *testing.T) {
	r, clock, reg := newTestLatencies(t, 64)
	r.observe(StageUpstreamConnect, OutcomeOK, 200*time.Millisecond)
	r.observe(StageUpstreamConnect, OutcomeOK, 400*time.Millisecond)
	clock.t = clock.t.Add(time.Hour)
	r.observe(StageUpstreamConnect, OutcomeFailed, time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	counts := map[string]uint64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			outcome := ""
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" {
					outcome = lp.GetValue()
				}
			}
			counts[outcome] = m.GetHistogram().GetSampleCount()
		}
	}
	if counts[OutcomeOK] != 2 || counts[OutcomeFailed] != 1 {
		t.Fatalf("histogram counts = %v, want ok=2 failed=1", counts)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageUpstreamConnect, OutcomeOK, time.Second)
	m.ObserveSessionEvent("created")
	if snap := m.SnapshotLatency(); len(snap.Buckets) != 0 {
		t.Fatalf("nil SnapshotLatency returned buckets")
	}
}
