package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Relay stages with recorded latencies.
const (
	StageUpstreamConnect    = "upstream_connect"
	StageCommitToFirstAudio = "commit_to_first_audio"
	StageResponseTotal      = "response_total"
)

// Outcomes recorded alongside a latency sample.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Budgets for successful samples; a stage without one is reported without
// over_budget counts.
var stageBudgetMS = map[string]float64{
	StageUpstreamConnect:    1500,
	StageCommitToFirstAudio: 1200,
	StageResponseTotal:      6000,
}

// LatencyBucket summarizes the recent samples of one stage and outcome.
type LatencyBucket struct {
	Stage      string  `json:"stage"`
	Outcome    string  `json:"outcome"`
	Count      int     `json:"count"`
	MaxMS      float64 `json:"max_ms"`
	P50MS      float64 `json:"p50_ms"`
	P90MS      float64 `json:"p90_ms"`
	P99MS      float64 `json:"p99_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt   time.Time       `json:"generated_at"`
	WindowSeconds int64           `json:"window_seconds"`
	Buckets       []LatencyBucket `json:"buckets"`
}

type stageKey struct {
	stage   string
	outcome string
}

type sample struct {
	at time.Time
	ms float64
}

// recentLatencies keeps the samples seen in the last window, at most limit
// per stage and outcome, and mirrors every sample into hist.
type recentLatencies struct {
	window time.Duration
	limit  int
	now    func() time.Time
	hist   *prometheus.HistogramVec

	mu      sync.Mutex
	samples map[stageKey][]sample
}

func newRecentLatencies(window time.Duration, limit int, hist *prometheus.HistogramVec) *recentLatencies {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if limit <= 0 {
		limit = 512
	}
	return &recentLatencies{
		window:  window,
		limit:   limit,
		now:     time.Now,
		hist:    hist,
		samples: make(map[stageKey][]sample),
	}
}

func (r *recentLatencies) observe(stage, outcome string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	if outcome == "" {
		outcome = OutcomeOK
	}
	ms := float64(d) / float64(time.Millisecond)
	if r.hist != nil {
		r.hist.WithLabelValues(stage, outcome).Observe(ms)
	}

	now := r.now()
	k := stageKey{stage: stage, outcome: outcome}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := append(dropBefore(r.samples[k], now.Add(-r.window)), sample{at: now, ms: ms})
	if len(kept) > r.limit {
		kept = append([]sample(nil), kept[len(kept)-r.limit:]...)
	}
	r.samples[k] = kept
}

func (r *recentLatencies) snapshot() LatencySnapshot {
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	buckets := make([]LatencyBucket, 0, len(r.samples))
	for k, s := range r.samples {
		s = dropBefore(s, cutoff)
		if len(s) == 0 {
			delete(r.samples, k)
			continue
		}
		r.samples[k] = s
		values := make([]float64, len(s))
		for i, v := range s {
			values[i] = v.ms
		}
		buckets = append(buckets, summarize(k, values))
	}
	r.mu.Unlock()

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Stage != buckets[j].Stage {
			return buckets[i].Stage < buckets[j].Stage
		}
		return buckets[i].Outcome < buckets[j].Outcome
	})
	return LatencySnapshot{
		GeneratedAt:   now.UTC(),
		WindowSeconds: int64(r.window / time.Second),
		Buckets:       buckets,
	}
}

// dropBefore trims samples older than cutoff. Samples are in arrival order.
func dropBefore(s []sample, cutoff time.Time) []sample {
	i := sort.Search(len(s), func(i int) bool { return !s[i].at.Before(cutoff) })
	return s[i:]
}

func summarize(k stageKey, values []float64) LatencyBucket {
	sort.Float64s(values)
	b := LatencyBucket{
		Stage:   k.stage,
		Outcome: k.outcome,
		Count:   len(values),
		MaxMS:   values[len(values)-1],
		P50MS:   nearestRank(values, 50),
		P90MS:   nearestRank(values, 90),
		P99MS:   nearestRank(values, 99),
	}
	if budget, ok := stageBudgetMS[k.stage]; ok && k.outcome == OutcomeOK {
		b.BudgetMS = budget
		for _, v := range values {
			if v > budget {
				b.OverBudget++
			}
		}
	}
	return b
}

// nearestRank returns the smallest sample with at least p percent of the
// samples at or below it.
func nearestRank(sorted []float64, p int) float64 {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
