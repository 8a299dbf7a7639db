// Package metrics maintains the rolling window of per-provider request
// samples the selector and observability surfaces consume (spec §4.5).
package metrics

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/prometheus/client_golang/prometheus"
)

// ProviderStats is a point-in-time snapshot for one provider, returned
// by Collector.Snapshot.
type ProviderStats struct {
	Provider     string
	RequestCount int
	SuccessCount int
	ErrorCount   int

	AvgTTFTMillis    float64 // 0 if no samples observed
	HasTTFT          bool
	AvgDurationMillis float64
	AvgTokensPerSec  float64
	HasTPS           bool

	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCost         float64
}

type sample struct {
	at    time.Time
	value float64
}

// providerState accumulates raw samples for one provider within the
// rolling window. All fields are guarded by the owning stripe's mutex.
type providerState struct {
	requestCount int
	successCount int
	errorCount   int

	ttft     []sample
	duration []sample
	tps      []sample

	totalInputTokens  int64
	totalOutputTokens int64
	totalCost         float64
}

// stripe groups a subset of providers under one mutex. Splitting the
// provider map into independently-locked stripes means concurrent
// record_* calls for two different providers hitting the same stripe
// are rare — see rendezvous hashing below — instead of every request in
// the process serializing on one global lock (spec §5: "Metrics
// collector: concurrent writers ... append-only buffers with periodic
// eviction").
type stripe struct {
	mu        sync.Mutex
	providers map[string]*providerState
}

// Collector is the rolling-window metrics store.
type Collector struct {
	window  time.Duration
	stripes []*stripe
	ring    *rendezvous.Rendezvous

	now func() time.Time

	promRequests *prometheus.CounterVec
	promErrors   *prometheus.CounterVec
	promTTFT     *prometheus.HistogramVec
	promDuration *prometheus.HistogramVec
	promTPS      *prometheus.HistogramVec
}

// New builds a Collector with numStripes independent lock domains and a
// window-duration rolling horizon. reg may be nil to skip Prometheus
// registration (e.g. in unit tests that construct multiple collectors).
func New(window time.Duration, numStripes int, reg prometheus.Registerer) *Collector {
	if numStripes < 1 {
		numStripes = 1
	}
	nodes := make([]string, numStripes)
	stripes := make([]*stripe, numStripes)
	for i := range stripes {
		nodes[i] = strconv.Itoa(i)
		stripes[i] = &stripe{providers: make(map[string]*providerState)}
	}

	c := &Collector{
		window:  window,
		stripes: stripes,
		ring:    rendezvous.New(nodes, func(s string) uint64 { return xxhashSeed(s, 0) }),
		now:     time.Now,

		promRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_requests_total",
			Help: "Total dispatch attempts per provider.",
		}, []string{"provider"}),
		promErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Total failed dispatch attempts per provider, labeled by upstream status.",
		}, []string{"provider", "status"}),
		promTTFT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_ttft_seconds",
			Help:    "Time to first token observed from a provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "dialect"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_duration_seconds",
			Help:    "End-to-end dispatch duration per provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		promTPS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_provider_tokens_per_second",
			Help:    "Output tokens per second observed per provider.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 200, 400},
		}, []string{"provider"}),
	}

	if reg != nil {
		reg.MustRegister(c.promRequests, c.promErrors, c.promTTFT, c.promDuration, c.promTPS)
	}

	return c
}

func xxhashSeed(s string, seed uint64) uint64 {
	h := xxhash.New()
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(seed >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(s))
	return h.Sum64()
}

func (c *Collector) stripeFor(provider string) *stripe {
	idx, _ := strconv.Atoi(c.ring.Lookup(provider))
	return c.stripes[idx]
}

func (c *Collector) stateFor(s *stripe, provider string) *providerState {
	ps, ok := s.providers[provider]
	if !ok {
		ps = &providerState{}
		s.providers[provider] = ps
	}
	return ps
}

// RecordStart records one dispatch attempt against provider.
func (c *Collector) RecordStart(provider string) {
	s := c.stripeFor(provider)
	s.mu.Lock()
	c.stateFor(s, provider).requestCount++
	s.mu.Unlock()

	c.promRequests.WithLabelValues(provider).Inc()
}

// RecordFirstToken records a time-to-first-token observation. dialect
// identifies which side of the pipeline observed it (provider vs
// client) per spec §4.8 — only provider-side observations feed the
// selector's latency strategy.
func (c *Collector) RecordFirstToken(provider, dialectOfObservation string, elapsed time.Duration) {
	s := c.stripeFor(provider)
	s.mu.Lock()
	ps := c.stateFor(s, provider)
	if dialectOfObservation == "provider" {
		ps.ttft = append(ps.ttft, sample{at: c.now(), value: float64(elapsed.Milliseconds())})
	}
	s.mu.Unlock()

	c.promTTFT.WithLabelValues(provider, dialectOfObservation).Observe(elapsed.Seconds())
}

// RecordSuccess records a completed dispatch: its duration, total
// tokens produced (for tokens-per-second), and its computed cost.
func (c *Collector) RecordSuccess(provider string, duration time.Duration, outputTokens int, inputTokens int, cost float64) {
	s := c.stripeFor(provider)
	now := c.now()

	s.mu.Lock()
	ps := c.stateFor(s, provider)
	ps.successCount++
	ps.duration = append(ps.duration, sample{at: now, value: float64(duration.Milliseconds())})
	if duration > 0 && outputTokens > 0 {
		tps := float64(outputTokens) / duration.Seconds()
		ps.tps = append(ps.tps, sample{at: now, value: tps})
	}
	ps.totalInputTokens += int64(inputTokens)
	ps.totalOutputTokens += int64(outputTokens)
	ps.totalCost += cost
	s.mu.Unlock()

	c.promDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if duration > 0 && outputTokens > 0 {
		c.promTPS.WithLabelValues(provider).Observe(float64(outputTokens) / duration.Seconds())
	}
}

// RecordFailure records a failed dispatch, labeled by upstream status.
func (c *Collector) RecordFailure(provider string, httpStatus int) {
	s := c.stripeFor(provider)
	s.mu.Lock()
	c.stateFor(s, provider).errorCount++
	s.mu.Unlock()

	c.promErrors.WithLabelValues(provider, strconv.Itoa(httpStatus)).Inc()
}

// Snapshot returns ProviderStats for every provider with at least one
// sample, evicting samples older than the rolling window first.
func (c *Collector) Snapshot() []ProviderStats {
	cutoff := c.now().Add(-c.window)
	var out []ProviderStats

	for _, s := range c.stripes {
		s.mu.Lock()
		for provider, ps := range s.providers {
			ps.ttft = evict(ps.ttft, cutoff)
			ps.duration = evict(ps.duration, cutoff)
			ps.tps = evict(ps.tps, cutoff)

			stat := ProviderStats{
				Provider:          provider,
				RequestCount:      ps.requestCount,
				SuccessCount:      ps.successCount,
				ErrorCount:        ps.errorCount,
				TotalInputTokens:  ps.totalInputTokens,
				TotalOutputTokens: ps.totalOutputTokens,
				TotalCost:         ps.totalCost,
			}
			if avg, ok := mean(ps.ttft); ok {
				stat.AvgTTFTMillis, stat.HasTTFT = avg, true
			}
			if avg, ok := mean(ps.duration); ok {
				stat.AvgDurationMillis = avg
			}
			if avg, ok := mean(ps.tps); ok {
				stat.AvgTokensPerSec, stat.HasTPS = avg, true
			}
			out = append(out, stat)
		}
		s.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// SnapshotOne returns the stats for a single provider, with HasTTFT and
// HasTPS false and zero counts if nothing has been recorded yet.
func (c *Collector) SnapshotOne(provider string) ProviderStats {
	s := c.stripeFor(provider)
	cutoff := c.now().Add(-c.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.providers[provider]
	if !ok {
		return ProviderStats{Provider: provider}
	}
	ps.ttft = evict(ps.ttft, cutoff)
	ps.duration = evict(ps.duration, cutoff)
	ps.tps = evict(ps.tps, cutoff)

	stat := ProviderStats{
		Provider:          provider,
		RequestCount:      ps.requestCount,
		SuccessCount:      ps.successCount,
		ErrorCount:        ps.errorCount,
		TotalInputTokens:  ps.totalInputTokens,
		TotalOutputTokens: ps.totalOutputTokens,
		TotalCost:         ps.totalCost,
	}
	if avg, ok := mean(ps.ttft); ok {
		stat.AvgTTFTMillis, stat.HasTTFT = avg, true
	}
	if avg, ok := mean(ps.tps); ok {
		stat.AvgTokensPerSec, stat.HasTPS = avg, true
	}
	return stat
}

func evict(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append([]sample(nil), samples[i:]...)
}

func mean(samples []sample) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += s.value
	}
	return sum / float64(len(samples)), true
}
