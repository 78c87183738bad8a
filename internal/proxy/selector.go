package proxy

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy names a rotation strategy.
type Strategy string

// Available rotation strategies.
const (
	// StrategyRoundRobin cycles through healthy endpoints in order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyRandom picks a healthy endpoint uniformly at random.
	StrategyRandom Strategy = "random"

	// StrategyWeighted favors endpoints with a high success rate and low
	// average latency.
	StrategyWeighted Strategy = "weighted"
)

// DefaultMaxFailures is the cumulative failure count that quarantines an
// endpoint. Releasing an endpoint resets its count.
const DefaultMaxFailures = 3

// minAvgLatency floors the latency term of the weighted strategy so an
// endpoint with almost no latency data cannot dominate the pool.
const minAvgLatency = 0.1

// Options configures a Selector.
type Options struct {
	// Strategy selects the rotation strategy. Defaults to round-robin.
	Strategy Strategy

	// MaxFailures is the cumulative failure count that quarantines an
	// endpoint.
	MaxFailures int
}

// endpointStats tracks one endpoint's health. failures accumulates across
// successes and resets only when the endpoint is released from quarantine.
type endpointStats struct {
	successes    int
	failures     int
	totalLatency time.Duration

	quarantined   bool
	quarantinedAt time.Time
}

// successRate returns the fraction of successful requests, optimistically
// 1.0 for an endpoint with no history.
func (s *endpointStats) successRate() float64 {
	total := s.successes + s.failures
	if total == 0 {
		return 1.0
	}
	return float64(s.successes) / float64(total)
}

// avgLatencySeconds returns the mean observed latency, floored so the
// weighted strategy stays bounded.
func (s *endpointStats) avgLatencySeconds() float64 {
	if s.successes == 0 {
		return minAvgLatency
	}
	avg := s.totalLatency.Seconds() / float64(s.successes)
	if avg < minAvgLatency {
		return minAvgLatency
	}
	return avg
}

// EndpointStats is a point-in-time view of one endpoint, for reporting.
type EndpointStats struct {
	Display     string
	Successes   int
	Failures    int
	SuccessRate float64
	Quarantined bool
}

// Selector hands out proxy endpoints per request. It is safe for concurrent
// use.
type Selector struct {
	mu        sync.Mutex
	endpoints []Endpoint
	stats     []*endpointStats
	next      int
	sessions  map[string]int

	strategy    Strategy
	maxFailures int
	logger      *slog.Logger

	// Injection points for tests.
	randIntn  func(n int) int
	randFloat func() float64
	now       func() time.Time
}

// NewSelector creates a Selector over the given endpoints. logger may be
// nil to use the default logger.
func NewSelector(endpoints []Endpoint, opts Options, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}

	stats := make([]*endpointStats, len(endpoints))
	for i := range stats {
		stats[i] = &endpointStats{}
	}

	return &Selector{
		endpoints:   endpoints,
		stats:       stats,
		sessions:    make(map[string]int),
		strategy:    opts.Strategy,
		maxFailures: opts.MaxFailures,
		logger:      logger,
		randIntn:    rand.Intn,       //nolint:gosec // rotation needs no cryptographic randomness
		randFloat:   rand.Float64,    //nolint:gosec // rotation needs no cryptographic randomness
		now:         time.Now,
	}
}

// Select returns the endpoint for this request. A non-empty sessionID pins
// the session to one endpoint until that endpoint is quarantined. ok is
// false only when the pool is empty; requests then go out direct.
func (s *Selector) Select(sessionID string) (Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.endpoints) == 0 {
		return Endpoint{}, false
	}

	if sessionID != "" {
		if idx, ok := s.sessions[sessionID]; ok {
			if !s.stats[idx].quarantined {
				return s.endpoints[idx], true
			}
			delete(s.sessions, sessionID)
		}
	}

	eligible := s.eligibleLocked()
	if len(eligible) == 0 {
		// Fail open: a fully quarantined pool clears itself and keeps
		// serving.
		s.logger.Warn("all proxies quarantined, clearing quarantine")
		for _, st := range s.stats {
			st.quarantined = false
			st.quarantinedAt = time.Time{}
			st.failures = 0
		}
		eligible = s.eligibleLocked()
	}

	idx := s.pickLocked(eligible)
	if sessionID != "" {
		s.sessions[sessionID] = idx
	}
	return s.endpoints[idx], true
}

// eligibleLocked returns the indexes of non-quarantined endpoints.
func (s *Selector) eligibleLocked() []int {
	eligible := make([]int, 0, len(s.endpoints))
	for i, st := range s.stats {
		if !st.quarantined {
			eligible = append(eligible, i)
		}
	}
	return eligible
}

// pickLocked applies the rotation strategy over the eligible indexes.
func (s *Selector) pickLocked(eligible []int) int {
	switch s.strategy {
	case StrategyRandom:
		return eligible[s.randIntn(len(eligible))]
	case StrategyWeighted:
		return s.pickWeightedLocked(eligible)
	default:
		// Round-robin: the first eligible index at or after the cursor.
		for range len(s.endpoints) {
			pos := s.next % len(s.endpoints)
			s.next++
			for _, idx := range eligible {
				if idx == pos {
					return pos
				}
			}
		}
		return eligible[0]
	}
}

// pickWeightedLocked does a roulette-wheel pick where an endpoint's weight
// is its success rate over its average latency.
func (s *Selector) pickWeightedLocked(eligible []int) int {
	weights := make([]float64, len(eligible))
	total := 0.0
	for i, idx := range eligible {
		st := s.stats[idx]
		weights[i] = st.successRate() / st.avgLatencySeconds()
		total += weights[i]
	}
	if total <= 0 {
		return eligible[s.randIntn(len(eligible))]
	}

	target := s.randFloat() * total
	for i, w := range weights {
		target -= w
		if target <= 0 {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// RecordOutcome feeds one request outcome back into the pool. latency is
// only meaningful for successes and may be zero otherwise.
func (s *Selector) RecordOutcome(ep Endpoint, success bool, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.endpoints {
		if s.endpoints[i].URL == ep.URL {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	st := s.stats[idx]
	if success {
		st.successes++
		st.totalLatency += latency
		return
	}

	st.failures++
	if !st.quarantined && st.failures >= s.maxFailures {
		st.quarantined = true
		st.quarantinedAt = s.now()
		s.logger.Warn("proxy quarantined",
			slog.String("proxy", s.endpoints[idx].Display),
			slog.Int("failures", st.failures))
		s.releaseOldestLocked()
	}
}

// releaseOldestLocked releases the longest-quarantined half of the pool
// once quarantine covers more than half of it.
func (s *Selector) releaseOldestLocked() {
	var quarantined []int
	for i, st := range s.stats {
		if st.quarantined {
			quarantined = append(quarantined, i)
		}
	}
	if len(quarantined)*2 <= len(s.endpoints) {
		return
	}

	sort.Slice(quarantined, func(a, b int) bool {
		return s.stats[quarantined[a]].quarantinedAt.Before(s.stats[quarantined[b]].quarantinedAt)
	})
	release := len(quarantined) / 2
	for _, idx := range quarantined[:release] {
		st := s.stats[idx]
		st.quarantined = false
		st.quarantinedAt = time.Time{}
		st.failures = 0
	}
	if release > 0 {
		s.logger.Info("released quarantined proxies", slog.Int("released", release))
	}
}

// Release lifts the quarantine of one endpoint and resets its failure
// count, typically after an active health probe succeeded.
func (s *Selector) Release(ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.endpoints {
		if s.endpoints[i].URL == ep.URL {
			st := s.stats[i]
			st.quarantined = false
			st.quarantinedAt = time.Time{}
			st.failures = 0
			return
		}
	}
}

// Quarantined returns the endpoints currently in quarantine.
func (s *Selector) Quarantined() []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Endpoint
	for i, st := range s.stats {
		if st.quarantined {
			out = append(out, s.endpoints[i])
		}
	}
	return out
}

// Snapshot returns per-endpoint statistics for reporting.
func (s *Selector) Snapshot() []EndpointStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EndpointStats, len(s.endpoints))
	for i, st := range s.stats {
		out[i] = EndpointStats{
			Display:     s.endpoints[i].Display,
			Successes:   st.successes,
			Failures:    st.failures,
			SuccessRate: st.successRate(),
			Quarantined: st.quarantined,
		}
	}
	return out
}
