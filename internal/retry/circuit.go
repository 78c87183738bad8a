package retry

import (
	"sync"
	"time"
)

// breakerState tracks one host's consecutive failures and when the last
// failure was recorded.
type breakerState struct {
	failures    int
	lastFailure time.Time
}

// breakerTable holds per-host circuit breakers. A breaker opens after
// threshold consecutive failures and re-closes once openFor has elapsed
// since the last recorded failure. Failures recorded while the breaker is
// open push the window out.
type breakerTable struct {
	mu        sync.Mutex
	hosts     map[string]*breakerState
	threshold int
	openFor   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

func newBreakerTable(threshold int, openFor time.Duration) *breakerTable {
	return &breakerTable{
		hosts:     make(map[string]*breakerState),
		threshold: threshold,
		openFor:   openFor,
		now:       time.Now,
	}
}

// isOpen reports whether the host's breaker currently refuses traffic.
// An expired open window closes the breaker and resets its failure count,
// so the next real request acts as the probe.
func (b *breakerTable) isOpen(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.hosts[host]
	if !ok || state.failures < b.threshold {
		return false
	}
	if b.now().Sub(state.lastFailure) >= b.openFor {
		state.failures = 0
		state.lastFailure = time.Time{}
		return false
	}
	return true
}

// record notes one request outcome for the host. Success closes the breaker
// outright; every failure refreshes the last-failure time the open window
// is measured from.
func (b *breakerTable) record(host string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.hosts[host]
	if !ok {
		state = &breakerState{}
		b.hosts[host] = state
	}

	if success {
		state.failures = 0
		state.lastFailure = time.Time{}
		return
	}

	state.failures++
	state.lastFailure = b.now()
}

// openHosts returns the hosts whose breakers are currently open.
func (b *breakerTable) openHosts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []string
	for host, state := range b.hosts {
		if state.failures >= b.threshold && b.now().Sub(state.lastFailure) < b.openFor {
			open = append(open, host)
		}
	}
	return open
}
