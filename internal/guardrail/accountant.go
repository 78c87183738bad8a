package guardrail

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors for guardrail breaches. ErrBudgetExceeded and
// ErrTooManyFailures are fatal: the run must stop.
var (
	// ErrRateLimited marks a request refused by a rate window. The request
	// may be retried later.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrBudgetExceeded marks a breached daily spend ceiling.
	ErrBudgetExceeded = errors.New("solve budget exceeded")

	// ErrTooManyFailures marks a breached consecutive failure cap.
	ErrTooManyFailures = errors.New("too many consecutive failures")
)

// DefaultSolveCost is the assumed cost of one solve in dollars.
const DefaultSolveCost = 0.002

// DefaultFailureThreshold is the consecutive failure count that aborts the
// run.
const DefaultFailureThreshold = 5

// Options configures an Accountant. A zero limit disables that ceiling.
type Options struct {
	// MaxPerHour caps requests per consumer in a sliding hour.
	MaxPerHour int

	// MaxPerDay caps requests per consumer in a sliding day.
	MaxPerDay int

	// MaxSpendPerDay is the daily solve spend ceiling in dollars.
	MaxSpendPerDay float64

	// SolveCost is the cost of one solve in dollars. Defaults to
	// DefaultSolveCost.
	SolveCost float64

	// FailureThreshold is the consecutive failure count that aborts the
	// run. Defaults to DefaultFailureThreshold.
	FailureThreshold int
}

// windows holds one consumer's request timestamps for both rate windows.
type windows struct {
	hour []time.Time
	day  []time.Time
}

// Stats is a point-in-time snapshot of accountant state.
type Stats struct {
	// TotalSpend is the accumulated solve spend in dollars.
	TotalSpend float64

	// RemainingBudget is the spend left under the daily ceiling, zero
	// when no ceiling is configured.
	RemainingBudget float64

	// Requests maps consumer names to their request count in the sliding
	// day window.
	Requests map[string]int

	// ConsecutiveFailures is the current run-wide failure streak.
	ConsecutiveFailures int
}

// Accountant tracks request rates, solve spend, and the run-wide failure
// streak. It is safe for concurrent use.
type Accountant struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	consumers map[string]*windows
	spend     float64
	failures  int

	// now is injectable for tests.
	now func() time.Time
}

// New creates an Accountant. logger may be nil to use the default logger.
func New(opts Options, logger *slog.Logger) *Accountant {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SolveCost <= 0 {
		opts.SolveCost = DefaultSolveCost
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	return &Accountant{
		opts:      opts,
		logger:    logger,
		consumers: make(map[string]*windows),
		now:       time.Now,
	}
}

// CheckRateLimit reports whether the consumer may send one more request.
// An allowed request is recorded against both windows; a refused one leaves
// the windows untouched and returns ErrRateLimited.
func (a *Accountant) CheckRateLimit(consumer string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.consumers[consumer]
	if !ok {
		w = &windows{}
		a.consumers[consumer] = w
	}

	w.hour = pruneBefore(w.hour, now.Add(-time.Hour))
	w.day = pruneBefore(w.day, now.Add(-24*time.Hour))

	if a.opts.MaxPerHour > 0 && len(w.hour) >= a.opts.MaxPerHour {
		a.logger.Error("hourly rate limit exceeded",
			slog.String("consumer", consumer),
			slog.Int("requests", len(w.hour)),
			slog.Int("limit", a.opts.MaxPerHour))
		return fmt.Errorf("%w: %d requests in the last hour for %s", ErrRateLimited, len(w.hour), consumer)
	}
	if a.opts.MaxPerDay > 0 && len(w.day) >= a.opts.MaxPerDay {
		a.logger.Error("daily rate limit exceeded",
			slog.String("consumer", consumer),
			slog.Int("requests", len(w.day)),
			slog.Int("limit", a.opts.MaxPerDay))
		return fmt.Errorf("%w: %d requests in the last day for %s", ErrRateLimited, len(w.day), consumer)
	}

	w.hour = append(w.hour, now)
	w.day = append(w.day, now)
	return nil
}

// RecordSolveCost adds one solve's cost to the running spend. Reaching the
// daily ceiling returns a wrapped ErrBudgetExceeded; the run must stop.
func (a *Accountant) RecordSolveCost() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.spend += a.opts.SolveCost
	if a.opts.MaxSpendPerDay > 0 && a.spend >= a.opts.MaxSpendPerDay {
		a.logger.Error("solve budget exceeded",
			slog.Float64("spend", a.spend),
			slog.Float64("limit", a.opts.MaxSpendPerDay))
		return fmt.Errorf("%w: $%.3f spent of $%.3f", ErrBudgetExceeded, a.spend, a.opts.MaxSpendPerDay)
	}
	return nil
}

// RecordFailure notes one failed request. Reaching the failure threshold
// returns a wrapped ErrTooManyFailures; the run must stop.
func (a *Accountant) RecordFailure() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.failures++
	if a.failures >= a.opts.FailureThreshold {
		a.logger.Error("consecutive failure cap reached", slog.Int("failures", a.failures))
		return fmt.Errorf("%w: %d in a row", ErrTooManyFailures, a.failures)
	}
	return nil
}

// RecordSuccess resets the run-wide failure streak.
func (a *Accountant) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failures > 0 {
		a.logger.Info("failure streak reset", slog.Int("failures", a.failures))
		a.failures = 0
	}
}

// Snapshot returns current accountant statistics.
func (a *Accountant) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	requests := make(map[string]int, len(a.consumers))
	for name, w := range a.consumers {
		requests[name] = countAfter(w.day, now.Add(-24*time.Hour))
	}

	remaining := 0.0
	if a.opts.MaxSpendPerDay > 0 {
		remaining = a.opts.MaxSpendPerDay - a.spend
		if remaining < 0 {
			remaining = 0
		}
	}

	return Stats{
		TotalSpend:          a.spend,
		RemainingBudget:     remaining,
		Requests:            requests,
		ConsecutiveFailures: a.failures,
	}
}

// countAfter reports how many timestamps fall after the cutoff without
// touching the slice.
func countAfter(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// pruneBefore drops timestamps at or before the cutoff, keeping order.
func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
