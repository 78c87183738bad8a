package retry

import (
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"time"
)

// Default controller knobs, matching the deployment values this system has
// run with in production.
const (
	DefaultMaxRetries         = 3
	DefaultBackoffBase        = 1.0
	DefaultBackoffMultiplier  = 2.0
	DefaultBackoffMax         = 60 * time.Second
	DefaultJitterFactor       = 0.1
	DefaultPriorityMultiplier = 1.5
	DefaultBreakerThreshold   = 5
	DefaultBreakerOpenFor     = 60 * time.Second
)

// defaultRetryStatuses are the response codes that trigger a retry.
func defaultRetryStatuses() []int {
	return []int{500, 502, 503, 504, 408, 429}
}

// Options configures a Controller. Zero fields take the defaults above.
type Options struct {
	// MaxRetries is how many times one request may go around again.
	MaxRetries int

	// RetryStatuses are the response codes treated as retryable.
	RetryStatuses []int

	// BackoffBase is the first retry delay in seconds.
	BackoffBase float64

	// BackoffMultiplier grows the delay per attempt.
	BackoffMultiplier float64

	// BackoffMax caps the computed delay before jitter.
	BackoffMax time.Duration

	// JitterFactor scales the symmetric multiplicative jitter. 0.1 means
	// the final delay lands within ten percent of the computed one.
	JitterFactor float64

	// PriorityMultiplier divides the delay of prioritized requests.
	PriorityMultiplier float64

	// BreakerThreshold is the consecutive failure count that opens a
	// host's circuit breaker.
	BreakerThreshold int

	// BreakerOpenFor is how long an open breaker refuses traffic.
	BreakerOpenFor time.Duration
}

// DefaultOptions returns the default controller options.
func DefaultOptions() Options {
	return Options{
		MaxRetries:         DefaultMaxRetries,
		RetryStatuses:      defaultRetryStatuses(),
		BackoffBase:        DefaultBackoffBase,
		BackoffMultiplier:  DefaultBackoffMultiplier,
		BackoffMax:         DefaultBackoffMax,
		JitterFactor:       DefaultJitterFactor,
		PriorityMultiplier: DefaultPriorityMultiplier,
		BreakerThreshold:   DefaultBreakerThreshold,
		BreakerOpenFor:     DefaultBreakerOpenFor,
	}
}

// Attempt describes one request at decision time.
type Attempt struct {
	// URL is the request URL; its host keys the circuit breaker.
	URL string

	// Attempt counts completed tries of this request, starting at 0.
	Attempt int

	// Priority above zero shortens the retry delay.
	Priority int

	// NonRetryable marks requests that must never go around again.
	NonRetryable bool
}

// Decision is the controller's verdict for one failed attempt.
type Decision struct {
	// Retry reports whether the request should go around again.
	Retry bool

	// Delay is how long to wait before the next attempt. Zero when Retry
	// is false.
	Delay time.Duration

	// Reason explains the verdict, for logging.
	Reason string
}

// Stats is a point-in-time snapshot of controller activity.
type Stats struct {
	// Decisions counts ShouldRetry calls.
	Decisions int

	// Retries counts verdicts that sent a request around again.
	Retries int

	// Exhausted counts requests dropped after the retry cap.
	Exhausted int

	// BreakerRefusals counts requests refused by an open breaker.
	BreakerRefusals int

	// OpenBreakers lists hosts whose breakers are currently open.
	OpenBreakers []string
}

// Controller decides retry verdicts and tracks per-host breaker state.
// It is safe for concurrent use.
type Controller struct {
	opts     Options
	statuses map[int]struct{}
	breakers *breakerTable
	logger   *slog.Logger

	// jitter returns a value in [-1, 1); injectable for tests.
	jitter func() float64

	mu              sync.Mutex
	decisions       int
	retries         int
	exhausted       int
	breakerRefusals int
}

// New creates a Controller. logger may be nil to use the default logger.
func New(opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if len(opts.RetryStatuses) == 0 {
		opts.RetryStatuses = def.RetryStatuses
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.BackoffBase
	}
	if opts.BackoffMultiplier <= 1 {
		opts.BackoffMultiplier = def.BackoffMultiplier
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	if opts.JitterFactor <= 0 {
		opts.JitterFactor = def.JitterFactor
	}
	if opts.PriorityMultiplier <= 1 {
		opts.PriorityMultiplier = def.PriorityMultiplier
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = def.BreakerThreshold
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = def.BreakerOpenFor
	}

	statuses := make(map[int]struct{}, len(opts.RetryStatuses))
	for _, code := range opts.RetryStatuses {
		statuses[code] = struct{}{}
	}

	return &Controller{
		opts:     opts,
		statuses: statuses,
		breakers: newBreakerTable(opts.BreakerThreshold, opts.BreakerOpenFor),
		logger:   logger,
		jitter:   func() float64 { return 2*rand.Float64() - 1 }, //nolint:gosec // jitter needs no cryptographic randomness
	}
}

// ShouldRetry returns the verdict for one failed attempt, described by the
// response status code (0 when the request never got a response) and the
// transport error (nil when a response arrived).
func (c *Controller) ShouldRetry(a Attempt, statusCode int, err error) Decision {
	c.mu.Lock()
	c.decisions++
	c.mu.Unlock()

	if a.NonRetryable {
		return Decision{Reason: "request marked non-retryable"}
	}

	host := hostOf(a.URL)
	if host != "" && c.breakers.isOpen(host) {
		c.mu.Lock()
		c.breakerRefusals++
		c.mu.Unlock()
		c.logger.Warn("circuit breaker open, refusing retry", slog.String("host", host))
		return Decision{Reason: "circuit breaker open for host"}
	}

	retryable := false
	reason := ""
	switch {
	case statusCode != 0:
		if _, ok := c.statuses[statusCode]; ok {
			retryable = true
			reason = "retryable status code"
		} else {
			reason = "status code not retryable"
		}
	case IsRetryableError(err):
		retryable = true
		reason = "retryable transport error"
	default:
		reason = "error not retryable"
	}
	if !retryable {
		return Decision{Reason: reason}
	}

	if a.Attempt >= c.opts.MaxRetries {
		c.mu.Lock()
		c.exhausted++
		c.mu.Unlock()
		return Decision{Reason: "retries exhausted"}
	}

	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
	return Decision{
		Retry:  true,
		Delay:  c.BackoffDelay(a.Attempt, a.Priority),
		Reason: reason,
	}
}

// RecordOutcome feeds one request outcome into the host's circuit breaker.
func (c *Controller) RecordOutcome(host string, success bool) {
	if host == "" {
		return
	}
	c.breakers.record(host, success)
}

// BackoffDelay computes the wait before retry number attempt+1: exponential
// growth capped at the maximum, scaled down for prioritized requests, with
// symmetric jitter applied last.
func (c *Controller) BackoffDelay(attempt, priority int) time.Duration {
	sec := c.opts.BackoffBase * math.Pow(c.opts.BackoffMultiplier, float64(attempt))
	if limit := c.opts.BackoffMax.Seconds(); sec > limit {
		sec = limit
	}
	if priority > 0 {
		sec /= c.opts.PriorityMultiplier
	}
	sec *= 1 + c.opts.JitterFactor*c.jitter()
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec * float64(time.Second))
}

// Snapshot returns current controller statistics.
func (c *Controller) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Decisions:       c.decisions,
		Retries:         c.retries,
		Exhausted:       c.exhausted,
		BreakerRefusals: c.breakerRefusals,
		OpenBreakers:    c.breakers.openHosts(),
	}
}

// hostOf extracts the host from a request URL, empty when unparseable.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
