package captcha

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fetchguard/fetchguard/internal/solver"
)

// ErrResubmit instructs the caller to resubmit the whole request unmodified.
// It is returned to callers that joined an in-flight solve which then failed:
// the joiner did not own the failure, so instead of propagating it, the
// request goes around again and either hits a fresh cache entry or starts a
// new solve of its own.
var ErrResubmit = errors.New("in-flight captcha solve failed, resubmit request")

// Strategy selects how the coordinator obtains a token after submission.
type Strategy string

// Available token-acquisition strategies.
const (
	// StrategyPolling polls the provider until the token is ready.
	StrategyPolling Strategy = "polling"

	// StrategyWebhook waits for the provider to push the solution to the
	// local webhook receiver, and claims it from the solution store.
	StrategyWebhook Strategy = "webhook"
)

// SolutionStore is the local store the webhook strategy polls for solutions
// delivered by the inbound callback receiver. Claim must be atomic: of two
// concurrent claims for the same unconsumed record, exactly one succeeds.
type SolutionStore interface {
	Claim(ctx context.Context, taskID string) (solution string, ok bool, err error)
}

// SpendRecorder is notified once per completed solve so spend ceilings can be
// enforced. A non-nil error from RecordSolveCost aborts the run.
type SpendRecorder interface {
	RecordSolveCost() error
}

// Challenge describes one request's token need.
type Challenge struct {
	// Consumer identifies the pipeline consumer requesting the token.
	Consumer string

	// SiteKey is the challenge site key of the protected page.
	SiteKey string

	// PageURL is the full URL of the protected page.
	PageURL string

	// Invisible marks the invisible challenge variant, passed through to the
	// provider unchanged.
	Invisible bool
}

// Options configures a Coordinator. Zero fields take the defaults below.
type Options struct {
	// Strategy selects polling or webhook token acquisition.
	Strategy Strategy

	// TokenTTL is how long a solved token stays valid in the cache.
	// Challenge tokens typically expire server-side at around two minutes,
	// so the default leaves a little headroom below that.
	TokenTTL time.Duration

	// PollInitial is the delay before the second provider poll.
	PollInitial time.Duration

	// PollMax caps the growing poll delay.
	PollMax time.Duration

	// PollBudget is the wall-clock budget for the whole poll loop. Exceeding
	// it surfaces as a transient timeout, never as a hang.
	PollBudget time.Duration

	// PollMultiplier grows the delay between polls.
	PollMultiplier float64

	// ResubmitDelay is how long a joiner of a failed in-flight solve waits
	// before being told to resubmit.
	ResubmitDelay time.Duration

	// CallbackURL is handed to the provider at submission time in webhook
	// mode.
	CallbackURL string

	// WebhookWait is the wall-clock budget for the local webhook wait loop.
	WebhookWait time.Duration

	// WebhookInterval is the fixed delay between local store polls.
	WebhookInterval time.Duration
}

// Default option values, matching the deployment knobs this system has run
// with in production.
const (
	DefaultTokenTTL        = 110 * time.Second
	DefaultPollInitial     = 4 * time.Second
	DefaultPollMax         = 45 * time.Second
	DefaultPollBudget      = 180 * time.Second
	DefaultPollMultiplier  = 1.6
	DefaultResubmitDelay   = time.Second
	DefaultWebhookWait     = 300 * time.Second
	DefaultWebhookInterval = time.Second
)

// DefaultOptions returns the default coordinator options with the polling
// strategy.
func DefaultOptions() Options {
	return Options{
		Strategy:        StrategyPolling,
		TokenTTL:        DefaultTokenTTL,
		PollInitial:     DefaultPollInitial,
		PollMax:         DefaultPollMax,
		PollBudget:      DefaultPollBudget,
		PollMultiplier:  DefaultPollMultiplier,
		ResubmitDelay:   DefaultResubmitDelay,
		WebhookWait:     DefaultWebhookWait,
		WebhookInterval: DefaultWebhookInterval,
	}
}

// Coordinator satisfies "give me a valid token for this request" on top of a
// solver provider, a token cache, and an in-flight registry. It is safe for
// concurrent use; solves for different challenge keys proceed fully in
// parallel.
type Coordinator struct {
	provider solver.Provider
	store    SolutionStore
	spend    SpendRecorder
	cache    *tokenCache
	flights  singleflight.Group
	opts     Options
	logger   *slog.Logger

	// fallbackOnce gates the one-time warning when the webhook strategy
	// degrades to polling for a provider without callback support.
	fallbackOnce sync.Once

	// Injection points for tests. All default to the real thing.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New creates a Coordinator. store may be nil unless the webhook strategy is
// used with a callback-capable provider; spend may be nil to disable spend
// accounting; logger may be nil to use the default logger.
func New(provider solver.Provider, store SolutionStore, spend SpendRecorder, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	applyOptionDefaults(&opts)

	return &Coordinator{
		provider: provider,
		store:    store,
		spend:    spend,
		cache:    newTokenCache(),
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		// Symmetric jitter in seconds, added (not multiplied) to the delay.
		jitter: func() float64 { return rand.Float64() - 0.5 }, //nolint:gosec // jitter needs no cryptographic randomness
	}
}

func applyOptionDefaults(opts *Options) {
	def := DefaultOptions()
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = def.TokenTTL
	}
	if opts.PollInitial <= 0 {
		opts.PollInitial = def.PollInitial
	}
	if opts.PollMax <= 0 {
		opts.PollMax = def.PollMax
	}
	if opts.PollBudget <= 0 {
		opts.PollBudget = def.PollBudget
	}
	if opts.PollMultiplier <= 1 {
		opts.PollMultiplier = def.PollMultiplier
	}
	if opts.ResubmitDelay <= 0 {
		opts.ResubmitDelay = def.ResubmitDelay
	}
	if opts.WebhookWait <= 0 {
		opts.WebhookWait = def.WebhookWait
	}
	if opts.WebhookInterval <= 0 {
		opts.WebhookInterval = def.WebhookInterval
	}
}

// Resolve returns a valid token for the challenge, solving it upstream if no
// live cached token exists. Concurrent callers with the same challenge key
// share a single upstream solve.
//
// Error behavior: a solver.PermanentError propagates unchanged; an exhausted
// polling or webhook budget surfaces as a solver.TransientError; ErrResubmit
// asks the caller to resubmit the request after a joined solve failed.
func (c *Coordinator) Resolve(ctx context.Context, ch Challenge) (string, error) {
	key, err := NewChallengeKey(ch.Consumer, ch.SiteKey, ch.PageURL)
	if err != nil {
		return "", err
	}
	ks := key.String()

	if token, ok := c.cache.get(ks, c.now()); ok {
		return token, nil
	}

	// singleflight executes the function only in the first caller for the
	// key; the leader flag therefore marks ownership of any failure.
	leader := false
	v, err, _ := c.flights.Do(ks, func() (any, error) {
		leader = true
		return c.solve(ctx, ks, ch)
	})
	if err != nil {
		if leader {
			return "", err
		}
		// Joined a solve that failed. Back off briefly, then have the caller
		// resubmit the whole request rather than retrying the solve here.
		if serr := c.sleep(ctx, c.opts.ResubmitDelay); serr != nil {
			return "", serr
		}
		return "", ErrResubmit
	}
	return v.(string), nil
}

// solve runs one upstream solve and caches the result. It only ever executes
// in the in-flight leader.
func (c *Coordinator) solve(ctx context.Context, key string, ch Challenge) (string, error) {
	var (
		token string
		err   error
	)
	if c.opts.Strategy == StrategyWebhook {
		token, err = c.solveWebhook(ctx, ch)
	} else {
		token, err = c.solvePolling(ctx, ch)
	}
	if err != nil {
		c.logger.Error("captcha solve failed",
			slog.String("challenge", key),
			slog.String("provider", c.provider.Name()),
			slog.String("error", err.Error()))
		return "", err
	}

	c.cache.put(key, token, c.now(), c.opts.TokenTTL)

	if c.spend != nil {
		if err := c.spend.RecordSolveCost(); err != nil {
			return "", err
		}
	}
	return token, nil
}

// solvePolling submits the challenge and polls the provider with exponential
// backoff until a token arrives, a permanent error ends the solve, or the
// wall-clock budget runs out.
func (c *Coordinator) solvePolling(ctx context.Context, ch Challenge) (string, error) {
	taskID, err := c.provider.Submit(ctx, solver.SubmitRequest{
		SiteKey:   ch.SiteKey,
		PageURL:   ch.PageURL,
		Invisible: ch.Invisible,
	})
	if err != nil {
		return "", err
	}

	deadline := c.now().Add(c.opts.PollBudget)
	delay := c.opts.PollInitial

	for {
		if c.now().After(deadline) {
			return "", &solver.TransientError{Op: "poll", Reason: "polling budget exceeded"}
		}

		token, err := c.provider.Poll(ctx, taskID)
		if err != nil {
			if solver.IsPermanent(err) {
				return "", err
			}
			// Transient poll failures count as "not ready"; the wall-clock
			// budget bounds how long they can pile up.
			c.logger.Debug("transient poll failure", slog.String("task", taskID), slog.String("error", err.Error()))
		} else if token != "" {
			return token, nil
		}

		delay = c.nextPollDelay(delay)
		if err := c.sleep(ctx, delay); err != nil {
			return "", err
		}
	}
}

// nextPollDelay grows the delay by the configured multiplier, applies
// symmetric jitter, and clamps the result to [1s, PollMax].
func (c *Coordinator) nextPollDelay(cur time.Duration) time.Duration {
	sec := cur.Seconds()*c.opts.PollMultiplier + c.jitter()
	if sec < 1 {
		sec = 1
	}
	next := time.Duration(sec * float64(time.Second))
	if next > c.opts.PollMax {
		next = c.opts.PollMax
	}
	return next
}

// solveWebhook submits the challenge with a callback URL and waits for the
// inbound receiver to store the solution locally. A provider without callback
// support degrades to the polling path.
func (c *Coordinator) solveWebhook(ctx context.Context, ch Challenge) (string, error) {
	if !c.provider.SupportsCallback() || c.store == nil {
		c.fallbackOnce.Do(func() {
			c.logger.Warn("provider has no callback support, webhook strategy degrades to polling",
				slog.String("provider", c.provider.Name()))
		})
		return c.solvePolling(ctx, ch)
	}

	taskID, err := c.provider.Submit(ctx, solver.SubmitRequest{
		SiteKey:     ch.SiteKey,
		PageURL:     ch.PageURL,
		Invisible:   ch.Invisible,
		CallbackURL: c.opts.CallbackURL,
	})
	if err != nil {
		return "", err
	}

	deadline := c.now().Add(c.opts.WebhookWait)
	for {
		if c.now().After(deadline) {
			return "", &solver.TransientError{Op: "wait", Reason: "webhook wait budget exceeded"}
		}

		solution, ok, err := c.store.Claim(ctx, taskID)
		if err != nil {
			// A store read failure is a miss, not a solve failure; keep
			// waiting within the budget.
			c.logger.Warn("webhook store claim failed", slog.String("task", taskID), slog.String("error", err.Error()))
		} else if ok {
			return solution, nil
		}

		if err := c.sleep(ctx, c.opts.WebhookInterval); err != nil {
			return "", err
		}
	}
}

// CachedTokens reports the number of cache entries, for observability.
func (c *Coordinator) CachedTokens() int { return c.cache.len() }

// sleepContext sleeps for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
