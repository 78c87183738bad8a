package captcha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fetchguard/fetchguard/internal/solver"
)

// fakeClock drives the coordinator's now/sleep injection points so budget
// and TTL behavior can be tested without real waiting.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeProvider scripts Submit and Poll outcomes and counts calls.
type fakeProvider struct {
	mu          sync.Mutex
	callback    bool
	submitErr   error
	submitCalls int
	submitReqs  []solver.SubmitRequest
	pollCalls   int
	pollScript  []pollStep

	// pollGate, when non-nil, blocks every Poll until the channel is closed.
	pollGate chan struct{}
}

type pollStep struct {
	token string
	err   error
}

func (p *fakeProvider) Name() string           { return "fake" }
func (p *fakeProvider) SupportsCallback() bool { return p.callback }

func (p *fakeProvider) Submit(_ context.Context, req solver.SubmitRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitCalls++
	p.submitReqs = append(p.submitReqs, req)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return "task-1", nil
}

func (p *fakeProvider) Poll(_ context.Context, _ string) (string, error) {
	if p.pollGate != nil {
		<-p.pollGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pollCalls++
	if len(p.pollScript) == 0 {
		return "", nil
	}
	step := p.pollScript[0]
	if len(p.pollScript) > 1 {
		p.pollScript = p.pollScript[1:]
	}
	return step.token, step.err
}

func (p *fakeProvider) counts() (submits, polls int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCalls, p.pollCalls
}

// fakeStore scripts webhook solution claims.
type fakeStore struct {
	mu       sync.Mutex
	misses   int
	solution string
	claims   int
}

func (s *fakeStore) Claim(_ context.Context, _ string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claims <= s.misses {
		return "", false, nil
	}
	return s.solution, true, nil
}

type fakeSpend struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeSpend) RecordSolveCost() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func newTestCoordinator(p solver.Provider, store SolutionStore, spend SpendRecorder, opts Options) (*Coordinator, *fakeClock) {
	c := New(p, store, spend, opts, nil)
	clock := newFakeClock()
	c.now = clock.now
	c.sleep = clock.sleep
	c.jitter = func() float64 { return 0 }
	return c, clock
}

func challenge() Challenge {
	return Challenge{
		Consumer: "shop",
		SiteKey:  "6Lc-site",
		PageURL:  "https://shop.example.com/checkout",
	}
}

func TestCoordinatorResolve(t *testing.T) {
	t.Parallel()

	t.Run("solves once and serves later callers from cache", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{pollScript: []pollStep{{token: ""}, {token: ""}, {token: "tok-1"}}}
		c, clock := newTestCoordinator(p, nil, nil, Options{})

		got, err := c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("Resolve() error = %v, want nil", err)
		}
		if got != "tok-1" {
			t.Fatalf("Resolve() = %q, want %q", got, "tok-1")
		}

		// A later request within the token TTL must not touch the provider.
		clock.advance(5 * time.Second)
		got, err = c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("second Resolve() error = %v, want nil", err)
		}
		if got != "tok-1" {
			t.Fatalf("second Resolve() = %q, want cached %q", got, "tok-1")
		}

		submits, polls := p.counts()
		if submits != 1 {
			t.Errorf("submit calls = %d, want 1", submits)
		}
		if polls != 3 {
			t.Errorf("poll calls = %d, want 3", polls)
		}
	})

	t.Run("cache entry expires after TTL", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{pollScript: []pollStep{{token: "tok-1"}}}
		c, clock := newTestCoordinator(p, nil, nil, Options{})

		if _, err := c.Resolve(context.Background(), challenge()); err != nil {
			t.Fatal(err)
		}

		p.mu.Lock()
		p.pollScript = []pollStep{{token: "tok-2"}}
		p.mu.Unlock()
		clock.advance(DefaultTokenTTL + time.Second)

		got, err := c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("Resolve() after expiry error = %v, want nil", err)
		}
		if got != "tok-2" {
			t.Errorf("Resolve() after expiry = %q, want fresh %q", got, "tok-2")
		}
		if submits, _ := p.counts(); submits != 2 {
			t.Errorf("submit calls = %d, want 2", submits)
		}
	})

	t.Run("concurrent callers share one solve", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		p := &fakeProvider{pollScript: []pollStep{{token: "tok-1"}}, pollGate: gate}
		c, _ := newTestCoordinator(p, nil, nil, Options{})

		const callers = 8
		var wg sync.WaitGroup
		tokens := make([]string, callers)
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tokens[i], errs[i] = c.Resolve(context.Background(), challenge())
			}()
		}

		// Give every caller time to reach the in-flight registry, then let
		// the single leader's poll complete.
		time.Sleep(100 * time.Millisecond)
		close(gate)
		wg.Wait()

		for i := range callers {
			if errs[i] != nil {
				t.Fatalf("caller %d: Resolve() error = %v, want nil", i, errs[i])
			}
			if tokens[i] != "tok-1" {
				t.Errorf("caller %d: Resolve() = %q, want %q", i, tokens[i], "tok-1")
			}
		}
		submits, polls := p.counts()
		if submits != 1 {
			t.Errorf("submit calls = %d, want 1", submits)
		}
		if polls != 1 {
			t.Errorf("poll calls = %d, want 1", polls)
		}
	})

	t.Run("joiners of a failed solve get ErrResubmit", func(t *testing.T) {
		t.Parallel()

		gate := make(chan struct{})
		perm := &solver.PermanentError{Op: "poll", Code: "ERROR_CAPTCHA_UNSOLVABLE"}
		p := &fakeProvider{pollScript: []pollStep{{err: perm}}, pollGate: gate}
		c, _ := newTestCoordinator(p, nil, nil, Options{})

		const callers = 4
		var wg sync.WaitGroup
		errs := make([]error, callers)
		for i := range callers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = c.Resolve(context.Background(), challenge())
			}()
		}
		time.Sleep(100 * time.Millisecond)
		close(gate)
		wg.Wait()

		var permanents, resubmits int
		for _, err := range errs {
			switch {
			case solver.IsPermanent(err):
				permanents++
			case errors.Is(err, ErrResubmit):
				resubmits++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if permanents != 1 {
			t.Errorf("permanent errors = %d, want 1 (the leader)", permanents)
		}
		if resubmits != callers-1 {
			t.Errorf("resubmit errors = %d, want %d (the joiners)", resubmits, callers-1)
		}
	})

	t.Run("permanent submit error propagates without polling", func(t *testing.T) {
		t.Parallel()

		perm := &solver.PermanentError{Op: "submit", Code: "ERROR_ZERO_BALANCE"}
		p := &fakeProvider{submitErr: perm}
		c, _ := newTestCoordinator(p, nil, nil, Options{})

		_, err := c.Resolve(context.Background(), challenge())
		var got *solver.PermanentError
		if !errors.As(err, &got) || got.Code != "ERROR_ZERO_BALANCE" {
			t.Fatalf("Resolve() error = %v, want permanent ERROR_ZERO_BALANCE", err)
		}
		if _, polls := p.counts(); polls != 0 {
			t.Errorf("poll calls = %d, want 0 after permanent submit failure", polls)
		}
		if c.CachedTokens() != 0 {
			t.Errorf("cached tokens = %d, want 0 after failure", c.CachedTokens())
		}
	})

	t.Run("permanent poll error ends the solve", func(t *testing.T) {
		t.Parallel()

		perm := &solver.PermanentError{Op: "poll", Code: "ERROR_CAPTCHA_UNSOLVABLE"}
		p := &fakeProvider{pollScript: []pollStep{{token: ""}, {err: perm}}}
		c, _ := newTestCoordinator(p, nil, nil, Options{})

		_, err := c.Resolve(context.Background(), challenge())
		if !solver.IsPermanent(err) {
			t.Fatalf("Resolve() error = %v, want permanent", err)
		}
		if _, polls := p.counts(); polls != 2 {
			t.Errorf("poll calls = %d, want 2", polls)
		}
	})

	t.Run("transient poll failures are tolerated within the budget", func(t *testing.T) {
		t.Parallel()

		transient := &solver.TransientError{Op: "transport", Reason: "connection reset"}
		p := &fakeProvider{pollScript: []pollStep{{err: transient}, {err: transient}, {token: "tok-1"}}}
		c, _ := newTestCoordinator(p, nil, nil, Options{})

		got, err := c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("Resolve() error = %v, want nil", err)
		}
		if got != "tok-1" {
			t.Errorf("Resolve() = %q, want %q", got, "tok-1")
		}
	})

	t.Run("polling budget exhaustion is a transient timeout", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{} // always pending
		c, _ := newTestCoordinator(p, nil, nil, Options{PollBudget: 30 * time.Second})

		_, err := c.Resolve(context.Background(), challenge())
		if !solver.IsTransient(err) {
			t.Fatalf("Resolve() error = %v, want transient timeout", err)
		}
	})

	t.Run("records one solve cost per solve, not per caller", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{pollScript: []pollStep{{token: "tok-1"}}}
		spend := &fakeSpend{}
		c, _ := newTestCoordinator(p, nil, spend, Options{})

		for range 3 {
			if _, err := c.Resolve(context.Background(), challenge()); err != nil {
				t.Fatal(err)
			}
		}
		if spend.calls != 1 {
			t.Errorf("RecordSolveCost calls = %d, want 1", spend.calls)
		}
	})

	t.Run("spend ceiling breach aborts the resolve", func(t *testing.T) {
		t.Parallel()

		budgetErr := errors.New("solve budget exceeded")
		p := &fakeProvider{pollScript: []pollStep{{token: "tok-1"}}}
		c, _ := newTestCoordinator(p, nil, &fakeSpend{err: budgetErr}, Options{})

		if _, err := c.Resolve(context.Background(), challenge()); !errors.Is(err, budgetErr) {
			t.Errorf("Resolve() error = %v, want %v", err, budgetErr)
		}
	})
}

func TestCoordinatorWebhook(t *testing.T) {
	t.Parallel()

	t.Run("claims solution delivered to the local store", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{callback: true}
		store := &fakeStore{misses: 2, solution: "tok-hook"}
		c, _ := newTestCoordinator(p, store, nil, Options{
			Strategy:    StrategyWebhook,
			CallbackURL: "https://hooks.example.com/webhook",
		})

		got, err := c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("Resolve() error = %v, want nil", err)
		}
		if got != "tok-hook" {
			t.Errorf("Resolve() = %q, want %q", got, "tok-hook")
		}
		if _, polls := p.counts(); polls != 0 {
			t.Errorf("provider poll calls = %d, want 0 in webhook mode", polls)
		}

		p.mu.Lock()
		req := p.submitReqs[0]
		p.mu.Unlock()
		if req.CallbackURL != "https://hooks.example.com/webhook" {
			t.Errorf("submit CallbackURL = %q, want configured callback", req.CallbackURL)
		}
	})

	t.Run("wait budget exhaustion is a transient timeout", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{callback: true}
		store := &fakeStore{misses: 1 << 30}
		c, _ := newTestCoordinator(p, store, nil, Options{
			Strategy:    StrategyWebhook,
			WebhookWait: 10 * time.Second,
		})

		if _, err := c.Resolve(context.Background(), challenge()); !solver.IsTransient(err) {
			t.Errorf("Resolve() error = %v, want transient timeout", err)
		}
	})

	t.Run("falls back to polling without callback support", func(t *testing.T) {
		t.Parallel()

		p := &fakeProvider{callback: false, pollScript: []pollStep{{token: "tok-1"}}}
		store := &fakeStore{solution: "never"}
		c, _ := newTestCoordinator(p, store, nil, Options{Strategy: StrategyWebhook})

		got, err := c.Resolve(context.Background(), challenge())
		if err != nil {
			t.Fatalf("Resolve() error = %v, want nil", err)
		}
		if got != "tok-1" {
			t.Errorf("Resolve() = %q, want polled %q", got, "tok-1")
		}
		if store.claims != 0 {
			t.Errorf("store claims = %d, want 0 on fallback", store.claims)
		}
	})
}

func TestNextPollDelay(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(&fakeProvider{}, nil, nil, Options{})

	tests := []struct {
		name string
		cur  time.Duration
		want time.Duration
	}{
		{name: "grows by the multiplier", cur: 4 * time.Second, want: 6400 * time.Millisecond},
		{name: "clamps to the maximum", cur: 40 * time.Second, want: 45 * time.Second},
		{name: "never drops below one second", cur: 100 * time.Millisecond, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.nextPollDelay(tt.cur); got != tt.want {
				t.Errorf("nextPollDelay(%v) = %v, want %v", tt.cur, got, tt.want)
			}
		})
	}
}
