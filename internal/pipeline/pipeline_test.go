package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fetchguard/fetchguard/internal/captcha"
	"github.com/fetchguard/fetchguard/internal/guardrail"
	"github.com/fetchguard/fetchguard/internal/proxy"
	"github.com/fetchguard/fetchguard/internal/retry"
)

// scriptedTransport returns outcomes in order, repeating the last one.
type scriptedTransport struct {
	mu      sync.Mutex
	calls   int
	script  []transportStep
	proxies []string
	tokens  []string
}

type transportStep struct {
	status int
	err    error
}

func (s *scriptedTransport) fetch(_ context.Context, _ *Request, proxyURL, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proxies = append(s.proxies, proxyURL)
	s.tokens = append(s.tokens, token)
	step := s.script[min(s.calls, len(s.script)-1)]
	s.calls++
	return step.status, step.err
}

type fakeResolver struct {
	mu     sync.Mutex
	script []error
	calls  int
	token  string
}

func (f *fakeResolver) Resolve(_ context.Context, _ captcha.Challenge) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.script) {
		err = f.script[f.calls]
	}
	f.calls++
	if err != nil {
		return "", err
	}
	return f.token, nil
}

func newTestPipeline(transport Transport, opts ...Option) *Pipeline {
	retrier := retry.New(retry.Options{}, nil)
	p := New(transport, retrier, opts...)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestPipelineDo(t *testing.T) {
	t.Parallel()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		p := newTestPipeline(tr.fetch)

		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if err != nil {
			t.Fatalf("Do() fatal error = %v, want nil", err)
		}
		if res.Err != nil {
			t.Fatalf("Result.Err = %v, want nil", res.Err)
		}
		if res.StatusCode != 200 || res.Attempts != 1 {
			t.Errorf("Result = status %d after %d attempts, want 200 after 1", res.StatusCode, res.Attempts)
		}
	})

	t.Run("retries retryable statuses until success", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 503}, {status: 503}, {status: 200}}}
		p := newTestPipeline(tr.fetch)

		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Err != nil {
			t.Fatalf("Result.Err = %v, want nil", res.Err)
		}
		if res.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", res.Attempts)
		}
	})

	t.Run("gives up after the retry cap", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 503}}}
		p := newTestPipeline(tr.fetch)

		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if err != nil {
			t.Fatal(err)
		}
		if !errors.Is(res.Err, ErrGiveUp) {
			t.Fatalf("Result.Err = %v, want ErrGiveUp", res.Err)
		}
		if want := retry.DefaultMaxRetries + 1; res.Attempts != want {
			t.Errorf("Attempts = %d, want %d", res.Attempts, want)
		}
	})

	t.Run("does not retry a 404", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 404}}}
		p := newTestPipeline(tr.fetch)

		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if err != nil {
			t.Fatal(err)
		}
		if res.Err == nil {
			t.Fatal("Result.Err = nil, want terminal failure")
		}
		if tr.calls != 1 {
			t.Errorf("transport calls = %d, want 1", tr.calls)
		}
	})

	t.Run("passes the resolved token to the transport", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		p := newTestPipeline(tr.fetch, WithTokenResolver(&fakeResolver{token: "tok-1"}))

		req := NewRequest("shop", "https://shop.example.com/item")
		req.Challenge = &Challenge{SiteKey: "6Lc-site"}
		if _, err := p.Do(context.Background(), req); err != nil {
			t.Fatal(err)
		}
		if tr.tokens[0] != "tok-1" {
			t.Errorf("transport token = %q, want %q", tr.tokens[0], "tok-1")
		}
	})

	t.Run("resubmits after a joined solve failure", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		resolver := &fakeResolver{script: []error{captcha.ErrResubmit}, token: "tok-1"}
		p := newTestPipeline(tr.fetch, WithTokenResolver(resolver))

		req := NewRequest("shop", "https://shop.example.com/item")
		req.Challenge = &Challenge{SiteKey: "6Lc-site"}
		res, err := p.Do(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if res.Err != nil {
			t.Fatalf("Result.Err = %v, want nil", res.Err)
		}
		if resolver.calls != 2 {
			t.Errorf("resolver calls = %d, want 2 (resubmit then success)", resolver.calls)
		}
		if res.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1 (resubmits do not count)", res.Attempts)
		}
	})

	t.Run("budget breach is fatal", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		resolver := &fakeResolver{script: []error{guardrail.ErrBudgetExceeded}}
		p := newTestPipeline(tr.fetch, WithTokenResolver(resolver))

		req := NewRequest("shop", "https://shop.example.com/item")
		req.Challenge = &Challenge{SiteKey: "6Lc-site"}
		_, err := p.Do(context.Background(), req)
		if !errors.Is(err, guardrail.ErrBudgetExceeded) {
			t.Errorf("Do() fatal error = %v, want ErrBudgetExceeded", err)
		}
	})

	t.Run("routes through the selected proxy and records outcomes", func(t *testing.T) {
		t.Parallel()

		ep, _ := proxy.ParseLine("10.0.0.1:8080")
		selector := proxy.NewSelector([]proxy.Endpoint{ep}, proxy.Options{}, nil)
		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		p := newTestPipeline(tr.fetch, WithProxySelector(selector))

		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if err != nil {
			t.Fatal(err)
		}
		if tr.proxies[0] != ep.URL {
			t.Errorf("transport proxy = %q, want %q", tr.proxies[0], ep.URL)
		}
		if res.Proxy != ep.Display {
			t.Errorf("Result.Proxy = %q, want %q", res.Proxy, ep.Display)
		}

		snap := selector.Snapshot()
		if snap[0].Successes != 1 {
			t.Errorf("proxy successes = %d, want 1", snap[0].Successes)
		}
	})

	t.Run("rate limited request ends without running the transport", func(t *testing.T) {
		t.Parallel()

		guard := guardrail.New(guardrail.Options{MaxPerHour: 1}, nil)
		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		p := newTestPipeline(tr.fetch, WithGuard(guard))

		if _, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/a")); err != nil {
			t.Fatal(err)
		}
		res, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/b"))
		if err != nil {
			t.Fatalf("Do() fatal error = %v, want nil (rate limiting is not fatal)", err)
		}
		if !errors.Is(res.Err, guardrail.ErrRateLimited) {
			t.Errorf("Result.Err = %v, want ErrRateLimited", res.Err)
		}
		if tr.calls != 1 {
			t.Errorf("transport calls = %d, want 1", tr.calls)
		}
	})

	t.Run("failure cap aborts the run", func(t *testing.T) {
		t.Parallel()

		guard := guardrail.New(guardrail.Options{FailureThreshold: 2}, nil)
		tr := &scriptedTransport{script: []transportStep{{status: 503}}}
		p := newTestPipeline(tr.fetch, WithGuard(guard))

		_, err := p.Do(context.Background(), NewRequest("shop", "https://shop.example.com/item"))
		if !errors.Is(err, guardrail.ErrTooManyFailures) {
			t.Errorf("Do() fatal error = %v, want ErrTooManyFailures", err)
		}
	})
}

func TestBatchProcessor(t *testing.T) {
	t.Parallel()

	t.Run("returns results in input order", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 200}}}
		p := newTestPipeline(tr.fetch)
		bp := NewBatchProcessor(p, WithConcurrency(4))

		reqs := []*Request{
			NewRequest("shop", "https://shop.example.com/a"),
			NewRequest("shop", "https://shop.example.com/b"),
			NewRequest("shop", "https://shop.example.com/c"),
		}
		results, err := bp.Process(context.Background(), reqs)
		if err != nil {
			t.Fatalf("Process() error = %v, want nil", err)
		}
		if len(results) != 3 {
			t.Fatalf("len(results) = %d, want 3", len(results))
		}
		for i, res := range results {
			if res == nil || res.Request != reqs[i] {
				t.Errorf("results[%d] does not match reqs[%d]", i, i)
			}
		}
	})

	t.Run("individual failures do not stop the batch", func(t *testing.T) {
		t.Parallel()

		tr := &scriptedTransport{script: []transportStep{{status: 404}, {status: 200}}}
		p := newTestPipeline(tr.fetch)
		// Serial processing keeps the script order deterministic.
		bp := NewBatchProcessor(p, WithConcurrency(1))

		results, err := bp.Process(context.Background(), []*Request{
			NewRequest("shop", "https://shop.example.com/a"),
			NewRequest("shop", "https://shop.example.com/b"),
		})
		if err != nil {
			t.Fatalf("Process() error = %v, want nil", err)
		}
		if results[0].Err == nil {
			t.Error("results[0].Err = nil, want terminal failure")
		}
		if results[1].Err != nil {
			t.Errorf("results[1].Err = %v, want nil", results[1].Err)
		}
	})
}
