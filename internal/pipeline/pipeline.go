package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/fetchguard/fetchguard/internal/captcha"
	"github.com/fetchguard/fetchguard/internal/guardrail"
	"github.com/fetchguard/fetchguard/internal/proxy"
	"github.com/fetchguard/fetchguard/internal/retry"
)

// Transport performs one fetch attempt. proxyURL is empty when the pool is
// empty or no selector is configured; token is empty when the page carries
// no challenge. It returns the response status code, or 0 with an error
// when no response arrived.
type Transport func(ctx context.Context, req *Request, proxyURL, token string) (int, error)

// TokenResolver is the captcha coordinator surface the pipeline needs.
type TokenResolver interface {
	Resolve(ctx context.Context, ch captcha.Challenge) (string, error)
}

// ProxySelector is the proxy pool surface the pipeline needs.
type ProxySelector interface {
	Select(sessionID string) (proxy.Endpoint, bool)
	RecordOutcome(ep proxy.Endpoint, success bool, latency time.Duration)
}

// Guard is the guardrail surface the pipeline needs.
type Guard interface {
	CheckRateLimit(consumer string) error
	RecordFailure() error
	RecordSuccess()
}

// Result is the terminal outcome of one request.
type Result struct {
	// Request is the request this result belongs to.
	Request *Request

	// StatusCode is the last response status, 0 when no response arrived.
	StatusCode int

	// Attempts counts tries made, including the successful one.
	Attempts int

	// Proxy is the display form of the last proxy used, empty for direct
	// fetches.
	Proxy string

	// Err is nil on success. A terminal failure carries the last error or
	// a description of the retry verdict that ended the request.
	Err error
}

// ErrGiveUp marks a request that exhausted its retry options without a
// fatal condition.
var ErrGiveUp = errors.New("request failed terminally")

// Pipeline executes requests. All collaborators except the transport and
// the retry controller are optional; a nil selector fetches direct, a nil
// resolver skips challenges, a nil guard skips ceilings.
type Pipeline struct {
	transport Transport
	retrier   *retry.Controller
	selector  ProxySelector
	resolver  TokenResolver
	guard     Guard
	logger    *slog.Logger

	// Injection points for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithProxySelector routes fetches through the given proxy pool.
func WithProxySelector(s ProxySelector) Option {
	return func(p *Pipeline) { p.selector = s }
}

// WithTokenResolver resolves challenge tokens before protected fetches.
func WithTokenResolver(r TokenResolver) Option {
	return func(p *Pipeline) { p.resolver = r }
}

// WithGuard enforces rate and failure ceilings on the pipeline.
func WithGuard(g Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// New creates a Pipeline around the transport and retry controller.
func New(transport Transport, retrier *retry.Controller, opts ...Option) *Pipeline {
	p := &Pipeline{
		transport: transport,
		retrier:   retrier,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Do runs one request to its terminal outcome. The returned error is
// non-nil only for fatal conditions that must stop the whole run; ordinary
// terminal failures are reported in Result.Err.
func (p *Pipeline) Do(ctx context.Context, req *Request) (*Result, error) {
	host := hostOf(req.URL)

	for {
		if err := ctx.Err(); err != nil {
			return &Result{Request: req, Attempts: req.attempt, Err: err}, nil
		}

		if p.guard != nil {
			if err := p.guard.CheckRateLimit(req.Consumer); err != nil {
				return &Result{Request: req, Attempts: req.attempt, Err: err}, nil
			}
		}

		token, err := p.resolveToken(ctx, req)
		if err != nil {
			if errors.Is(err, captcha.ErrResubmit) {
				// A solve this request joined failed; go around again with
				// the same attempt count.
				p.logger.Debug("resubmitting after joined solve failure",
					slog.String("request", req.ID))
				continue
			}
			if errors.Is(err, guardrail.ErrBudgetExceeded) {
				return &Result{Request: req, Attempts: req.attempt, Err: err}, err
			}
			// Permanent solver failures and exhausted solve budgets end
			// the request, not the run.
			return &Result{Request: req, Attempts: req.attempt, Err: err}, nil
		}

		ep, viaProxy := p.selectProxy(req)

		start := p.now()
		status, fetchErr := p.transport(ctx, req, ep.URL, token)
		latency := p.now().Sub(start)

		success := fetchErr == nil && status < 400
		if viaProxy {
			p.selector.RecordOutcome(ep, success, latency)
		}
		p.retrier.RecordOutcome(host, success)

		if success {
			if p.guard != nil {
				p.guard.RecordSuccess()
			}
			return &Result{
				Request:    req,
				StatusCode: status,
				Attempts:   req.attempt + 1,
				Proxy:      ep.Display,
			}, nil
		}

		if p.guard != nil {
			if gerr := p.guard.RecordFailure(); gerr != nil {
				res := &Result{Request: req, StatusCode: status, Attempts: req.attempt + 1, Proxy: ep.Display, Err: gerr}
				return res, gerr
			}
		}

		decision := p.retrier.ShouldRetry(retry.Attempt{
			URL:          req.URL,
			Attempt:      req.attempt,
			Priority:     req.Priority,
			NonRetryable: req.NonRetryable,
		}, status, fetchErr)
		req.attempt++

		if !decision.Retry {
			p.logger.Warn("request failed terminally",
				slog.String("request", req.ID),
				slog.String("url", req.URL),
				slog.Int("status", status),
				slog.String("reason", decision.Reason))
			err := fetchErr
			if err == nil {
				err = ErrGiveUp
			}
			return &Result{
				Request:    req,
				StatusCode: status,
				Attempts:   req.attempt,
				Proxy:      ep.Display,
				Err:        err,
			}, nil
		}

		p.logger.Info("retrying request",
			slog.String("request", req.ID),
			slog.Int("attempt", req.attempt),
			slog.Duration("delay", decision.Delay),
			slog.String("reason", decision.Reason))
		if err := p.sleep(ctx, decision.Delay); err != nil {
			return &Result{Request: req, Attempts: req.attempt, Err: err}, nil
		}
	}
}

// resolveToken obtains the challenge token for a protected request, empty
// for unprotected ones.
func (p *Pipeline) resolveToken(ctx context.Context, req *Request) (string, error) {
	if req.Challenge == nil || p.resolver == nil {
		return "", nil
	}
	return p.resolver.Resolve(ctx, req.challenge())
}

// selectProxy picks the endpoint for this attempt; viaProxy is false for
// direct fetches.
func (p *Pipeline) selectProxy(req *Request) (proxy.Endpoint, bool) {
	if p.selector == nil {
		return proxy.Endpoint{}, false
	}
	return p.selector.Select(req.SessionID)
}

// hostOf extracts the host from a request URL, empty when unparseable.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

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
