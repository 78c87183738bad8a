package solver

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Provider is the capability every CAPTCHA solving service exposes.
//
// Design decision: Submit and Poll are the whole contract. The services
// differ wildly in wire format (GET with query parameters vs JSON tasks),
// but the coordinator only ever needs "start a solve" and "is it done yet",
// so no further hierarchy is required.
type Provider interface {
	// Name returns the provider's configuration name (e.g. "2captcha").
	Name() string

	// Submit hands a challenge to the service and returns a provider-assigned
	// task ID. Challenge-level rejections are classified into PermanentError
	// or TransientError before being returned.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Poll asks whether the task has been solved. It returns the solved token,
	// or "" with a nil error while the solve is still pending.
	Poll(ctx context.Context, taskID string) (string, error)

	// SupportsCallback reports whether Submit can register a callback URL so
	// the service pushes the solution instead of being polled.
	SupportsCallback() bool
}

// SubmitRequest carries everything a provider needs to start a solve.
type SubmitRequest struct {
	// SiteKey is the challenge site key embedded in the protected page.
	SiteKey string

	// PageURL is the full URL of the page presenting the challenge.
	PageURL string

	// Invisible marks the invisible challenge variant. Providers that
	// auto-detect the variant may ignore it.
	Invisible bool

	// CallbackURL, when non-empty and supported by the provider, asks the
	// service to POST the solution to this URL instead of requiring polling.
	CallbackURL string
}

// Config holds the provider-facing configuration values.
type Config struct {
	// APIKey authenticates against the solving service.
	APIKey string

	// TwoCaptchaBase is the base URL of the 2captcha-protocol endpoint.
	TwoCaptchaBase string

	// TwoCaptchaMethod is the challenge method parameter ("userrecaptcha").
	TwoCaptchaMethod string

	// CapSolverBase is the base URL of the CapSolver-protocol endpoint.
	CapSolverBase string

	// CapSolverTaskType is the task type submitted to CapSolver.
	CapSolverTaskType string

	// HTTPTimeout bounds each individual request to the service.
	HTTPTimeout time.Duration

	// HTTPRetries is the number of additional attempts after a transport
	// failure. Challenge-level failures are never retried.
	HTTPRetries int

	// Client optionally overrides the HTTP client, mainly for tests.
	Client *http.Client
}

// Provider configuration names understood by New.
const (
	NameTwoCaptcha = "2captcha"
	NameCapSolver  = "capsolver"
)

// Defaults applied by New when the corresponding Config field is unset.
// Zero HTTPRetries means no transport retries; only negative values take
// the default.
const (
	defaultTwoCaptchaBase    = "https://2captcha.com"
	defaultTwoCaptchaMethod  = "userrecaptcha"
	defaultCapSolverBase     = "https://api.capsolver.com"
	defaultCapSolverTaskType = "ReCaptchaV2TaskProxyLess"
	defaultHTTPTimeout       = 15 * time.Second
	defaultHTTPRetries       = 2
)

// New creates the provider selected by name. Unrecognized names fall back to
// the 2captcha protocol, mirroring the behavior operators already rely on.
func New(name string, cfg Config) Provider {
	applyDefaults(&cfg)

	tp := newTransport(cfg.Client, cfg.HTTPTimeout, cfg.HTTPRetries)

	switch strings.ToLower(name) {
	case NameCapSolver:
		return &CapSolver{
			apiKey:   cfg.APIKey,
			baseURL:  cfg.CapSolverBase,
			taskType: cfg.CapSolverTaskType,
			tp:       tp,
		}
	default:
		return &TwoCaptcha{
			apiKey:  cfg.APIKey,
			baseURL: cfg.TwoCaptchaBase,
			method:  cfg.TwoCaptchaMethod,
			tp:      tp,
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.TwoCaptchaBase == "" {
		cfg.TwoCaptchaBase = defaultTwoCaptchaBase
	}
	if cfg.TwoCaptchaMethod == "" {
		cfg.TwoCaptchaMethod = defaultTwoCaptchaMethod
	}
	if cfg.CapSolverBase == "" {
		cfg.CapSolverBase = defaultCapSolverBase
	}
	if cfg.CapSolverTaskType == "" {
		cfg.CapSolverTaskType = defaultCapSolverTaskType
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.HTTPRetries < 0 {
		cfg.HTTPRetries = defaultHTTPRetries
	}
}
