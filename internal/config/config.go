package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values. These match the deployment knobs this
// system has run with in production; anything hotter tends to burn solver
// balance or trip target-side rate limiting.
const (
	// DefaultProvider is the solver service used when none is configured.
	DefaultProvider = "2captcha"

	// DefaultStrategy obtains tokens by polling the provider. The webhook
	// strategy needs a publicly reachable receiver and is opt-in.
	DefaultStrategy = "polling"

	// DefaultConcurrency is the number of requests in flight at once.
	// Higher values increase throughput but make rate limiting and proxy
	// quarantine churn more likely.
	DefaultConcurrency = 10

	// DefaultHTTPTimeout bounds one solver API call. Solver APIs answer
	// in a few seconds when healthy; a longer timeout only delays the
	// retry.
	DefaultHTTPTimeout = 15 * time.Second

	// DefaultProxyStrategy cycles endpoints evenly. Weighted selection
	// needs latency history to be useful, so it is opt-in.
	DefaultProxyStrategy = "round_robin"

	// DefaultWebhookAddr is the listen address of the webhook receiver
	// daemon.
	DefaultWebhookAddr = ":8080"

	// AppName is the application name used for XDG directory paths.
	AppName = "fetchguard"
)

// Config holds all configuration options for Fetchguard.
// This struct is designed to be populated from CLI flags and passed through
// the application via dependency injection rather than global state.
//
// Design decision: We use a single flat struct instead of nested structs
// for simplicity. The number of options is manageable, and nesting would
// add complexity without significant benefit.
type Config struct {
	// Provider is the solver service, "2captcha" or "capsolver".
	Provider string

	// APIKey authenticates against the solver service. Required whenever
	// a target carries a challenge.
	APIKey string

	// Strategy selects how tokens are obtained: "polling" asks the
	// provider repeatedly, "webhook" waits for the provider to push the
	// solution to the local receiver.
	Strategy string

	// CallbackURL is the public URL of the webhook receiver, handed to
	// the provider at submission time. Required for the webhook strategy.
	CallbackURL string

	// WebhookAddr is the listen address of the webhook receiver daemon.
	WebhookAddr string

	// DBDir is the directory of the solution database shared between the
	// webhook receiver and the pipeline. Defaults to the XDG data
	// directory.
	DBDir string

	// HTTPTimeout bounds one solver API call.
	HTTPTimeout time.Duration

	// Concurrency is the number of requests processed at once.
	Concurrency int

	// ProxyStrategy selects proxy rotation: "round_robin", "random", or
	// "weighted".
	ProxyStrategy string

	// ProxyFile is the path to a proxy list file, one endpoint per line.
	ProxyFile string

	// ProxyEnvVar names an environment variable holding a comma-separated
	// proxy list. ProxyFile wins when both are set.
	ProxyEnvVar string

	// MaxPerHour caps requests per consumer in a sliding hour. Zero
	// disables the ceiling.
	MaxPerHour int

	// MaxPerDay caps requests per consumer in a sliding day. Zero
	// disables the ceiling.
	MaxPerDay int

	// MaxSpendPerDay is the daily solve spend ceiling in dollars. Zero
	// disables the ceiling.
	MaxSpendPerDay float64

	// Verbose enables detailed log output using slog.LevelDebug.
	Verbose bool

	// JSONReport writes the run summary as JSON instead of Markdown.
	// Mutually exclusive with MarkdownReport.
	JSONReport bool

	// MarkdownReport writes the run summary as Markdown.
	// Mutually exclusive with JSONReport.
	MarkdownReport bool

	// ReportFile is the output file path for the run summary. When empty
	// the summary goes to stdout.
	ReportFile string

	// Targets is the list of URLs to fetch.
	Targets []string

	// ConfigFilePath is the path to the configuration file. If empty, the
	// tool searches for .fetchguard in the current directory and then in
	// the user's home directory.
	ConfigFilePath string

	// SiteConfigs holds per-site configurations loaded from the config
	// file.
	SiteConfigs *File
}

// NewConfig creates a Config with default values.
//
// Design decision: We use a constructor function instead of relying on
// zero values because many defaults are non-zero. This also serves as
// documentation of what the defaults are.
func NewConfig() *Config {
	return &Config{
		Provider:      DefaultProvider,
		Strategy:      DefaultStrategy,
		WebhookAddr:   DefaultWebhookAddr,
		HTTPTimeout:   DefaultHTTPTimeout,
		Concurrency:   DefaultConcurrency,
		ProxyStrategy: DefaultProxyStrategy,
	}
}

// XDGDataDir returns the XDG data directory for Fetchguard.
// On Linux: ~/.local/share/fetchguard
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for Fetchguard.
// On Linux: ~/.config/fetchguard
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks if the configuration is valid.
//
// Design decision: We validate at the config level rather than at each
// point of use to fail fast and provide clear error messages upfront.
// This is called once after CLI parsing, before any fetching begins.
func (c *Config) Validate() error {
	if len(c.Targets) == 0 {
		return ErrNoTarget
	}

	switch c.Provider {
	case "2captcha", "capsolver":
	default:
		return ErrInvalidProvider
	}

	switch c.Strategy {
	case "polling":
	case "webhook":
		if c.CallbackURL == "" {
			return ErrMissingCallbackURL
		}
	default:
		return ErrInvalidStrategy
	}

	switch c.ProxyStrategy {
	case "round_robin", "random", "weighted":
	default:
		return ErrInvalidProxyStrategy
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.HTTPTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxSpendPerDay < 0 {
		return ErrInvalidBudget
	}
	if c.JSONReport && c.MarkdownReport {
		return ErrConflictingReportFormats
	}

	return nil
}
