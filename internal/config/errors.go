package config

import "errors"

// Configuration validation errors.
//
// Design decision: We use package-level sentinel errors rather than
// creating new error instances in Validate(). This allows callers to use
// errors.Is() for programmatic error handling while still providing
// human-readable messages.
var (
	// ErrNoTarget is returned when no target URL is specified.
	ErrNoTarget = errors.New("no target specified: provide a URL or use --list")

	// ErrInvalidProvider is returned for an unknown solver provider name.
	ErrInvalidProvider = errors.New("invalid provider: must be 2captcha or capsolver")

	// ErrInvalidStrategy is returned for an unknown token strategy.
	ErrInvalidStrategy = errors.New("invalid strategy: must be polling or webhook")

	// ErrMissingCallbackURL is returned when the webhook strategy is
	// selected without a public callback URL.
	ErrMissingCallbackURL = errors.New("webhook strategy requires a callback URL")

	// ErrInvalidProxyStrategy is returned for an unknown proxy rotation
	// strategy.
	ErrInvalidProxyStrategy = errors.New("invalid proxy strategy: must be round_robin, random, or weighted")

	// ErrInvalidConcurrency is returned when the concurrency is not
	// positive. Zero concurrency would mean no fetching at all.
	ErrInvalidConcurrency = errors.New("invalid concurrency: must be positive")

	// ErrInvalidTimeout is returned when the solver HTTP timeout is not
	// positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrInvalidBudget is returned when the spend ceiling is negative.
	// Use 0 to disable the ceiling.
	ErrInvalidBudget = errors.New("invalid budget: must be non-negative")

	// ErrConflictingReportFormats is returned when both --json and
	// --markdown are specified.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")
)
