// Package log provides secure logging with automatic sanitization of
// sensitive values, built on top of the standard slog package.
//
// A crawl run handles two kinds of secrets that must never reach log
// output: solver account credentials (API keys) and proxy credentials
// embedded in proxy URLs. Solved challenge tokens are also masked; they
// are short-lived but a leaked token is a leaked session.
//
// The SecureHandler wraps any slog.Handler and sanitizes attributes by key
// name and by value pattern before the wrapped handler sees them. Even in
// verbose mode, sensitive values stay masked.
//
// Usage:
//
//	logger := log.NewSecureLogger(os.Stderr, true) // verbose=true
//	logger.Info("submitting challenge",
//	    "api_key", cfg.APIKey,     // masked
//	    "site_key", ch.SiteKey,    // kept
//	)
//	slog.SetDefault(logger)
package log
