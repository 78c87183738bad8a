package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fetchguard/fetchguard/internal/captcha"
	"github.com/fetchguard/fetchguard/internal/config"
	"github.com/fetchguard/fetchguard/internal/guardrail"
	seclog "github.com/fetchguard/fetchguard/internal/log"
	"github.com/fetchguard/fetchguard/internal/pipeline"
	"github.com/fetchguard/fetchguard/internal/proxy"
	"github.com/fetchguard/fetchguard/internal/report"
	"github.com/fetchguard/fetchguard/internal/retry"
	"github.com/fetchguard/fetchguard/internal/solver"
	"github.com/fetchguard/fetchguard/internal/webhookstore"
	"github.com/spf13/cobra"
)

// apiKeyEnvVar is consulted when --api-key is not given.
const apiKeyEnvVar = "FETCHGUARD_API_KEY"

// tokenHeader carries the solved challenge token on outgoing requests.
const tokenHeader = "X-Recaptcha-Token"

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch [url...]",
		Short: "Fetch protected URLs through the resilience layer",
		Long: `Fetch retrieves one or more URLs through the full resilience layer.

Each request passes through proxy selection, CAPTCHA token resolution
(when the target site carries a challenge), and the retry controller
with per-host circuit breakers. Rate and spend guardrails bound the run.

Site-specific settings (challenge site keys, custom headers, proxy
stickiness, priority) come from the configuration file.

Examples:
  # Fetch a single URL
  fetchguard fetch https://shop.example.com/item/1

  # Fetch a list of URLs with 20 workers through a proxy pool
  fetchguard fetch --list urls.txt --concurrency 20 --proxy-file proxies.txt

  # Resolve tokens via the webhook receiver instead of polling
  fetchguard fetch --strategy webhook --callback-url https://hooks.example.com/webhook https://shop.example.com

  # Write a JSON run summary to a file
  fetchguard fetch --json -o summary.json https://shop.example.com

Configuration file (.fetchguard) example:
  sites:
    shop.example.com:
      siteKey: "6Lc..."
      sticky: true
      priority: 2
      headers:
        Accept-Language: "en-US"
  defaults:
    headers:
      User-Agent: "fetchguard/1.0"`,
		Args: cobra.ArbitraryArgs,
		RunE: runFetchCmd,
	}

	// Solver flags
	cmd.Flags().StringP("provider", "P", config.DefaultProvider,
		"Solver provider: 2captcha or capsolver")
	cmd.Flags().StringP("api-key", "k", "",
		"Solver API key (default: $"+apiKeyEnvVar+")")
	cmd.Flags().StringP("strategy", "s", config.DefaultStrategy,
		"Token acquisition strategy: polling or webhook")
	cmd.Flags().StringP("callback-url", "u", "",
		"Public URL of the webhook receiver (required with --strategy webhook)")
	cmd.Flags().StringP("db-dir", "D", "",
		"Directory of the solution database (default: XDG data directory)")

	// Fetch behavior flags
	cmd.Flags().DurationP("timeout", "t", config.DefaultHTTPTimeout,
		"Timeout for each HTTP request")
	cmd.Flags().IntP("concurrency", "b", config.DefaultConcurrency,
		"Number of requests in flight at once")
	cmd.Flags().StringP("list", "l", "",
		"File with target URLs, one per line")

	// Proxy flags
	cmd.Flags().StringP("proxy-file", "p", "",
		"Proxy list file, one endpoint per line")
	cmd.Flags().String("proxy-env", "",
		"Environment variable holding a comma-separated proxy list")
	cmd.Flags().String("proxy-strategy", config.DefaultProxyStrategy,
		"Proxy rotation strategy: round_robin, random, or weighted")

	// Guardrail flags
	cmd.Flags().Int("max-per-hour", 0,
		"Request ceiling per consumer in a sliding hour (0 disables)")
	cmd.Flags().Int("max-per-day", 0,
		"Request ceiling per consumer in a sliding day (0 disables)")
	cmd.Flags().Float64("max-spend", 0,
		"Daily solve spend ceiling in dollars (0 disables)")

	// Configuration file
	cmd.Flags().StringP("config", "c", "",
		"Configuration file path (default: .fetchguard in current or home directory)")

	// Report flags
	cmd.Flags().BoolP("json", "j", false,
		"Output JSON run summary (mutually exclusive with --markdown)")
	cmd.Flags().BoolP("markdown", "m", false,
		"Output Markdown run summary (mutually exclusive with --json)")
	cmd.Flags().StringP("output", "o", "",
		"Write the run summary to the specified file path")

	return cmd
}

// runFetchCmd executes the fetch command.
func runFetchCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := setupLogger(getVerboseFlag(cmd))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, cancelling...")
		cancel()
	}()

	return runFetch(ctx, cfg, logger)
}

// getVerboseFlag retrieves the verbose flag from the command or its parent.
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
		if err != nil {
			return false
		}
	}
	return verbose
}

// setupLogger creates a structured logger that masks credentials and
// tokens regardless of verbosity.
func setupLogger(verbose bool) *slog.Logger {
	return seclog.NewSecureLogger(os.Stderr, verbose)
}

// buildConfig creates a Config from cobra command flags.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()

	var err error

	cfg.Provider, err = cmd.Flags().GetString("provider")
	if err != nil {
		return nil, err
	}

	cfg.APIKey, err = cmd.Flags().GetString("api-key")
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(apiKeyEnvVar)
	}

	cfg.Strategy, err = cmd.Flags().GetString("strategy")
	if err != nil {
		return nil, err
	}

	cfg.CallbackURL, err = cmd.Flags().GetString("callback-url")
	if err != nil {
		return nil, err
	}

	cfg.DBDir, err = cmd.Flags().GetString("db-dir")
	if err != nil {
		return nil, err
	}
	if cfg.DBDir == "" {
		cfg.DBDir = webhookstore.DefaultDir()
	}

	cfg.HTTPTimeout, err = cmd.Flags().GetDuration("timeout")
	if err != nil {
		return nil, err
	}

	cfg.Concurrency, err = cmd.Flags().GetInt("concurrency")
	if err != nil {
		return nil, err
	}

	cfg.ProxyFile, err = cmd.Flags().GetString("proxy-file")
	if err != nil {
		return nil, err
	}

	cfg.ProxyEnvVar, err = cmd.Flags().GetString("proxy-env")
	if err != nil {
		return nil, err
	}

	cfg.ProxyStrategy, err = cmd.Flags().GetString("proxy-strategy")
	if err != nil {
		return nil, err
	}

	cfg.MaxPerHour, err = cmd.Flags().GetInt("max-per-hour")
	if err != nil {
		return nil, err
	}

	cfg.MaxPerDay, err = cmd.Flags().GetInt("max-per-day")
	if err != nil {
		return nil, err
	}

	cfg.MaxSpendPerDay, err = cmd.Flags().GetFloat64("max-spend")
	if err != nil {
		return nil, err
	}

	cfg.ConfigFilePath, err = cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}

	// Load site-specific configurations from config file.
	// If user explicitly specified a config file path, error if not found.
	// If no path specified, silently use empty config if no file found.
	explicitConfigPath := cfg.ConfigFilePath != ""
	configPath := config.FindConfigFile(cfg.ConfigFilePath)

	if configPath != "" {
		cfg.SiteConfigs, err = config.LoadConfigFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	} else if explicitConfigPath {
		return nil, fmt.Errorf("configuration file not found: %s", cfg.ConfigFilePath)
	} else {
		cfg.SiteConfigs = &config.File{
			Sites: make(map[string]config.SiteConfig),
		}
	}

	cfg.JSONReport, err = cmd.Flags().GetBool("json")
	if err != nil {
		return nil, err
	}

	cfg.MarkdownReport, err = cmd.Flags().GetBool("markdown")
	if err != nil {
		return nil, err
	}

	cfg.ReportFile, err = cmd.Flags().GetString("output")
	if err != nil {
		return nil, err
	}

	// Targets come from positional arguments plus an optional list file.
	listFile, err := cmd.Flags().GetString("list")
	if err != nil {
		return nil, err
	}
	cfg.Targets = args
	if listFile != "" {
		listed, err := readTargets(listFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read target list: %w", err)
		}
		cfg.Targets = append(cfg.Targets, listed...)
	}

	return cfg, nil
}

// readTargets reads one URL per line, skipping blanks and #-comments.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // User-provided list path is intentional
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets, scanner.Err()
}

// runFetch executes the fetch run.
func runFetch(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting fetch run",
		slog.Int("targets", len(cfg.Targets)),
		slog.String("provider", cfg.Provider),
		slog.String("strategy", cfg.Strategy),
		slog.Int("concurrency", cfg.Concurrency))

	// Proxy pool
	endpoints, err := proxy.LoadEndpoints(proxy.Source{
		File:   cfg.ProxyFile,
		EnvVar: cfg.ProxyEnvVar,
	})
	if err != nil {
		return fmt.Errorf("failed to load proxy list: %w", err)
	}

	var selector *proxy.Selector
	var checker *proxy.Checker
	if len(endpoints) > 0 {
		selector = proxy.NewSelector(endpoints, proxy.Options{
			Strategy: proxy.Strategy(cfg.ProxyStrategy),
		}, logger)
		checker = proxy.NewChecker(selector, proxy.CheckerOptions{}, logger)
		checker.Start()
		defer checker.Stop()
		logger.Info("proxy pool loaded", slog.Int("endpoints", len(endpoints)))
	}

	// Guardrails
	guard := guardrail.New(guardrail.Options{
		MaxPerHour:     cfg.MaxPerHour,
		MaxPerDay:      cfg.MaxPerDay,
		MaxSpendPerDay: cfg.MaxSpendPerDay,
	}, logger)

	// Retry controller with per-host circuit breakers
	retrier := retry.New(retry.DefaultOptions(), logger)

	// Token coordinator, with the local solution store in webhook mode
	coordinator, store, err := buildCoordinator(cfg, guard, logger)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	// Pipeline
	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithGuard(guard),
	}
	if selector != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithProxySelector(selector))
	}
	if coordinator != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithTokenResolver(coordinator))
	}

	p := pipeline.New(newFetchTransport(cfg), retrier, pipelineOpts...)
	bp := pipeline.NewBatchProcessor(p,
		pipeline.WithConcurrency(cfg.Concurrency),
		pipeline.WithBatchLogger(logger))

	reqs := buildRequests(cfg)

	startTime := time.Now()
	results, runErr := bp.Process(ctx, reqs)
	elapsed := time.Since(startTime)

	summary := buildSummary(startTime, elapsed, results, retrier, selector, guard)

	if err := outputSummary(cfg, summary); err != nil {
		logger.Error("failed to write run summary", slog.String("error", err.Error()))
	}

	if runErr != nil {
		return fmt.Errorf("fetch run aborted: %w", runErr)
	}
	return nil
}

// buildCoordinator creates the token coordinator, or nil when no API key is
// configured. In webhook mode it also opens the local solution store shared
// with the receiver daemon; the caller owns closing the returned store.
func buildCoordinator(cfg *config.Config, guard *guardrail.Accountant, logger *slog.Logger) (*captcha.Coordinator, *webhookstore.Store, error) {
	if cfg.APIKey == "" {
		logger.Warn("no solver API key configured; challenge-protected targets will fail")
		return nil, nil, nil
	}

	provider := solver.New(cfg.Provider, solver.Config{
		APIKey:      cfg.APIKey,
		HTTPTimeout: cfg.HTTPTimeout,
		HTTPRetries: 2,
	})

	opts := captcha.DefaultOptions()
	var store *webhookstore.Store
	if cfg.Strategy == "webhook" {
		opts.Strategy = captcha.StrategyWebhook
		opts.CallbackURL = cfg.CallbackURL

		var err error
		store, err = webhookstore.Open(cfg.DBDir, webhookstore.DefaultOptions())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open solution database: %w", err)
		}
	}

	var solutions captcha.SolutionStore
	if store != nil {
		solutions = store
	}
	return captcha.New(provider, solutions, guard, opts, logger), store, nil
}

// buildRequests turns the configured targets into pipeline requests,
// applying site-specific settings by target host.
func buildRequests(cfg *config.Config) []*pipeline.Request {
	reqs := make([]*pipeline.Request, 0, len(cfg.Targets))
	for _, target := range cfg.Targets {
		req := pipeline.NewRequest(config.AppName, target)

		host := hostOf(target)
		sc := cfg.SiteConfigs.GetSiteConfig(host)
		if sc.SiteKey != "" {
			req.Challenge = &pipeline.Challenge{
				SiteKey:   sc.SiteKey,
				Invisible: sc.Invisible,
			}
		}
		if sc.Sticky {
			req.SessionID = host
		}
		req.Priority = sc.Priority

		reqs = append(reqs, req)
	}
	return reqs
}

// hostOf extracts the host from a URL, falling back to the raw string for
// unparseable input.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Hostname()
}

// newFetchTransport builds the HTTP transport used for target fetches. Each
// call routes through the selected proxy endpoint, injects site-specific
// headers, and carries the solved token when present.
func newFetchTransport(cfg *config.Config) pipeline.Transport {
	return func(ctx context.Context, req *pipeline.Request, proxyURL, token string) (int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return 0, err
		}

		sc := cfg.SiteConfigs.GetSiteConfig(hostOf(req.URL))
		for k, v := range sc.Headers {
			httpReq.Header.Set(k, v)
		}
		if token != "" {
			httpReq.Header.Set(tokenHeader, token)
		}

		client := &http.Client{Timeout: cfg.HTTPTimeout}
		if proxyURL != "" {
			transport, err := proxy.NewTransport(proxy.Endpoint{URL: proxyURL, Display: proxyURL})
			if err != nil {
				return 0, err
			}
			client.Transport = transport
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			return 0, err
		}
		// Drain before closing so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		return resp.StatusCode, nil
	}
}

// buildSummary assembles the run summary from the results and component
// snapshots.
func buildSummary(startedAt time.Time, elapsed time.Duration, results []*pipeline.Result, retrier *retry.Controller, selector *proxy.Selector, guard *guardrail.Accountant) *report.Summary {
	summary := &report.Summary{
		StartedAt: startedAt,
		Elapsed:   elapsed,
		Retry:     retrier.Snapshot(),
		Guardrail: guard.Snapshot(),
	}
	if selector != nil {
		summary.Proxies = selector.Snapshot()
	}
	for _, res := range results {
		if res == nil {
			continue
		}
		summary.Requests++
		if res.Err == nil {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}
	return summary
}

// outputSummary writes the run summary in the requested format.
func outputSummary(cfg *config.Config, summary *report.Summary) error {
	var output *os.File
	if cfg.ReportFile != "" {
		dir := filepath.Dir(cfg.ReportFile)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
		}

		// Summaries can embed proxy hostnames, so keep them owner-readable.
		f, err := os.OpenFile(cfg.ReportFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		output = f
	} else {
		output = os.Stdout
	}

	if cfg.JSONReport {
		_, err := report.NewJSONWriter(output).Write(summary)
		return err
	}

	// Markdown is the default human-readable format.
	_, err := report.NewMarkdownWriter(output).Write(summary)
	return err
}
