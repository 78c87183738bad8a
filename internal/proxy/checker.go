package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	xproxy "golang.org/x/net/proxy"
)

// Default health checker knobs.
const (
	DefaultCheckInterval = 30 * time.Second
	DefaultCheckTimeout  = 10 * time.Second
	DefaultCheckURL      = "https://www.google.com/generate_204"
)

// Checker probes quarantined endpoints in the background and releases the
// ones that answer again. It only ever touches quarantined endpoints;
// healthy ones are judged by real traffic.
type Checker struct {
	selector *Selector
	interval time.Duration
	timeout  time.Duration
	checkURL string
	logger   *slog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// CheckerOptions configures a Checker. Zero fields take the defaults above.
type CheckerOptions struct {
	// Interval is how often quarantined endpoints are probed.
	Interval time.Duration

	// Timeout bounds one probe.
	Timeout time.Duration

	// CheckURL is fetched through the endpoint; any HTTP response counts
	// as alive.
	CheckURL string
}

// NewChecker creates a Checker over the selector's pool. logger may be nil
// to use the default logger.
func NewChecker(selector *Selector, opts CheckerOptions, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultCheckInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultCheckTimeout
	}
	if opts.CheckURL == "" {
		opts.CheckURL = DefaultCheckURL
	}
	return &Checker{
		selector: selector,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		checkURL: opts.CheckURL,
		logger:   logger,
	}
}

// Start launches the background probe loop. It is a no-op if the loop is
// already running.
func (c *Checker) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})

	c.wg.Add(1)
	go c.loop(c.stopCh)
}

// Stop stops the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.mu.Lock()
	if c.stopCh == nil {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.stopCh = nil
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Checker) loop(stop <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.probeQuarantined()
		}
	}
}

func (c *Checker) probeQuarantined() {
	for _, ep := range c.selector.Quarantined() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		err := c.Probe(ctx, ep)
		cancel()
		if err != nil {
			c.logger.Debug("quarantined proxy still failing",
				slog.String("proxy", ep.Display),
				slog.String("error", err.Error()))
			continue
		}
		c.logger.Info("quarantined proxy recovered", slog.String("proxy", ep.Display))
		c.selector.Release(ep)
	}
}

// Probe performs one health check through the endpoint.
func (c *Checker) Probe(ctx context.Context, ep Endpoint) error {
	transport, err := NewTransport(ep)
	if err != nil {
		return err
	}

	client := &http.Client{Transport: transport, Timeout: c.timeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.checkURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe through %s failed: %w", ep.Display, err)
	}
	_ = resp.Body.Close()
	return nil
}

// NewTransport builds an HTTP transport that routes through the endpoint.
// SOCKS5 endpoints dial through a SOCKS5 client; everything else uses the
// standard HTTP proxy mechanism.
func NewTransport(ep Endpoint) (*http.Transport, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL %q: %w", ep.Display, err)
	}

	if u.Scheme == "socks5" {
		var auth *xproxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to build SOCKS5 dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil
	}

	return &http.Transport{Proxy: http.ProxyURL(u)}, nil
}
