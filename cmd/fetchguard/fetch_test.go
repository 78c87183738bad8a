package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fetchguard/fetchguard/internal/config"
	"github.com/fetchguard/fetchguard/internal/pipeline"
)

// TestNewFetchCmd tests the fetch command creation.
func TestNewFetchCmd(t *testing.T) {
	t.Parallel()

	cmd := NewFetchCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "fetch [url...]" {
			t.Errorf("expected use 'fetch [url...]', got %q", cmd.Use)
		}
	})

	t.Run("has short description", func(t *testing.T) {
		t.Parallel()
		if cmd.Short == "" {
			t.Error("expected non-empty short description")
		}
	})

	t.Run("has expected flags", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{
			"provider", "api-key", "strategy", "callback-url", "db-dir",
			"timeout", "concurrency", "list",
			"proxy-file", "proxy-env", "proxy-strategy",
			"max-per-hour", "max-per-day", "max-spend",
			"config", "json", "markdown", "output",
		} {
			if cmd.Flags().Lookup(name) == nil {
				t.Errorf("expected flag %q", name)
			}
		}
	})

	t.Run("provider flag defaults to 2captcha", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("provider")
		if flag == nil {
			t.Fatal("expected provider flag")
		}
		if flag.DefValue != config.DefaultProvider {
			t.Errorf("expected default %q, got %q", config.DefaultProvider, flag.DefValue)
		}
	})
}

// TestBuildConfig tests config construction from flags.
func TestBuildConfig(t *testing.T) {
	t.Run("applies flag values", func(t *testing.T) {
		t.Parallel()

		cmd := NewFetchCmd()
		if err := cmd.ParseFlags([]string{
			"--provider", "capsolver",
			"--api-key", "test-key",
			"--timeout", "30s",
			"--concurrency", "5",
			"--proxy-strategy", "weighted",
			"--max-spend", "1.5",
		}); err != nil {
			t.Fatal(err)
		}

		cfg, err := buildConfig(cmd, []string{"https://shop.example.com"})
		if err != nil {
			t.Fatalf("buildConfig() error = %v", err)
		}

		if cfg.Provider != "capsolver" {
			t.Errorf("Provider = %q, want capsolver", cfg.Provider)
		}
		if cfg.APIKey != "test-key" {
			t.Errorf("APIKey = %q, want test-key", cfg.APIKey)
		}
		if cfg.HTTPTimeout != 30*time.Second {
			t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeout)
		}
		if cfg.Concurrency != 5 {
			t.Errorf("Concurrency = %d, want 5", cfg.Concurrency)
		}
		if cfg.ProxyStrategy != "weighted" {
			t.Errorf("ProxyStrategy = %q, want weighted", cfg.ProxyStrategy)
		}
		if cfg.MaxSpendPerDay != 1.5 {
			t.Errorf("MaxSpendPerDay = %v, want 1.5", cfg.MaxSpendPerDay)
		}
		if len(cfg.Targets) != 1 || cfg.Targets[0] != "https://shop.example.com" {
			t.Errorf("Targets = %v", cfg.Targets)
		}
	})

	t.Run("api key falls back to environment", func(t *testing.T) {
		t.Setenv(apiKeyEnvVar, "env-key")

		cmd := NewFetchCmd()
		if err := cmd.ParseFlags(nil); err != nil {
			t.Fatal(err)
		}

		cfg, err := buildConfig(cmd, []string{"https://shop.example.com"})
		if err != nil {
			t.Fatalf("buildConfig() error = %v", err)
		}
		if cfg.APIKey != "env-key" {
			t.Errorf("APIKey = %q, want env-key", cfg.APIKey)
		}
	})

	t.Run("merges list file targets", func(t *testing.T) {
		t.Parallel()

		listPath := filepath.Join(t.TempDir(), "urls.txt")
		content := "https://a.example.com\n\n# comment\nhttps://b.example.com\n"
		if err := os.WriteFile(listPath, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cmd := NewFetchCmd()
		if err := cmd.ParseFlags([]string{"--list", listPath}); err != nil {
			t.Fatal(err)
		}

		cfg, err := buildConfig(cmd, []string{"https://c.example.com"})
		if err != nil {
			t.Fatalf("buildConfig() error = %v", err)
		}

		want := []string{"https://c.example.com", "https://a.example.com", "https://b.example.com"}
		if len(cfg.Targets) != len(want) {
			t.Fatalf("Targets = %v, want %v", cfg.Targets, want)
		}
		for i := range want {
			if cfg.Targets[i] != want[i] {
				t.Errorf("Targets[%d] = %q, want %q", i, cfg.Targets[i], want[i])
			}
		}
	})

	t.Run("explicit missing config file errors", func(t *testing.T) {
		t.Parallel()

		cmd := NewFetchCmd()
		missing := filepath.Join(t.TempDir(), "absent.yml")
		if err := cmd.ParseFlags([]string{"--config", missing}); err != nil {
			t.Fatal(err)
		}

		if _, err := buildConfig(cmd, []string{"https://shop.example.com"}); err == nil {
			t.Error("expected error for missing explicit config file")
		}
	})

	t.Run("loads explicit config file", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "sites.yml")
		content := `sites:
  shop.example.com:
    siteKey: 6LcShopKey
`
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		cmd := NewFetchCmd()
		if err := cmd.ParseFlags([]string{"--config", configPath}); err != nil {
			t.Fatal(err)
		}

		cfg, err := buildConfig(cmd, []string{"https://shop.example.com"})
		if err != nil {
			t.Fatalf("buildConfig() error = %v", err)
		}
		if cfg.SiteConfigs.Sites["shop.example.com"].SiteKey != "6LcShopKey" {
			t.Errorf("SiteConfigs = %+v", cfg.SiteConfigs)
		}
	})
}

// TestBuildRequests tests request construction from targets and site
// configuration.
func TestBuildRequests(t *testing.T) {
	t.Parallel()

	cfg := config.NewConfig()
	cfg.Targets = []string{
		"https://shop.example.com/item/1",
		"https://open.example.com/page",
	}
	cfg.SiteConfigs = &config.File{
		Sites: map[string]config.SiteConfig{
			"shop.example.com": {
				SiteKey:  "6LcShopKey",
				Sticky:   true,
				Priority: 2,
			},
		},
	}

	reqs := buildRequests(cfg)
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}

	protected := reqs[0]
	if protected.Challenge == nil || protected.Challenge.SiteKey != "6LcShopKey" {
		t.Errorf("Challenge = %+v, want site key 6LcShopKey", protected.Challenge)
	}
	if protected.SessionID != "shop.example.com" {
		t.Errorf("SessionID = %q, want shop.example.com", protected.SessionID)
	}
	if protected.Priority != 2 {
		t.Errorf("Priority = %d, want 2", protected.Priority)
	}

	open := reqs[1]
	if open.Challenge != nil {
		t.Errorf("Challenge = %+v, want nil", open.Challenge)
	}
	if open.SessionID != "" {
		t.Errorf("SessionID = %q, want empty", open.SessionID)
	}
}

// TestHostOf tests host extraction.
func TestHostOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		rawURL string
		want   string
	}{
		{"https://shop.example.com/item/1", "shop.example.com"},
		{"http://shop.example.com:8443/", "shop.example.com"},
		{"not a url", "not a url"},
	}

	for _, tt := range tests {
		if got := hostOf(tt.rawURL); got != tt.want {
			t.Errorf("hostOf(%q) = %q, want %q", tt.rawURL, got, tt.want)
		}
	}
}

// TestFetchTransport tests header and token injection on outgoing fetches.
func TestFetchTransport(t *testing.T) {
	t.Parallel()

	var gotToken, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(tokenHeader)
		gotHeader = r.Header.Get("Accept-Language")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.NewConfig()
	cfg.SiteConfigs = &config.File{
		Sites: map[string]config.SiteConfig{
			"127.0.0.1": {
				Headers: map[string]string{"Accept-Language": "en-US"},
			},
		},
	}

	transport := newFetchTransport(cfg)
	req := pipeline.NewRequest("test", srv.URL)

	status, err := transport(context.Background(), req, "", "tok-1")
	if err != nil {
		t.Fatalf("transport error = %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if gotToken != "tok-1" {
		t.Errorf("token header = %q, want tok-1", gotToken)
	}
	if gotHeader != "en-US" {
		t.Errorf("Accept-Language = %q, want en-US", gotHeader)
	}
}

// TestFetchTransportConnectionReuse tests that response bodies are drained
// so sequential fetches share one connection.
func TestFetchTransportConnectionReuse(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "response body that must be drained before close")
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	defer srv.Close()

	cfg := config.NewConfig()
	cfg.SiteConfigs = &config.File{}
	transport := newFetchTransport(cfg)

	for i := range 3 {
		req := pipeline.NewRequest("test", srv.URL)
		status, err := transport(context.Background(), req, "", "")
		if err != nil {
			t.Fatalf("fetch %d error = %v", i, err)
		}
		if status != http.StatusOK {
			t.Fatalf("fetch %d status = %d, want 200", i, status)
		}
	}

	if got := conns.Load(); got != 1 {
		t.Errorf("server saw %d connections for 3 sequential fetches, want 1", got)
	}
}

// TestReadTargets tests the URL list loader.
func TestReadTargets(t *testing.T) {
	t.Parallel()

	t.Run("skips blanks and comments", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "urls.txt")
		content := "https://a.example.com\n# commented\n\n  https://b.example.com  \n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		targets, err := readTargets(path)
		if err != nil {
			t.Fatalf("readTargets() error = %v", err)
		}
		if len(targets) != 2 {
			t.Fatalf("got %d targets, want 2: %v", len(targets), targets)
		}
		if targets[1] != "https://b.example.com" {
			t.Errorf("targets[1] = %q", targets[1])
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		t.Parallel()

		if _, err := readTargets(filepath.Join(t.TempDir(), "nope.txt")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}
