package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fetchguard/fetchguard/internal/guardrail"
	"github.com/fetchguard/fetchguard/internal/proxy"
	"github.com/fetchguard/fetchguard/internal/retry"
)

func testSummary() *Summary {
	return &Summary{
		StartedAt: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		Elapsed:   90 * time.Second,
		Requests:  40,
		Succeeded: 37,
		Failed:    3,
		Retry: retry.Stats{
			Decisions:       12,
			Retries:         8,
			Exhausted:       2,
			BreakerRefusals: 1,
			OpenBreakers:    []string{"slow.example.com"},
		},
		Proxies: []proxy.EndpointStats{
			{Display: "10.0.0.1:8080", Successes: 20, Failures: 1, SuccessRate: 0.95},
			{Display: "10.0.0.2:8080", Successes: 5, Failures: 9, SuccessRate: 0.36, Quarantined: true},
		},
		Guardrail: guardrail.Stats{
			TotalSpend:      0.018,
			RemainingBudget: 0.982,
			Requests:        map[string]int{"shop": 40},
		},
	}
}

func TestMarkdownWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n, err := NewMarkdownWriter(&buf).Write(testSummary())
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n == 0 {
		t.Error("Write() reported 0 bytes")
	}

	out := buf.String()
	for _, want := range []string{
		"# Fetchguard Run Summary",
		"## Retries",
		"## Proxy Pool",
		"## Guardrails",
		"slow.example.com",
		"10.0.0.1:8080",
		"quarantined",
		"$0.018",
		"Requests (shop, 24h)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("markdown output missing %q", want)
		}
	}
}

func TestMarkdownWriterSkipsEmptyProxySection(t *testing.T) {
	t.Parallel()

	summary := testSummary()
	summary.Proxies = nil

	var buf bytes.Buffer
	if _, err := NewMarkdownWriter(&buf).Write(summary); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "## Proxy Pool") {
		t.Error("proxy section rendered for a direct run")
	}
}

func TestJSONWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if _, err := NewJSONWriter(&buf).Write(testSummary()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	var decoded Summary
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Requests != 40 || decoded.Retry.Retries != 8 {
		t.Errorf("decoded summary = %+v, want the original values", decoded)
	}
}

func TestMultiWriter(t *testing.T) {
	t.Parallel()

	var md, js bytes.Buffer
	w := NewMultiWriter(NewMarkdownWriter(&md), NewJSONWriter(&js))
	if _, err := w.Write(testSummary()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if md.Len() == 0 || js.Len() == 0 {
		t.Error("MultiWriter left a destination empty")
	}
}
