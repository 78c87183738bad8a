package report

import (
	"time"

	"github.com/fetchguard/fetchguard/internal/guardrail"
	"github.com/fetchguard/fetchguard/internal/proxy"
	"github.com/fetchguard/fetchguard/internal/retry"
)

// Summary is the end-of-run view handed to writers.
type Summary struct {
	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Elapsed is the wall-clock run duration.
	Elapsed time.Duration `json:"elapsed"`

	// Requests counts requests entered into the pipeline.
	Requests int `json:"requests"`

	// Succeeded counts requests that ended with a successful response.
	Succeeded int `json:"succeeded"`

	// Failed counts requests that ended terminally without one.
	Failed int `json:"failed"`

	// Retry is the retry controller's final snapshot.
	Retry retry.Stats `json:"retry"`

	// Proxies is the proxy pool's final per-endpoint snapshot, nil when
	// the run went direct.
	Proxies []proxy.EndpointStats `json:"proxies,omitempty"`

	// Guardrail is the accountant's final snapshot, zero when no
	// guardrails were configured.
	Guardrail guardrail.Stats `json:"guardrail"`
}

// Writer renders a Summary to its configured destination.
type Writer interface {
	// Write outputs the summary. Returns the number of bytes written and
	// any error encountered.
	Write(summary *Summary) (int, error)
}

// MultiWriter writes one summary through several Writers, stopping on the
// first error.
type MultiWriter struct {
	writers []Writer
}

// NewMultiWriter creates a Writer that writes to all provided Writers.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

// Write outputs the summary to all configured Writers. Returns the total
// bytes written across all writers.
func (m *MultiWriter) Write(summary *Summary) (int, error) {
	var total int
	for _, w := range m.writers {
		n, err := w.Write(summary)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
