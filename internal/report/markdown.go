package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/markdown"
)

// MarkdownWriter renders run summaries as Markdown.
//
// Design decision: We use the nao1215/markdown library for fluent markdown
// generation which provides type-safe tables and GitHub-flavored output.
type MarkdownWriter struct {
	output io.Writer
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given
// writer.
func NewMarkdownWriter(output io.Writer) *MarkdownWriter {
	return &MarkdownWriter{output: output}
}

// Write outputs the full summary in Markdown format.
func (w *MarkdownWriter) Write(summary *Summary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, summary)
	w.writeRetry(md, summary)
	w.writeProxies(md, summary)
	w.writeGuardrail(md, summary)

	return len(md.String()), md.Build()
}

// writeHeader writes the run overview table.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, summary *Summary) {
	md.H1("Fetchguard Run Summary")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Started", summary.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Elapsed", summary.Elapsed.Round(time.Millisecond).String()},
			{"Requests", strconv.Itoa(summary.Requests)},
			{"Succeeded", strconv.Itoa(summary.Succeeded)},
			{"Failed", strconv.Itoa(summary.Failed)},
		},
	})
	md.PlainText("")
}

// writeRetry writes the retry controller section.
func (w *MarkdownWriter) writeRetry(md *markdown.Markdown, summary *Summary) {
	md.H2("Retries")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Count"},
		Rows: [][]string{
			{"Decisions", strconv.Itoa(summary.Retry.Decisions)},
			{"Retries", strconv.Itoa(summary.Retry.Retries)},
			{"Exhausted", strconv.Itoa(summary.Retry.Exhausted)},
			{"Breaker refusals", strconv.Itoa(summary.Retry.BreakerRefusals)},
		},
	})
	md.PlainText("")

	if len(summary.Retry.OpenBreakers) > 0 {
		md.PlainText("Open circuit breakers: `" + strings.Join(summary.Retry.OpenBreakers, "`, `") + "`")
		md.PlainText("")
	}
}

// writeProxies writes the per-endpoint proxy table, skipped for direct
// runs.
func (w *MarkdownWriter) writeProxies(md *markdown.Markdown, summary *Summary) {
	if len(summary.Proxies) == 0 {
		return
	}

	md.H2("Proxy Pool")
	md.PlainText("")

	rows := make([][]string, 0, len(summary.Proxies))
	for _, ep := range summary.Proxies {
		state := "healthy"
		if ep.Quarantined {
			state = "quarantined"
		}
		rows = append(rows, []string{
			"`" + ep.Display + "`",
			strconv.Itoa(ep.Successes),
			strconv.Itoa(ep.Failures),
			fmt.Sprintf("%.0f%%", ep.SuccessRate*100),
			state,
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Endpoint", "Successes", "Failures", "Success rate", "State"},
		Rows:   rows,
	})
	md.PlainText("")
}

// writeGuardrail writes the spend and rate section.
func (w *MarkdownWriter) writeGuardrail(md *markdown.Markdown, summary *Summary) {
	md.H2("Guardrails")
	md.PlainText("")

	rows := [][]string{
		{"Solve spend", fmt.Sprintf("$%.3f", summary.Guardrail.TotalSpend)},
		{"Remaining budget", fmt.Sprintf("$%.3f", summary.Guardrail.RemainingBudget)},
	}
	consumers := make([]string, 0, len(summary.Guardrail.Requests))
	for consumer := range summary.Guardrail.Requests {
		consumers = append(consumers, consumer)
	}
	sort.Strings(consumers)
	for _, consumer := range consumers {
		rows = append(rows, []string{"Requests (" + consumer + ", 24h)", strconv.Itoa(summary.Guardrail.Requests[consumer])})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Metric", "Value"},
		Rows:   rows,
	})
}
