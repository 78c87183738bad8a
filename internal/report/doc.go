// Package report renders run summaries for operators.
//
// A Summary aggregates the end-of-run statistics of the retry controller,
// the proxy pool, and the guardrail accountant. Writers render it in
// different formats:
//   - MarkdownWriter: shareable Markdown for run reports
//   - JSONWriter: structured output for tool integration
//
// Design decision: We separate rendering from the stats producers so the
// pipeline packages never depend on an output format. Writers implement a
// common interface and can be composed for multi-format output.
package report
