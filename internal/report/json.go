package report

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONWriter renders run summaries as indented JSON, for tool integration.
type JSONWriter struct {
	output io.Writer
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer) *JSONWriter {
	return &JSONWriter{output: output}
}

// Write outputs the summary as JSON.
func (w *JSONWriter) Write(summary *Summary) (int, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to serialize summary: %w", err)
	}
	data = append(data, '\n')
	return w.output.Write(data)
}
