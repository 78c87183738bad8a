package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseSize limits how much of a provider response we read.
// Provider responses are small JSON documents; anything larger is a
// misbehaving endpoint.
const maxResponseSize = 1 << 20 // 1MB

// transport performs JSON requests against a solving service with a per-call
// timeout and a bounded number of retries for transport-level failures only.
//
// Design decision: retries live here, below the protocol layer, so both
// provider variants share the same transport behavior and neither can
// accidentally retry a challenge-level rejection.
type transport struct {
	client  *http.Client
	retries int
}

func newTransport(client *http.Client, timeout time.Duration, retries int) *transport {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &transport{client: client, retries: retries}
}

// getJSON fetches url and decodes the JSON response into out.
func (t *transport) getJSON(ctx context.Context, url string, out any) error {
	return t.doJSON(ctx, http.MethodGet, url, nil, out)
}

// postJSON sends payload as a JSON body to url and decodes the response into out.
func (t *transport) postJSON(ctx context.Context, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request payload: %w", err)
	}
	return t.doJSON(ctx, http.MethodPost, url, body, out)
}

// doJSON performs the request with up to t.retries additional attempts.
// Failed attempts back off linearly (750ms, 1.5s, ...) so a briefly
// unreachable service gets a moment to recover.
func (t *transport) doJSON(ctx context.Context, method, url string, body []byte, out any) error {
	var lastErr error

	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return &TransientError{Op: "transport", Reason: "request canceled", Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 750 * time.Millisecond):
			}
		}

		if err := t.doOnce(ctx, method, url, body, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return &TransientError{
		Op:     "transport",
		Reason: fmt.Sprintf("request failed after %d attempts", t.retries+1),
		Err:    lastErr,
	}
}

func (t *transport) doOnce(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid JSON response: %w", err)
	}
	return nil
}
