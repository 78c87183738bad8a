package pipeline

import (
	"github.com/google/uuid"

	"github.com/fetchguard/fetchguard/internal/captcha"
)

// Request is one fetch job going through the pipeline.
type Request struct {
	// ID uniquely identifies the request across retries and resubmits.
	ID string

	// Consumer names the pipeline consumer the request belongs to. It
	// keys both rate windows and challenge sharing.
	Consumer string

	// URL is the target URL.
	URL string

	// SessionID, when non-empty, pins every attempt of the request to the
	// same proxy endpoint.
	SessionID string

	// Priority above zero shortens retry delays.
	Priority int

	// NonRetryable marks requests that must never go around again.
	NonRetryable bool

	// Challenge, when non-nil, means the target page is protected and a
	// token must be resolved before each fetch.
	Challenge *Challenge

	// attempt counts completed tries.
	attempt int
}

// Challenge describes the protection on a request's target page.
type Challenge struct {
	// SiteKey is the challenge site key embedded in the page.
	SiteKey string

	// Invisible marks the invisible challenge variant.
	Invisible bool
}

// NewRequest creates a Request for consumer and url with a fresh ID.
func NewRequest(consumer, url string) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Consumer: consumer,
		URL:      url,
	}
}

// Attempt reports how many tries of the request have completed.
func (r *Request) Attempt() int { return r.attempt }

// challenge builds the coordinator's view of the request's protection.
func (r *Request) challenge() captcha.Challenge {
	return captcha.Challenge{
		Consumer:  r.Consumer,
		SiteKey:   r.Challenge.SiteKey,
		PageURL:   r.URL,
		Invisible: r.Challenge.Invisible,
	}
}
