// Package retry decides whether and when a failed fetch goes around again.
//
// The controller combines three signals: the response status code, the
// transport error class, and a per-host circuit breaker. Retryable outcomes
// get an exponentially growing delay with jitter; requests marked as high
// priority wait proportionally less. A host that keeps failing trips its
// breaker, and every request for that host is refused outright until the
// open window has elapsed since the host's last recorded failure.
//
// Design decision: The breaker re-closes purely by timeout rather than by a
// probe request. The pipeline keeps sending real traffic, so the first
// request after the window is the probe; a dedicated half-open state would
// only duplicate what the failure counter already expresses.
package retry
