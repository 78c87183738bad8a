// Package solver provides a uniform interface over third-party CAPTCHA
// solving services.
//
// # Architecture
//
// Every provider exposes the same two-operation capability:
//
//   - Submit: hand a challenge (site key + page URL) to the service and
//     receive a task ID
//   - Poll: ask whether the task has been solved yet
//
// Two protocol families are implemented:
//
//   - TwoCaptcha: the classic GET-based in.php/res.php protocol
//   - CapSolver: the JSON task-based createTask/getTaskResult protocol
//
// The coordinator that drives solving is protocol-agnostic; it only sees the
// Provider interface. New creates the right variant from a configured
// provider name.
//
// # Error classification
//
// Providers classify their own response payloads into two kinds of failure:
//
//   - PermanentError: bad credentials, zero balance, malformed input.
//     Retrying will not help; the error propagates to the caller.
//   - TransientError: rate limiting, "not ready yet", transport failures
//     beyond the retry budget. Safe to retry or keep polling.
//
// Transport-level failures (timeouts, connection errors, non-200 responses,
// malformed JSON) are retried a bounded number of times inside the provider
// and surface as TransientError once the budget is exhausted. Challenge-level
// failures are never retried at this layer.
package solver
