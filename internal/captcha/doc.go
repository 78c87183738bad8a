// Package captcha coordinates CAPTCHA solving for outbound requests.
//
// # Architecture
//
// The Coordinator answers one question for the request pipeline: "give me a
// valid token for this challenge". It combines three pieces of shared state:
//
//   - Token cache: per (consumer, site key, origin) tokens with a TTL,
//     evicted lazily on lookup. A token is never handed out past its expiry.
//   - In-flight registry: concurrent requests for the same challenge key
//     share a single upstream solve. Only the first caller talks to the
//     provider; everyone else waits for the same outcome.
//   - Solver provider: the upstream service, behind the solver.Provider
//     interface.
//
// Design decision: the in-flight registry is built on
// golang.org/x/sync/singleflight rather than a hand-rolled future map.
// singleflight gives exactly the semantics required: one live call per key,
// all joiners observe the same result, and the entry is removed when the
// call settles regardless of how many callers awaited it.
//
// # Strategies
//
// Two token-acquisition strategies exist. Polling submits the challenge and
// polls the provider with exponential backoff until the token arrives or the
// wall-clock budget runs out. Webhook submits with a callback URL and polls
// the local solution store (written by the inbound callback receiver) at a
// fixed short interval; claiming a stored solution is atomic so two local
// waiters can never both consume one callback delivery. Providers without
// callback support silently degrade to the polling path; this mirrors the
// long-standing deployment behavior and is logged once so operators can see
// the mixed strategy.
package captcha
