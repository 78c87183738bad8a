// Package webhookd implements the inbound callback receiver for solver
// providers that push solutions instead of being polled.
//
// The receiver exposes three endpoints:
//
//   - POST /webhook takes the provider's form-encoded delivery (id and code)
//     and persists it to the solution store.
//   - GET /health reports receiver status and the stored solution count.
//   - GET /2captcha.txt answers the domain verification probe some providers
//     send before they agree to deliver callbacks.
//
// Design decision: The receiver runs as its own daemon rather than inside
// the crawl pipeline. Providers deliver callbacks to a public URL, and that
// URL must stay reachable across pipeline restarts; the SQLite store is the
// only thing the two processes share.
package webhookd
