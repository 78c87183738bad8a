// Package proxy selects an outbound proxy endpoint per request and tracks
// how well each one performs.
//
// Three rotation strategies are available: round-robin, random, and
// weighted, where an endpoint's weight is its success rate divided by its
// average latency. An endpoint whose accumulated failures reach the limit
// is quarantined and skipped by selection; release resets the count.
// Session-pinned requests keep their endpoint until it lands in
// quarantine.
//
// Design decision: Selection fails open. When every endpoint is quarantined
// the pool clears the quarantine and keeps serving rather than stalling the
// crawl; degraded proxies beat no proxies. A softer valve triggers earlier:
// once more than half the pool is quarantined, the half that has been
// quarantined longest is released.
package proxy
