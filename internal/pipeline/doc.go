// Package pipeline runs fetch requests through the full resilience chain:
// guardrails, proxy selection, captcha resolution, the transport itself,
// and the retry controller.
//
// Design decision: The chain is a loop around one attempt rather than a
// middleware stack. Every attempt re-selects its proxy and re-checks its
// token, because the point of a retry is that the world has changed since
// the last try; freezing those decisions at submission time would retry
// the exact failure.
//
// The pipeline supports both individual requests and batch processing with
// concurrency control using errgroup.
package pipeline
