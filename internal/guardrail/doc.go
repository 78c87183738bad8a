// Package guardrail enforces the operational ceilings of a crawl run:
// request rate per consumer, solver spend per day, and a run-wide
// consecutive failure cap.
//
// Rate windows are sliding, not calendar-aligned: a request counts against
// the hour and day windows ending now. Entries are pruned lazily on each
// check, so an idle consumer costs nothing.
//
// Design decision: Breaching the spend ceiling or the failure cap returns a
// fatal error instead of silently dropping work. Spend only grows while the
// run keeps solving, so the safe reaction to a breached ceiling is to stop
// the run, not to throttle it.
package guardrail
