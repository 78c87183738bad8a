// Package webhookstore persists solver callback solutions in SQLite.
//
// The inbound webhook receiver writes each delivered solution here, and the
// captcha coordinator claims it from the other side. The two sides share
// nothing but this store, so the claim operation must be atomic: a solution
// is handed out exactly once even when several requests wait on the same
// task.
//
// Design decision: We keep the store on SQLite rather than in process memory
// so the webhook receiver can run as a separate daemon from the crawl
// pipeline. A single WAL-mode database file supports the one-writer,
// few-readers pattern both sides produce; claim-once semantics come from a
// single UPDATE ... RETURNING statement instead of a SELECT/UPDATE pair.
//
// Solutions are only useful for a couple of minutes, so a background purge
// removes records past the retention window.
package webhookstore
