// Package notifier delivers operator alerts: retry jobs that exhausted their
// attempts, circuit breakers opening and closing, and posts that ended in
// failed.
//
// Alerts go through a bounded queue drained by a small worker pool. Each
// alert fans out to every configured Sink (the structured log, Telegram).
// Sends are rate limited and retried with backoff, and identical alerts are
// suppressed for a dedup window. With PersistDedup the suppression survives
// restarts through the post store.
package notifier
