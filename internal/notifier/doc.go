// Package notifier is the asynchronous delivery pipeline behind incident
// notifications: a bounded queue drained by a worker pool with a shared rate
// limit, retry with jittered backoff and duplicate suppression.
//
// # Dedup
//
// A notification for the same (subscriber, incident) pair is delivered at
// most once per dedup window. The window lives in memory and, when
// PersistDedup is set, in storage so it survives restarts and session
// re-subscriptions.
//
// # Delivery log
//
// Every outcome (sent, failed, deduped, dropped) is appended to the
// storage delivery log when a store is configured, and published on the
// event bus.
package notifier
