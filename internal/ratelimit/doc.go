// Package ratelimit implements the per-key rate-limit scheduler: a durable,
// concurrency-safe, per-(model-bucket, key-fingerprint) event ledger with
// sliding-window RPM/RPD accounting (Store), and a round-robin key scheduler
// (Scheduler) that coordinates with the store to produce an allocation or a
// principled retry-after.
//
// The store holds one exclusive lock for the duration of every operation;
// the scheduler's cursor is guarded by a separate, fine-grained lock. A
// caller must never hold the cursor lock while calling into the store — see
// Scheduler.ReserveForBucket for the handoff.
package ratelimit

// Window durations, in seconds.
const (
	RPMWindowSeconds = 60
	RPDWindowSeconds = 86_400
)
