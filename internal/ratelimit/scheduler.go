package ratelimit

import "sync"

// LocalRateLimitExceeded is raised by Scheduler.ReserveForBucket when every
// key in the pool is currently exhausted for the requested bucket. It
// carries the retry-after the caller should surface as an HTTP header.
type LocalRateLimitExceeded struct {
	Bucket     Bucket
	RetryAfter int
}

func (e *LocalRateLimitExceeded) Error() string {
	return "local rate limit exceeded for bucket " + string(e.Bucket)
}

// Scheduler holds the process-wide round-robin cursor and coordinates with
// a Store to produce allocations. The cursor lock is distinct from, and
// always released before, any call into the store — see spec.md §5's lock
// ordering rule: a task must never hold the cursor lock while calling the
// store.
type Scheduler struct {
	store  *Store
	cursMu sync.Mutex
	cursor int
}

// NewScheduler returns a scheduler with its cursor initialized to 0.
func NewScheduler(store *Store) *Scheduler {
	return &Scheduler{store: store}
}

// ReserveForBucket returns an allocation for the given bucket drawn from
// keys, or raises LocalRateLimitExceeded. When enabled is false (runtime
// rate-limiting inactive — see spec.md §6's activation conditions) it
// degrades to pure round-robin with no store interaction and a nil
// Allocation.Fingerprint/EventID (nothing to finalize).
//
// Every call advances the cursor exactly once, whether allocation
// succeeded or not.
func (s *Scheduler) ReserveForBucket(bucket Bucket, keys []string, limits Limits, enabled bool) (Allocation, error) {
	if len(keys) == 0 {
		return Allocation{}, &LocalRateLimitExceeded{Bucket: bucket, RetryAfter: 1}
	}

	s.cursMu.Lock()
	startIndex := s.cursor % len(keys)
	s.cursMu.Unlock()

	if !enabled {
		s.cursMu.Lock()
		keyIndex := s.cursor % len(keys)
		s.cursor++
		s.cursMu.Unlock()
		return Allocation{
			Key:      keys[keyIndex],
			KeyIndex: keyIndex,
			KeyCount: len(keys),
			Bucket:   bucket,
		}, nil
	}

	alloc, retryAfter := s.store.Reserve(bucket, keys, limits, startIndex)
	if alloc == nil {
		s.cursMu.Lock()
		s.cursor = startIndex + 1
		s.cursMu.Unlock()
		return Allocation{}, &LocalRateLimitExceeded{Bucket: bucket, RetryAfter: retryAfter}
	}

	s.cursMu.Lock()
	s.cursor = alloc.KeyIndex + 1
	s.cursMu.Unlock()
	return *alloc, nil
}

// Finalize delegates to the store. A no-op Allocation (EventID empty, as
// returned when rate-limiting is disabled) is safely ignored.
func (s *Scheduler) Finalize(a Allocation) {
	if a.EventID == "" {
		return
	}
	s.store.Finalize(a)
}

// Snapshot delegates to the store.
func (s *Scheduler) Snapshot(keys []string, limitsByBucket map[Bucket]BucketConfig, enabled bool) map[Bucket]BucketUsage {
	return s.store.Snapshot(keys, limitsByBucket, enabled)
}

// UpdatedAt delegates to the store.
func (s *Scheduler) UpdatedAt() (seconds float64, ok bool) {
	return s.store.UpdatedAt()
}
