package ratelimit

import (
	"math"
	"sync"

	"github.com/ocx/nanobanana-gateway/internal/clockid"
	"github.com/ocx/nanobanana-gateway/internal/fingerprint"
)

// Allocation is the result of a successful Reserve: the key that was
// admitted, its position/size in the pool at admission time, and a handle
// sufficient to Finalize the reservation later.
type Allocation struct {
	Key         string
	KeyIndex    int
	KeyCount    int
	Bucket      Bucket
	Fingerprint string
	EventID     string
}

// BucketUsage is the snapshot view of one bucket's aggregate usage across
// the whole key pool, reported by Store.Snapshot.
type BucketUsage struct {
	Label             string
	RPMUsed           int
	RPMLimit          int
	RPDUsed           int
	RPDLimit          int
	Exhausted         bool
	RetryAfterSeconds int
}

// Store owns the in-memory ledger and its persistence path. All three
// public operations (Reserve, Finalize, Snapshot) acquire mu for their
// entire duration, including the atomic rename write, and each begins by
// pruning expired events under the same critical section. The store is
// process-local: it is not safe to point two processes at the same state
// path concurrently.
type Store struct {
	mu            sync.Mutex
	clock         clockid.Clock
	path          string
	defaultRetry  int
	ledger        *Ledger
	onLoadWarning func(string)
}

// NewStore loads path (or starts an empty ledger on a missing/corrupt file)
// and returns a ready Store. defaultRetry is the retry-after fallback used
// when a bucket's limits are zero ("quota unknown"). onWarning, if non-nil,
// receives a human-readable message when load recovers from a bad file;
// callers typically wire this to their logger.
func NewStore(clock clockid.Clock, path string, defaultRetry int, onWarning func(string)) *Store {
	ledger, warning := load(path)
	if warning != "" && onWarning != nil {
		onWarning(warning)
	}
	return &Store{
		clock:        clock,
		path:         path,
		defaultRetry: defaultRetry,
		ledger:       ledger,
	}
}

func (s *Store) persistLocked() error {
	return save(s.path, s.ledger)
}

// usage computes (rpmUsed, rpdUsed, minuteEvents, dayEvents) for one
// fingerprint's event sequence at instant now. minuteEvents/dayEvents are
// the sorted (already ascending) subsequences needed for wait estimation.
func usage(events []Event, now float64) (rpmUsed, rpdUsed int, minuteEvents, dayEvents []Event) {
	minuteCutoff := now - RPMWindowSeconds
	dayCutoff := now - RPDWindowSeconds
	for _, e := range events {
		if e.Ts >= dayCutoff {
			dayEvents = append(dayEvents, e)
			if e.Ts >= minuteCutoff {
				minuteEvents = append(minuteEvents, e)
			}
		}
	}
	return len(minuteEvents), len(dayEvents), minuteEvents, dayEvents
}

// waitSeconds returns the smallest non-negative integer wait such that at
// now+wait at least one release (from either window) would free a slot.
// Both windows must independently admit, so the two contributions combine
// with max, not min — see spec.md §4.1's note on this exact semantics.
func waitSeconds(events []Event, limits Limits, now float64, defaultRetry int) int {
	if limits.Zero() {
		return defaultRetry
	}
	rpmUsed, rpdUsed, minuteEvents, dayEvents := usage(events, now)

	var waits []float64
	if rpmUsed >= limits.RPM {
		idx := rpmUsed - limits.RPM
		if idx < len(minuteEvents) {
			release := minuteEvents[idx].Ts + RPMWindowSeconds
			waits = append(waits, math.Max(0, release-now))
		}
	}
	if rpdUsed >= limits.RPD {
		idx := rpdUsed - limits.RPD
		if idx < len(dayEvents) {
			release := dayEvents[idx].Ts + RPDWindowSeconds
			waits = append(waits, math.Max(0, release-now))
		}
	}
	if len(waits) == 0 {
		return 0
	}
	binding := waits[0]
	for _, w := range waits[1:] {
		if w > binding {
			binding = w
		}
	}
	wait := int(math.Ceil(binding))
	if wait < 1 {
		wait = 1
	}
	return wait
}

func available(events []Event, limits Limits, now float64) bool {
	if limits.Zero() {
		return false
	}
	rpmUsed, rpdUsed, _, _ := usage(events, now)
	return rpmUsed < limits.RPM && rpdUsed < limits.RPD
}

// Reserve admits one request against bucket, trying keys starting at
// startIndex and wrapping through the pool once. On success it appends a
// fresh event, persists, and returns an Allocation with retryAfter 0. On
// failure it returns a nil Allocation and the soonest retry-after across
// the exhausted keys (the minimum — "soonest any key frees", per spec.md
// §9's Open Question, kept as specified).
func (s *Store) Reserve(bucket Bucket, keys []string, limits Limits, startIndex int) (*Allocation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	changed := s.ledger.prune(now)

	if len(keys) == 0 {
		if changed {
			s.ledger.UpdatedAt = isoNow(now)
			_ = s.persistLocked()
		}
		return nil, s.defaultRetry
	}

	n := len(keys)
	var waits []int
	for offset := 0; offset < n; offset++ {
		keyIndex := (startIndex + offset) % n
		key := keys[keyIndex]
		fp := fingerprint.Of(key)
		events := s.ledger.eventsFor(bucket, fp)

		if available(events, limits, now) {
			event := Event{ID: clockid.NewEventID(), Ts: now}
			updated := append(append([]Event{}, events...), event)
			s.ledger.setEvents(bucket, fp, updated)
			s.ledger.UpdatedAt = isoNow(now)
			changed = true
			if err := s.persistLocked(); err != nil {
				// Persistence failure does not unwind the in-memory grant:
				// the ledger stays internally consistent and will be
				// written on the next mutating op.
				_ = err
			}
			return &Allocation{
				Key:         key,
				KeyIndex:    keyIndex,
				KeyCount:    n,
				Bucket:      bucket,
				Fingerprint: fp,
				EventID:     event.ID,
			}, 0
		}
		waits = append(waits, waitSeconds(events, limits, now, s.defaultRetry))
	}

	if changed {
		_ = s.persistLocked()
	}

	if len(waits) == 0 {
		return nil, s.defaultRetry
	}
	min := waits[0]
	for _, w := range waits[1:] {
		if w < min {
			min = w
		}
	}
	if min < 1 {
		min = 1
	}
	return nil, min
}

// Finalize advances the reservation's event timestamp to the current
// instant (never backward) and persists. A request whose generation call
// ran long is thereby counted against the RPM window from completion time,
// not admission time — intentional, see spec.md §4.1.
func (s *Store) Finalize(a Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	changed := s.ledger.prune(now)

	events := s.ledger.eventsFor(a.Bucket, a.Fingerprint)
	for i, e := range events {
		if e.ID == a.EventID {
			if now > e.Ts {
				events[i].Ts = now
				changed = true
			}
			sortByTs(events)
			s.ledger.setEvents(a.Bucket, a.Fingerprint, events)
			break
		}
	}
	if changed {
		s.ledger.UpdatedAt = isoNow(now)
		_ = s.persistLocked()
	}
}

// Snapshot reports aggregate usage for every configured bucket across the
// whole key pool: pooled totals (per-key limit × pool size), summed used
// counts, whether any key in the bucket currently admits, and the
// soonest-available retry-after when none does.
func (s *Store) Snapshot(keys []string, limitsByBucket map[Bucket]BucketConfig, enabled bool) map[Bucket]BucketUsage {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.ledger.prune(now) {
		s.ledger.UpdatedAt = isoNow(now)
		_ = s.persistLocked()
	}

	out := make(map[Bucket]BucketUsage, len(limitsByBucket))
	for bucket, cfg := range limitsByBucket {
		usageOut := BucketUsage{
			Label:    cfg.Label,
			RPMLimit: cfg.Limits.RPM * len(keys),
			RPDLimit: cfg.Limits.RPD * len(keys),
		}
		anyAvailable := false
		var waits []int
		for _, key := range keys {
			fp := fingerprint.Of(key)
			events := s.ledger.eventsFor(bucket, fp)
			rpmUsed, rpdUsed, _, _ := usage(events, now)
			usageOut.RPMUsed += rpmUsed
			usageOut.RPDUsed += rpdUsed
			if available(events, cfg.Limits, now) {
				anyAvailable = true
			} else {
				waits = append(waits, waitSeconds(events, cfg.Limits, now, s.defaultRetry))
			}
		}
		exhausted := enabled && len(keys) > 0 && !anyAvailable
		usageOut.Exhausted = exhausted
		if exhausted && len(waits) > 0 {
			min := waits[0]
			for _, w := range waits[1:] {
				if w < min {
					min = w
				}
			}
			usageOut.RetryAfterSeconds = min
		}
		out[bucket] = usageOut
	}
	return out
}

// UpdatedAt returns the ledger's last-mutation instant, for diagnostics.
func (s *Store) UpdatedAt() (seconds float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ledger.UpdatedAt.IsZero() {
		return 0, false
	}
	return float64(s.ledger.UpdatedAt.UnixNano()) / 1e9, true
}
