package ratelimit

import (
	"sort"
	"time"
)

// isoNow converts a float64 epoch-seconds instant (the Clock's native
// representation) to the UTC time.Time stored as the ledger's updated_at.
func isoNow(seconds float64) time.Time {
	return time.Unix(0, int64(seconds*1e9)).UTC()
}

// Ledger is the in-memory mapping bucket -> fingerprint -> ordered event
// sequence, plus the timestamp of its last mutation. The zero value is an
// empty, usable ledger.
type Ledger struct {
	UpdatedAt time.Time
	Events    map[Bucket]map[string][]Event
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{Events: make(map[Bucket]map[string][]Event)}
}

// eventsFor returns the (possibly empty, never nil) event slice for a
// bucket/fingerprint pair without mutating the ledger.
func (l *Ledger) eventsFor(bucket Bucket, fp string) []Event {
	fps, ok := l.Events[bucket]
	if !ok {
		return nil
	}
	return fps[fp]
}

// setEvents replaces the event slice for a bucket/fingerprint pair,
// dropping the submaps entirely when the slice becomes empty so that a
// fingerprint with zero events never appears in its bucket submap.
func (l *Ledger) setEvents(bucket Bucket, fp string, events []Event) {
	if len(events) == 0 {
		if fps, ok := l.Events[bucket]; ok {
			delete(fps, fp)
			if len(fps) == 0 {
				delete(l.Events, bucket)
			}
		}
		return
	}
	fps, ok := l.Events[bucket]
	if !ok {
		fps = make(map[string][]Event)
		l.Events[bucket] = fps
	}
	fps[fp] = events
}

// sortByTs restores the non-decreasing-by-Ts invariant after a finalize may
// have bumped one event's timestamp past its neighbors.
func sortByTs(events []Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Ts < events[j].Ts })
}

// prune drops every event older than the RPD window and any submap that
// becomes empty as a result. It reports whether anything changed.
func (l *Ledger) prune(now float64) bool {
	changed := false
	cutoff := now - RPDWindowSeconds
	for bucket, fps := range l.Events {
		for fp, events := range fps {
			kept := events[:0:0]
			for _, e := range events {
				if e.Ts >= cutoff {
					kept = append(kept, e)
				} else {
					changed = true
				}
			}
			if len(kept) == 0 {
				delete(fps, fp)
				changed = true
				continue
			}
			if len(kept) != len(events) {
				fps[fp] = kept
			}
		}
		if len(fps) == 0 {
			delete(l.Events, bucket)
		}
	}
	return changed
}
