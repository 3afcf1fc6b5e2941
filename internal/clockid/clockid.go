// Package clockid provides the monotonic-ish wall clock and opaque id
// minting shared by the rate-limit store and the generation pipeline.
package clockid

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can freeze or advance it without
// sleeping. The zero value is not usable; construct with NewSystemClock.
type Clock interface {
	// Now returns the current time as seconds since the Unix epoch, with
	// sub-second precision preserved as a float.
	Now() float64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// NewSystemClock returns the production clock.
func NewSystemClock() SystemClock { return SystemClock{} }

// Now implements Clock.
func (SystemClock) Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// FixedClock is a test Clock that returns a caller-controlled instant.
type FixedClock struct {
	At float64
}

// Now implements Clock.
func (c *FixedClock) Now() float64 { return c.At }

// Advance moves the fixed clock forward by the given number of seconds.
func (c *FixedClock) Advance(seconds float64) { c.At += seconds }

// NewEventID mints a unique opaque id for a reservation event. IDs are
// hex-truncated UUIDs rather than full UUID strings to keep the persisted
// ledger compact, matching the short hex ids used throughout this service's
// fingerprinting and logging.
func NewEventID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewRequestID mints an id for X-Request-ID propagation.
func NewRequestID() string {
	return uuid.NewString()
}
