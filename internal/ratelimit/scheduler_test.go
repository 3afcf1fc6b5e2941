package ratelimit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/nanobanana-gateway/internal/clockid"
)

func TestSchedulerDisabledDegradesToPlainRoundRobin(t *testing.T) {
	store := NewStore(&clockid.FixedClock{At: 0}, tempStorePath(t), 30, nil)
	scheduler := NewScheduler(store)
	keys := []string{"a", "b"}

	a1, err := scheduler.ReserveForBucket(BucketStandard, keys, Limits{}, false)
	require.NoError(t, err)
	assert.Equal(t, "a", a1.Key)
	assert.Empty(t, a1.EventID, "disabled mode reserves nothing in the ledger")

	a2, err := scheduler.ReserveForBucket(BucketStandard, keys, Limits{}, false)
	require.NoError(t, err)
	assert.Equal(t, "b", a2.Key)

	a3, err := scheduler.ReserveForBucket(BucketStandard, keys, Limits{}, false)
	require.NoError(t, err)
	assert.Equal(t, "a", a3.Key, "cursor wraps")
}

func TestSchedulerRefusalAdvancesCursorPastExhaustedKey(t *testing.T) {
	store := NewStore(&clockid.FixedClock{At: 0}, tempStorePath(t), 30, nil)
	scheduler := NewScheduler(store)
	keys := []string{"only-key"}
	limits := Limits{RPM: 1, RPD: 10}

	_, err := scheduler.ReserveForBucket(BucketStandard, keys, limits, true)
	require.NoError(t, err)

	_, err = scheduler.ReserveForBucket(BucketStandard, keys, limits, true)
	var refused *LocalRateLimitExceeded
	require.True(t, errors.As(err, &refused))
	assert.GreaterOrEqual(t, refused.RetryAfter, 1)

	// Cursor still advanced — the next call does not get stuck retrying the
	// same starting index forever.
	_, err = scheduler.ReserveForBucket(BucketStandard, keys, limits, true)
	require.True(t, errors.As(err, &refused))
}

func TestSchedulerEmptyPoolRefusesWithAtLeastOneSecond(t *testing.T) {
	store := NewStore(&clockid.FixedClock{At: 0}, tempStorePath(t), 30, nil)
	scheduler := NewScheduler(store)

	_, err := scheduler.ReserveForBucket(BucketStandard, nil, Limits{RPM: 5, RPD: 5}, true)
	var refused *LocalRateLimitExceeded
	require.True(t, errors.As(err, &refused))
	assert.GreaterOrEqual(t, refused.RetryAfter, 1)
}
