package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(coolDown time.Duration) *Breaker {
	return NewBreaker("test", BreakerOpts{
		WindowSize:       4,
		FailureThreshold: 0.5,
		CoolDown:         coolDown,
		CoolDownCeil:     8 * coolDown,
		HalfOpenProbes:   2,
	})
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := testBreaker(time.Minute)

	b.Record(true)
	b.Record(false)
	b.Record(false)
	b.Record(false)

	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_NoTripBeforeWindowFull(t *testing.T) {
	b := testBreaker(time.Minute)

	// Three failures, window of four: 100% failure rate but not enough
	// observations to act on.
	b.Record(true)
	b.Record(true)
	b.Record(true)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := testBreaker(time.Minute)

	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(true)

	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreaker_HalfOpenAfterCoolDown(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	tripNow(t, b)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_HalfOpenCapsProbes(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	tripNow(t, b)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreaker_ClosesAfterProbeSuccesses(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	tripNow(t, b)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Record(false)
	require.NoError(t, b.Allow())
	b.Record(false)

	assert.Equal(t, StateClosed, b.State())

	// Recovery resets the window: a single failure must not re-trip.
	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ProbeFailureDoublesCoolDown(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	tripNow(t, b)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Allow())
	b.Record(true)

	// Re-opened with doubled cool-down: still open after the base period.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_CoolDownCeiling(t *testing.T) {
	b := NewBreaker("test", BreakerOpts{
		WindowSize:       4,
		FailureThreshold: 0.5,
		CoolDown:         10 * time.Millisecond,
		CoolDownCeil:     20 * time.Millisecond,
		HalfOpenProbes:   1,
	})
	tripNow(t, b)

	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		require.NoError(t, b.Allow())
		b.Record(true)
	}
	assert.LessOrEqual(t, b.coolDown, 20*time.Millisecond)
}

func TestBreaker_DiscardReleasesProbeSlot(t *testing.T) {
	b := testBreaker(20 * time.Millisecond)
	tripNow(t, b)
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// A cancelled call frees its slot without counting as an outcome.
	b.Discard()
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreaker_StaleOutcomeIgnoredWhileOpen(t *testing.T) {
	b := testBreaker(time.Minute)
	tripNow(t, b)

	// A call admitted before the trip completes afterwards.
	b.Record(false)
	assert.Equal(t, StateOpen, b.State())
}

func tripNow(t *testing.T, b *Breaker) {
	t.Helper()
	b.Record(true)
	b.Record(true)
	b.Record(true)
	b.Record(true)
	require.Equal(t, StateOpen, b.State())
}
