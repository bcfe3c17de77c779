package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:           "learner-service",
		MaxFailures:    3,
		Cooldown:       30 * time.Millisecond,
		HalfOpenProbes: 1,
	}
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	gen, err := b.Allow()
	require.NoError(t, err)
	b.Record(gen, false)
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := New(testConfig())
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Record(gen, true)
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures, "success resets the run")
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	fail(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_HalfOpensAfterCooldown(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// One probe is allowed, the second is refused.
	_, err := b.Allow()
	require.NoError(t, err)
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	time.Sleep(40 * time.Millisecond)

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Record(gen, true)
	assert.Equal(t, StateClosed, b.State())

	_, err = b.Allow()
	assert.NoError(t, err)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b := New(testConfig())
	for i := 0; i < 3; i++ {
		fail(t, b)
	}
	time.Sleep(40 * time.Millisecond)

	gen, err := b.Allow()
	require.NoError(t, err)
	b.Record(gen, false)
	assert.Equal(t, StateOpen, b.State())

	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_StaleGenerationIsDiscarded(t *testing.T) {
	b := New(testConfig())
	gen, err := b.Allow()
	require.NoError(t, err)

	// The breaker trips while the call is in flight.
	fail(t, b)
	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	// A late success from the pre-trip generation must not close it.
	b.Record(gen, true)
	assert.Equal(t, StateOpen, b.State())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("notification-service")
	assert.Equal(t, "notification-service", cfg.Name)
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)
	assert.Equal(t, 1, cfg.HalfOpenProbes)
}

func TestManager_OneBreakerPerTarget(t *testing.T) {
	m := NewManager(testConfig())

	a := m.Get("learner-service")
	b := m.Get("notification-service")
	assert.NotSame(t, a, b)
	assert.Same(t, a, m.Get("learner-service"), "same target returns the same breaker")
}

func TestManager_StatesSnapshot(t *testing.T) {
	m := NewManager(testConfig())
	m.Get("learner-service")
	tripped := m.Get("notification-service")
	for i := 0; i < 3; i++ {
		fail(t, tripped)
	}

	states := m.States()
	assert.Equal(t, "CLOSED", states["learner-service"])
	assert.Equal(t, "OPEN", states["notification-service"])
}
