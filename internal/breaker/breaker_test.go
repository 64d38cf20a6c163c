package breaker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbnet/coordinator/internal/breaker"
)

func TestOpensAtThreshold(t *testing.T) {
	b := breaker.New(3, time.Minute)

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.True(t, b.Allow())

	// Third consecutive failure trips it, and only that call reports the
	// transition.
	assert.True(t, b.RecordFailure())
	assert.False(t, b.Allow())
	assert.False(t, b.RecordFailure())

	st := b.Status()
	assert.True(t, st.Open)
	assert.Equal(t, 4, st.Failures)
}

func TestSuccessResets(t *testing.T) {
	b := breaker.New(2, time.Minute)
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.True(t, b.Allow(), "non-consecutive failures must not trip the breaker")

	st := b.Status()
	assert.False(t, st.Open)
	assert.Equal(t, 1, st.Failures)
}

func TestHalfOpenProbe(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	b := breaker.New(1, 30*time.Second)
	b.SetClock(clock)

	require.True(t, b.RecordFailure())
	assert.False(t, b.Allow())

	// Cooldown elapsed: still open, but probes are admitted.
	now = now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	st := b.Status()
	assert.True(t, st.Open)
	assert.True(t, st.HalfOpen)

	// A failed probe restarts the cooldown.
	assert.False(t, b.RecordFailure())
	assert.False(t, b.Allow())

	// A successful probe closes it.
	now = now.Add(31 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.False(t, b.Open())
	assert.Equal(t, 0, b.Status().Failures)
}
