package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually stepped time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestBreaker() (Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	b := NewWithNow(Config{FailureThreshold: 5, Timeout: 60 * time.Second}, clock.now)
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker()

	assert.Equal(t, Closed, b.GetState())
	assert.True(t, b.Allow())
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.Record(false)
		assert.Equal(t, Closed, b.GetState(), "should stay closed below threshold")
	}

	b.Record(false)
	assert.Equal(t, Open, b.GetState())
	assert.False(t, b.Allow())
}

func TestBreakerHalfOpenAfterTimeout(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	require.Equal(t, Open, b.GetState())

	// Just under the timeout: still open.
	clock.advance(59 * time.Second)
	assert.False(t, b.Allow())
	assert.Equal(t, Open, b.GetState())

	// Past the timeout: the allow check itself performs the transition.
	clock.advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.GetState())
}

func TestBreakerSingleTrialPerWindow(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.advance(61 * time.Second)

	require.True(t, b.Allow())
	assert.False(t, b.Allow(), "second request must not ride the same trial")
	assert.False(t, b.Allow())

	// A trial whose outcome never arrives frees the slot after a full window.
	clock.advance(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.GetState())
}

func TestCanAttemptDoesNotClaim(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.advance(61 * time.Second)

	// Repeated checks leave the breaker open and the trial unclaimed.
	assert.True(t, b.CanAttempt())
	assert.True(t, b.CanAttempt())
	assert.Equal(t, Open, b.GetState())

	require.True(t, b.Allow())
	assert.False(t, b.CanAttempt(), "claimed trial should block further attempts")

	b.Record(true)
	assert.True(t, b.CanAttempt())
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.advance(61 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.GetState())

	b.Record(true)

	assert.Equal(t, Closed, b.GetState())
	assert.Equal(t, 0, b.Stats().Failures)
	assert.True(t, b.Allow())
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	clock.advance(61 * time.Second)
	require.True(t, b.Allow())

	b.Record(false)
	assert.Equal(t, Open, b.GetState())

	// The failure timer restarted: the previous elapsed time no longer counts.
	clock.advance(59 * time.Second)
	assert.False(t, b.Allow())
	clock.advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, HalfOpen, b.GetState())
}

func TestSuccessAlwaysResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker()

	b.Record(false)
	b.Record(false)
	b.Record(false)
	b.Record(true)

	assert.Equal(t, Closed, b.GetState())
	assert.Equal(t, 0, b.Stats().Failures)

	// The reset count means another full threshold of failures is needed.
	for i := 0; i < 4; i++ {
		b.Record(false)
	}
	assert.Equal(t, Closed, b.GetState())
	b.Record(false)
	assert.Equal(t, Open, b.GetState())
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.Record(false)
	}
	require.Equal(t, Open, b.GetState())

	b.Reset()

	assert.Equal(t, Closed, b.GetState())
	assert.Equal(t, 0, b.Stats().Failures)
	assert.True(t, b.Allow())
}

func TestBreakerDefaultsApplied(t *testing.T) {
	b := New(Config{})

	for i := 0; i < DefaultConfig.FailureThreshold; i++ {
		b.Record(false)
	}
	assert.Equal(t, Open, b.GetState())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", Closed.String())
	assert.Equal(t, "OPEN", Open.String())
	assert.Equal(t, "HALF_OPEN", HalfOpen.String())
}
