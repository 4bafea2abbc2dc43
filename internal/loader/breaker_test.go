package loader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Second, MaxCooldown: 4 * time.Second}, clock.now)

	for i := 0; i < 2; i++ {
		assert.True(t, b.Allow())
		b.Failure()
		assert.Equal(t, BreakerClosed, b.State())
	}
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, 3, b.ConsecutiveFailures())
	assert.False(t, b.Allow())
	assert.Equal(t, time.Second, b.RetryAfter())
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, MaxCooldown: 4 * time.Second}, clock.now)

	b.Failure()
	clock.advance(time.Second)

	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe while half-open")

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.Zero(t, b.ConsecutiveFailures())
	assert.True(t, b.Allow())
}

func TestBreaker_CooldownDoublesUpToMax(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second, MaxCooldown: 3 * time.Second}, clock.now)

	b.Failure()
	want := []time.Duration{2 * time.Second, 3 * time.Second, 3 * time.Second}
	cooldown := time.Second
	for _, next := range want {
		clock.advance(cooldown)
		assert.True(t, b.Allow())
		b.Failure()
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, next, b.RetryAfter())
		cooldown = next
	}

	// Success resets the cooldown.
	clock.advance(cooldown)
	assert.True(t, b.Allow())
	b.Success()
	b.Failure()
	assert.Equal(t, time.Second, b.RetryAfter())
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
	assert.Equal(t, "unknown", BreakerState(9).String())
}
