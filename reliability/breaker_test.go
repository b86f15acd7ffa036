package reliability

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	breaker := NewBreaker("http://upstream", BreakerSettings{FailureThreshold: 5, Cooldown: time.Hour})
	boom := errors.New("boom")

	var attempts int32
	op := func() error {
		atomic.AddInt32(&attempts, 1)
		return boom
	}
	for i := 0; i < 5; i++ {
		err := breaker.Execute(op)
		assert.Equal(t, boom, err)
	}
	require.EqualValues(t, 5, atomic.LoadInt32(&attempts))

	// the sixth dispatch is rejected without invoking the operation
	err := breaker.Execute(op)
	assert.True(t, IsCircuitOpen(err))
	assert.EqualValues(t, 5, atomic.LoadInt32(&attempts))
	assert.Equal(t, "open", breaker.State())
}

func TestBreakerSingleProbeAfterCooldown(t *testing.T) {
	breaker := NewBreaker("http://upstream", BreakerSettings{FailureThreshold: 2, Cooldown: 50 * time.Millisecond})
	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = breaker.Execute(func() error { return boom })
	}
	require.True(t, IsCircuitOpen(breaker.Execute(func() error { return nil })))

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, "half-open", breaker.State())

	// exactly one probe proceeds; a successful probe closes the breaker
	probes := 0
	err := breaker.Execute(func() error {
		probes++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, probes)
	assert.Equal(t, "closed", breaker.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	breaker := NewBreaker("http://upstream", BreakerSettings{FailureThreshold: 1, Cooldown: 50 * time.Millisecond})
	boom := errors.New("boom")
	_ = breaker.Execute(func() error { return boom })
	require.Equal(t, "open", breaker.State())

	time.Sleep(70 * time.Millisecond)
	_ = breaker.Execute(func() error { return boom })
	assert.Equal(t, "open", breaker.State())
}

func TestBreakersIndexPerEndpoint(t *testing.T) {
	breakers := NewBreakers(DefaultBreakerSettings())
	first := breakers.For("http://a")
	second := breakers.For("http://b")
	assert.NotSame(t, first, second)
	assert.Same(t, first, breakers.For("http://a"))
}
