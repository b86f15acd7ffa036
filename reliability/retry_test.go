package reliability

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpway/mcpway"
)

func TestDelaySchedule(t *testing.T) {
	policy := RetryPolicy{
		Attempts:  5,
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  400 * time.Millisecond,
	}.WithRand(rand.New(rand.NewSource(1)))

	// full jitter: every draw lands in [0, min(max, base*2^(n-1))]
	for attempt := 1; attempt <= 5; attempt++ {
		ceiling := policy.BaseDelay << uint(attempt-1)
		if ceiling > policy.MaxDelay {
			ceiling = policy.MaxDelay
		}
		for i := 0; i < 50; i++ {
			delay := policy.Delay(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, ceiling, "attempt %d", attempt)
		}
	}
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return mcpway.NewUnauthorizedError(401, nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return syscall.ECONNREFUSED
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	calls := 0
	err := policy.Do(context.Background(), func() error {
		calls++
		return syscall.ECONNREFUSED
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetriableClassification(t *testing.T) {
	testCases := []struct {
		description string
		err         error
		expect      bool
	}{
		{"nil", nil, false},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"dns", &net.DNSError{Err: "no such host", IsNotFound: true}, true},
		{"http 503", &StatusError{Status: 503}, true},
		{"http 500", &StatusError{Status: 500}, true},
		{"http 408", &StatusError{Status: 408}, true},
		{"http 429", &StatusError{Status: 429}, true},
		{"http 404", &StatusError{Status: 404}, false},
		{"http 400", &StatusError{Status: 400}, false},
		{"unauthorized", mcpway.NewUnauthorizedError(401, nil), false},
		{"protocol", mcpway.NewGatewayError(mcpway.KindProtocol, errors.New("parse failed")), false},
		{"upstream wrapping refused", mcpway.NewGatewayError(mcpway.KindUpstream, syscall.ECONNREFUSED), true},
		{"plain", errors.New("something"), false},
	}
	for _, testCase := range testCases {
		assert.Equal(t, testCase.expect, Retriable(testCase.err), testCase.description)
	}
}
