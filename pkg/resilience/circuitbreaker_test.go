package resilience

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roleplay-chat-demo/backend/pkg/logger"
)

var errRelayDown = errors.New("relay down")

func newTestBreaker(retryTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		RetryTimeout:     retryTimeout,
	}, logger.New(logger.Config{Level: "error", Output: io.Discard}))
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(func() error { return errRelayDown }), errRelayDown)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Short-circuited: fn never runs while open.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(time.Minute)

	cb.Execute(func() error { return errRelayDown })
	cb.Execute(func() error { return errRelayDown })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return errRelayDown })
	cb.Execute(func() error { return errRelayDown })

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenClosesAfterSuccesses(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errRelayDown })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	cb := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		cb.Execute(func() error { return errRelayDown })
	}
	time.Sleep(20 * time.Millisecond)

	require.ErrorIs(t, cb.Execute(func() error { return errRelayDown }), errRelayDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitOpen)
}
