package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func immediate() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := Policy{Name: "test", Backoff: immediate()}

	err := policy.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunStopsOnFailOn(t *testing.T) {
	calls := 0
	policy := Policy{Name: "test", FailOn: []error{errBoom}, Backoff: immediate()}

	err := policy.Run(context.Background(), func() error {
		calls++
		return fmt.Errorf("wrapped: %w", errBoom)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRunRetryOnRestrictsRetries(t *testing.T) {
	retriable := errors.New("retriable")
	other := errors.New("other")

	calls := 0
	policy := Policy{Name: "test", RetryOn: []error{retriable}, MaxTries: 5, Backoff: immediate()}

	err := policy.Run(context.Background(), func() error {
		calls++
		return other
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "non-matching errors must not be retried")
}

func TestRunHonorsMaxTries(t *testing.T) {
	calls := 0
	policy := Policy{Name: "test", MaxTries: 4, Backoff: immediate()}

	err := policy.Run(context.Background(), func() error {
		calls++
		return errBoom
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Name: "test", Backoff: immediate()}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := policy.Run(ctx, func() error { return errBoom })
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&net.OpError{Op: "read", Err: errors.New("timeout")}))
	assert.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	assert.True(t, IsTransient(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.True(t, IsTransient(errors.New("unexpected EOF")))
	assert.False(t, IsTransient(errors.New("invalid credentials")))
	assert.False(t, IsTransient(nil))
}

func TestSleepReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Sleep(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestJitterStaysWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(10*time.Second, 0.2)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}
