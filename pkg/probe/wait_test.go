package probe

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps retry tests short.
func fastPolicy() Policy {
	return Policy{
		Timeout:         500 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	}
}

// TestWait_EventuallyReady verifies that Wait retries until the probe passes.
func TestWait_EventuallyReady(t *testing.T) {
	var calls atomic.Int32
	p := Func("third time lucky", func(context.Context, Target) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	var retries atomic.Int32
	policy := fastPolicy()
	policy.OnRetry = func(error, time.Duration) { retries.Add(1) }

	err := Wait(context.Background(), p, &fakeTarget{name: "db"}, policy)

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), retries.Load(), "OnRetry should run after each failure")
}

// TestWait_Timeout verifies the NotReadyError on timeout.
func TestWait_Timeout(t *testing.T) {
	lastErr := errors.New("connection refused")
	p := Func("always failing", func(context.Context, Target) error { return lastErr })

	policy := fastPolicy()
	policy.Timeout = 50 * time.Millisecond

	start := time.Now()
	err := Wait(context.Background(), p, &fakeTarget{name: "db"}, policy)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, lastErr, "the last probe error should be wrapped")
	assert.Less(t, time.Since(start), 2*time.Second)

	var notReady *NotReadyError
	require.ErrorAs(t, err, &notReady)
	assert.Equal(t, "db", notReady.Service)
	assert.Equal(t, "always failing", notReady.Probe)
	assert.GreaterOrEqual(t, notReady.Attempts, 1)
	assert.Contains(t, err.Error(), `service "db" not ready after`)
}

// TestWait_Permanent verifies that a permanent error stops retrying.
func TestWait_Permanent(t *testing.T) {
	var calls atomic.Int32
	cause := errors.New("image has no shell")
	p := Func("permanent", func(context.Context, Target) error {
		calls.Add(1)
		return Permanent(cause)
	})

	err := Wait(context.Background(), p, &fakeTarget{name: "db"}, fastPolicy())

	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(1), calls.Load())
}

// TestWait_CallerCancelled verifies that cancelling ctx is not reported as
// a readiness timeout.
func TestWait_CallerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Func("cancel on first call", func(context.Context, Target) error {
		cancel()
		return errors.New("not yet")
	})

	err := Wait(ctx, p, &fakeTarget{name: "db"}, fastPolicy())

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrNotReady)
}

// TestWait_AttemptTimeout verifies that a hanging check is cut off by
// AttemptTimeout and retried.
func TestWait_AttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	p := Func("hangs once", func(ctx context.Context, _ Target) error {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	policy := fastPolicy()
	policy.AttemptTimeout = 20 * time.Millisecond

	require.NoError(t, Wait(context.Background(), p, &fakeTarget{name: "db"}, policy))
	assert.Equal(t, int32(2), calls.Load())
}

// TestPolicy_Defaults verifies zero-value handling.
func TestPolicy_Defaults(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, DefaultTimeout, p.Timeout)
	assert.Equal(t, DefaultInitialInterval, p.InitialInterval)
	assert.Equal(t, DefaultMaxInterval, p.MaxInterval)
	assert.Equal(t, DefaultAttemptTimeout, p.AttemptTimeout)
	assert.Equal(t, 10*time.Second, p.WithTimeout(10*time.Second).Timeout)

	inverted := Policy{InitialInterval: time.Second, MaxInterval: time.Millisecond}.withDefaults()
	assert.Equal(t, time.Second, inverted.MaxInterval)
}

// TestPermanent_Nil verifies that Permanent(nil) stays nil.
func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}
