package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotReady is matched by every error Wait returns when a service did
// not become ready.
var ErrNotReady = errors.New("service not ready")

// Defaults applied to zero Policy fields.
const (
	DefaultTimeout         = 2 * time.Minute
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultAttemptTimeout  = 5 * time.Second
)

// Policy bounds the polling of a probe.
type Policy struct {
	// Timeout is the total time allowed for the probe to pass.
	Timeout time.Duration

	// InitialInterval is the pause after the first failed attempt. Pauses
	// grow exponentially up to MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// AttemptTimeout bounds a single Check call, so one hanging
	// connection cannot consume the whole Timeout.
	AttemptTimeout time.Duration

	// OnRetry, if set, is called after each failed attempt.
	OnRetry func(err error, next time.Duration)
}

// DefaultPolicy returns a Policy with every default applied.
func DefaultPolicy() Policy {
	return Policy{}.withDefaults()
}

// WithTimeout returns a copy of p with Timeout replaced.
func (p Policy) WithTimeout(timeout time.Duration) Policy {
	p.Timeout = timeout
	return p
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultAttemptTimeout
	}
	return p
}

// NotReadyError describes a probe that never passed.
type NotReadyError struct {
	Service  string
	Probe    string
	Attempts int
	Elapsed  time.Duration

	// Err is the last probe error, or the context error when no attempt
	// completed.
	Err error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("service %q not ready after %s (%d attempts, probe %s): %v",
		e.Service, e.Elapsed.Round(time.Millisecond), e.Attempts, e.Probe, e.Err)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotReady) hold for every NotReadyError.
func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// Permanent marks a probe error as final: Wait stops retrying and fails
// immediately. Use it for conditions that cannot resolve by waiting, such
// as a port the container does not publish.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Wait polls p against t with exponential backoff until it passes. It
// returns nil on success, a *NotReadyError when the policy's timeout
// elapses or the probe fails permanently, and ctx's error if ctx is
// cancelled first.
func Wait(ctx context.Context, p Probe, t Target, policy Policy) error {
	policy = policy.withDefaults()

	// The policy timeout covers every attempt and every sleep between
	// them. AttemptTimeout below bounds a single hung Check.
	waitCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	// Elapsed time is bounded by waitCtx instead.
	b.MaxElapsedTime = 0

	var (
		start    = time.Now()
		attempts int
		lastErr  error
	)

	op := func() error {
		attempts++
		attemptCtx, cancelAttempt := context.WithTimeout(waitCtx, policy.AttemptTimeout)
		defer cancelAttempt()

		// A Permanent error stops the retries. Its inner error is kept
		// so the report shows what the service said, not the wrapper.
		err := p.Check(attemptCtx, t)
		if err != nil {
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				lastErr = perm.Err
			} else {
				lastErr = err
			}
		}
		return err
	}

	var notify backoff.Notify
	if policy.OnRetry != nil {
		notify = policy.OnRetry
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, waitCtx), notify)
	if err == nil {
		return nil
	}

	// The caller gave up, not the policy.
	if ctx.Err() != nil {
		if lastErr != nil {
			return fmt.Errorf("waiting for service %q: %w (last probe error: %v)", t.Name(), ctx.Err(), lastErr)
		}
		return fmt.Errorf("waiting for service %q: %w", t.Name(), ctx.Err())
	}

	// The policy ran out: either the timeout passed or a probe reported
	// a permanent failure.
	if lastErr == nil {
		lastErr = err
	}
	return &NotReadyError{
		Service:  t.Name(),
		Probe:    p.String(),
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}
