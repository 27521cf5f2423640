// Package retry runs operations with a fixed backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetriesExhausted is wrapped into the error returned after the last failed attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Policy defines retry behavior.
type Policy struct {
	MaxAttempts int
	// Delays[i] is the wait before retry i+1.
	Delays []time.Duration
	// MaxDelay is used once the schedule runs out.
	MaxDelay time.Duration
}

// DefaultPolicy returns 3 attempts with 1s, 5s, 15s backoff and a 30s ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delays:      []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before the given retry (1-based).
func (p Policy) Delay(retry int) time.Duration {
	if retry >= 1 && retry <= len(p.Delays) {
		return p.Delays[retry-1]
	}
	return p.MaxDelay
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor retries an operation according to a Policy.
type Executor struct {
	policy    Policy
	sleep     SleepFunc
	retryable func(error) bool
	onRetry   func(attempt int, delay time.Duration, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClassifier limits retries to errors for which fn returns true.
// Other errors are returned immediately.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Executor) { e.retryable = fn }
}

// WithOnRetry registers a hook called before each backoff wait.
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// New creates an Executor. A policy with MaxAttempts < 1 runs the operation once.
func New(policy Policy, opts ...Option) *Executor {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	e := &Executor{policy: policy, sleep: Sleep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run calls op until it succeeds, the classifier refuses the error,
// the attempts are used up, or ctx is cancelled.
func (e *Executor) Run(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if e.retryable != nil && !e.retryable(err) {
			return err
		}
		if attempt == e.policy.MaxAttempts {
			break
		}

		delay := e.policy.Delay(attempt)
		if e.onRetry != nil {
			e.onRetry(attempt, delay, err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, e.policy.MaxAttempts, lastErr)
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
