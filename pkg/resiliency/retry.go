// Package resiliency provides the retry policy that wraps store operations:
// transient failures are retried with capped exponential backoff, everything
// else returns immediately.
package resiliency

import (
	"context"
	"time"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
	defaultMultiplier   = 2.0
)

// Classifier reports whether an error is transient and worth retrying.
// Nested causes are unwrapped by the classifier implementation.
type Classifier func(error) bool

// Policy retries a function on transient failure with exponential backoff.
// The zero value is not usable; construct with NewPolicy.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	IsTransient  Classifier

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy returns a Policy with the default schedule (3 attempts, 100 ms
// initial delay, doubling up to 5 s) and the given transient classifier.
// A nil classifier treats every failure as permanent.
func NewPolicy(isTransient Classifier) *Policy {
	return &Policy{
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		IsTransient:  isTransient,
		sleep:        sleepCtx,
	}
}

// Execute invokes fn, retrying on transient failure up to MaxAttempts total
// invocations. Cancellation is observed before each attempt and during each
// backoff sleep; a cancelled context terminates the policy immediately.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.InitialDelay
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < time.Millisecond {
		maxDelay = time.Millisecond
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	multiplier := p.Multiplier
	if multiplier <= 1 {
		multiplier = defaultMultiplier
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.IsTransient == nil || !p.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
