// Package retry runs an operation with capped exponential backoff.
//
// The caller decides what is retryable: any error is retried unless it is
// wrapped with NonRetryable.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// JitterFactor is the randomization applied to each delay when Config.Jitter
// is set: a delay d is drawn from [d*(1-f), d*(1+f)].
const JitterFactor = 0.25

// Config controls the backoff schedule.
type Config struct {
	MaxAttempts  int           // attempts including the first; <= 0 means once
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on any single delay
	Multiplier   float64       // growth per attempt
	Jitter       bool          // randomize each delay by JitterFactor
}

// Default returns 3 attempts starting at 100ms, doubling up to 2s.
func Default() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

type nonRetryable struct{ err error }

func (e *nonRetryable) Error() string { return e.err.Error() }
func (e *nonRetryable) Unwrap() error { return e.err }

// NonRetryable marks err so Do returns it immediately.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryable{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryable
	return errors.As(err, &nr)
}

// Do calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	cfg = normalize(cfg)
	attempts := 0
	var last error
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if IsNonRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(cfg), uint64(cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(op, b)
	switch {
	case err == nil:
		return nil
	case IsNonRetryable(err):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("retry cancelled after attempt %d: %w", attempts, errors.Join(ctx.Err(), last))
	default:
		return fmt.Errorf("failed after %d attempts: %w", attempts, last)
	}
}

// newBackOff maps cfg onto an exponential schedule without an elapsed-time
// limit; the attempt count is the only stop condition.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	if cfg.Jitter {
		b.RandomizationFactor = JitterFactor
	}
	b.Reset()
	return b
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func normalize(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return cfg
}
