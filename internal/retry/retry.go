// Package retry runs an operation with exponential backoff and jitter. It is
// used for connection setup only; host calls themselves are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Config configures the backoff.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxElapsed stops retrying once this much time has passed.
	MaxElapsed time.Duration
	// MaxAttempts limits total attempts (0 = bounded by MaxElapsed only).
	MaxAttempts int
}

// DefaultConfig returns defaults suited to dialing a host.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxElapsed:   30 * time.Second,
		MaxAttempts:  6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = d.MaxElapsed
	}
	return c
}

// Do runs fn until it succeeds, returns a PermanentError, or the attempt or
// time budget is spent.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, cfg, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	delay := cfg.InitialDelay
	var zero T

	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry",
					"operation", operation,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return v, nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			slog.Warn("Operation failed permanently, not retrying",
				"operation", operation,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return zero, permErr.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return zero, fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}
		if time.Since(start) >= cfg.MaxElapsed {
			return zero, fmt.Errorf("%s: retries exhausted after %v: %w", operation, time.Since(start).Round(time.Millisecond), err)
		}

		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Info("Operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", sleep.Round(time.Millisecond),
			"error", err,
		)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s: context cancelled during retry: %w", operation, ctx.Err())
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}
}
