package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last failure once every attempt is used up
var ErrExhausted = errors.New("retry: attempts exhausted")

type Class int

const (
	Retryable Class = iota
	Fatal
)

type Policy[T any] struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // zero retries immediately
	MaxDelay    time.Duration

	// Validate rejects a successful result; a rejection is retried like an error.
	Validate func(T) error

	// Classify decides whether an error is retryable.
	// If nil, every error is retryable.
	Classify func(error) Class

	// OnRetry runs before each retry with the failed attempt number, the
	// pause that follows and the failure.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do calls fn until it returns a valid result, a fatal error, or the attempts
// run out. attempt starts at 1. Fatal errors are returned unwrapped; running
// out of attempts yields an error matching ErrExhausted and the last failure.
func Do[T any](ctx context.Context, p Policy[T], fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = p.BaseDelay
	}
	classify := p.Classify
	if classify == nil {
		classify = func(error) Class { return Retryable }
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx, attempt)
		if err == nil && p.Validate != nil {
			if verr := p.Validate(v); verr != nil {
				err = verr
			}
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		if classify(err) == Fatal {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.BaseDelay << (attempt - 1)
		if wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}

// Only returns a classifier that retries only errors matching one of targets
func Only(targets ...error) func(error) Class {
	return func(err error) Class {
		for _, t := range targets {
			if errors.Is(err, t) {
				return Retryable
			}
		}
		return Fatal
	}
}
