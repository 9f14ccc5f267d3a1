// Package retry provides a reusable retry policy for repository writes.
//
// A Policy is shared by the bulk write executor and the deletion engine:
//
//	p := retry.DefaultPolicy()
//	attempts, err := p.Do(ctx, func(ctx context.Context) error {
//		_, err := repo.Apply(ctx, st)
//		return err
//	})
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Strategy returns the delay to wait after the given failed attempt
// (1-based).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Fixed waits the same duration between attempts.
type Fixed time.Duration

// Delay implements Strategy.
func (f Fixed) Delay(int) time.Duration { return time.Duration(f) }

// Exponential grows the delay by Multiplier after each attempt, capped at Max.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay implements Strategy.
func (e Exponential) Delay(attempt int) time.Duration {
	m := e.Multiplier
	if m < 1 {
		m = 2
	}
	d := float64(e.Initial) * math.Pow(m, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, the first included.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// Delay is consulted between attempts. Nil means no delay.
	Delay Strategy
	// Retryable classifies errors. Nil retries every error that is not
	// marked Permanent.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns three attempts with a fixed one second delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Delay:       Fixed(time.Second),
	}
}

// Do runs fn until it succeeds, fails permanently or attempts run out. It
// returns the number of attempts made. Permanent errors are returned
// unwrapped; exhausted ones as *ExhaustedError.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if IsPermanent(err) {
			var pe *permanentError
			errors.As(err, &pe)
			return attempt, pe.err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt, err
		}
		if cerr := ctx.Err(); cerr != nil {
			return attempt, fmt.Errorf("%w (last error: %w)", cerr, err)
		}
		if attempt >= maxAttempts {
			return attempt, &ExhaustedError{Attempts: attempt, Err: err}
		}
		var d time.Duration
		if p.Delay != nil {
			d = p.Delay.Delay(attempt)
		}
		if serr := p.sleep(ctx, d); serr != nil {
			return attempt, serr
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
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
