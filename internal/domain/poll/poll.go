// Package poll repeatedly checks a remote operation until it completes,
// fails permanently or exhausts its attempt budget.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultInterval is the wait between attempts when a policy leaves it unset.
	DefaultInterval = 10 * time.Second
	// DefaultMaxAttempts is the attempt budget when a policy leaves it unset.
	DefaultMaxAttempts = 30
)

var (
	// ErrCheckRequired is returned when Options has no Check function.
	ErrCheckRequired = errors.New("poll check function is required")
	// ErrDoneRequired is returned when Options has no IsDone predicate.
	ErrDoneRequired = errors.New("poll done predicate is required")
)

// TimeoutError reports that every attempt ran without reaching a terminal result.
type TimeoutError struct {
	Attempts int
	Interval time.Duration
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("polling timed out after %d attempts at %s intervals", e.Attempts, e.Interval)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Sleeper waits between attempts. Tests substitute a recording implementation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f(ctx, d).
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer, returning early when ctx ends.
type TimerSleeper struct{}

// Sleep blocks for d or until ctx is done.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Policy holds the default interval and attempt budget for a queue.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Normalize fills unset fields with the package defaults.
func (p Policy) Normalize() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Budget returns the wall-clock time a full run of the policy may take.
func (p Policy) Budget() time.Duration {
	n := p.Normalize()
	return n.Interval * time.Duration(n.MaxAttempts)
}

// Options configures a single Run. Zero Interval and MaxAttempts fall back
// to the package defaults.
type Options[T any] struct {
	// Check performs one attempt.
	Check func(ctx context.Context) (T, error)
	// IsDone reports whether a successful result is terminal.
	IsDone func(T) bool
	// IsNonRetryable reports whether a Check error must stop the loop.
	// Nil treats every error as retryable.
	IsNonRetryable func(error) bool
	MaxAttempts    int
	Interval       time.Duration
	Sleeper        Sleeper
}

// Outcome is the terminal result of a Run.
type Outcome[T any] struct {
	Result   T
	Attempts int
}

// Run calls Check until IsDone holds, a non-retryable error occurs or the
// attempt budget is spent. It sleeps Interval between attempts but never
// after the last one. Exhaustion returns a *TimeoutError; a cancelled ctx
// returns ctx.Err().
func Run[T any](ctx context.Context, opts Options[T]) (Outcome[T], error) {
	var out Outcome[T]
	if opts.Check == nil {
		return out, ErrCheckRequired
	}
	if opts.IsDone == nil {
		return out, ErrDoneRequired
	}

	policy := Policy{Interval: opts.Interval, MaxAttempts: opts.MaxAttempts}.Normalize()
	sleeper := opts.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		out.Attempts = attempt
		result, err := opts.Check(ctx)
		switch {
		case err != nil:
			if opts.IsNonRetryable != nil && opts.IsNonRetryable(err) {
				return out, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			lastErr = err
		case opts.IsDone(result):
			out.Result = result
			return out, nil
		default:
			out.Result = result
			lastErr = nil
		}

		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleeper.Sleep(ctx, policy.Interval); err != nil {
			return out, err
		}
	}

	return out, &TimeoutError{
		Attempts: out.Attempts,
		Interval: policy.Interval,
		LastErr:  lastErr,
	}
}
