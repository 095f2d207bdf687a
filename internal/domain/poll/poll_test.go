package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type status struct {
	done bool
	n    int
}

var errPermanent = errors.New("permanent")

func TestRun_DoneOnThirdAttemptSleepsTwice(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	out, err := Run(context.Background(), Options[status]{
		Check: func(context.Context) (status, error) {
			calls++
			return status{done: calls == 3, n: calls}, nil
		},
		IsDone:      func(s status) bool { return s.done },
		MaxAttempts: 30,
		Interval:    10 * time.Second,
		Sleeper:     sleeper,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, out.Result.n)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, sleeper.calls)
}

func TestRun_NonRetryableStopsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	out, err := Run(context.Background(), Options[status]{
		Check: func(context.Context) (status, error) {
			calls++
			return status{}, errPermanent
		},
		IsDone:         func(s status) bool { return s.done },
		IsNonRetryable: func(err error) bool { return errors.Is(err, errPermanent) },
		MaxAttempts:    5,
		Interval:       time.Second,
		Sleeper:        sleeper,
	})
	require.ErrorIs(t, err, errPermanent)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, sleeper.count())
}

func TestRun_ExhaustionReturnsTimeout(t *testing.T) {
	sleeper := &recordingSleeper{}
	calls := 0

	out, err := Run(context.Background(), Options[status]{
		Check: func(context.Context) (status, error) {
			calls++
			return status{}, nil
		},
		IsDone:      func(s status) bool { return s.done },
		MaxAttempts: 3,
		Interval:    2 * time.Second,
		Sleeper:     sleeper,
	})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 3, te.Attempts)
	assert.Equal(t, 2*time.Second, te.Interval)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, sleeper.count())
}

func TestRun_RetryableErrorsAreRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	transient := errors.New("503")
	calls := 0

	out, err := Run(context.Background(), Options[status]{
		Check: func(context.Context) (status, error) {
			calls++
			if calls < 3 {
				return status{}, transient
			}
			return status{done: true}, nil
		},
		IsDone:         func(s status) bool { return s.done },
		IsNonRetryable: func(err error) bool { return errors.Is(err, errPermanent) },
		MaxAttempts:    4,
		Interval:       time.Millisecond,
		Sleeper:        sleeper,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, sleeper.count())
}

func TestRun_TimeoutKeepsLastError(t *testing.T) {
	transient := errors.New("gateway timeout")
	_, err := Run(context.Background(), Options[status]{
		Check:       func(context.Context) (status, error) { return status{}, transient },
		IsDone:      func(s status) bool { return s.done },
		MaxAttempts: 2,
		Sleeper:     &recordingSleeper{},
	})
	require.ErrorIs(t, err, transient)
	assert.True(t, IsTimeout(err))
}

func TestRun_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	_, err := Run(ctx, Options[status]{
		Check: func(context.Context) (status, error) {
			calls++
			cancel()
			return status{}, nil
		},
		IsDone:      func(s status) bool { return s.done },
		MaxAttempts: 5,
		Sleeper:     &recordingSleeper{},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRun_RequiresCallbacks(t *testing.T) {
	_, err := Run(context.Background(), Options[status]{})
	require.ErrorIs(t, err, ErrCheckRequired)

	_, err = Run(context.Background(), Options[status]{
		Check: func(context.Context) (status, error) { return status{}, nil },
	})
	require.ErrorIs(t, err, ErrDoneRequired)
}

func TestPolicy_Defaults(t *testing.T) {
	p := Policy{}.Normalize()
	assert.Equal(t, DefaultInterval, p.Interval)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, 300*time.Second, Policy{}.Budget())
	assert.Equal(t, 6*time.Second, Policy{Interval: 2 * time.Second, MaxAttempts: 3}.Budget())
}

func TestTimerSleeper_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := TimerSleeper{}.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
