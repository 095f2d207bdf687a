package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/mmk-orchestrator/internal/domain/model"
)

type stubWaiter struct {
	calls chan string
	err   error
	sleep time.Duration
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, channel string) error {
	select {
	case s.calls <- channel:
	default:
	}

	if s.sleep > 0 {
		timer := time.NewTimer(s.sleep)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.err != nil {
		return s.err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func receiveWake(t *testing.T, ch <-chan Wake) Wake {
	t.Helper()
	select {
	case w, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return w
	case <-time.After(time.Second):
		t.Fatal("expected a wake-up")
		return 0
	}
}

func requireClosed(t *testing.T, ch <-chan Wake) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("expected subscription to close")
		}
	}
}

func TestNotifier_WatchPendingListensOnQueueChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.Close()

	sub := notifier.WatchPending(model.QueueTypeRender)
	defer sub.Close()

	select {
	case channel := <-waiter.calls:
		assert.Equal(t, "job_added_render", channel)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}
	assert.Equal(t, WakeNotified, receiveWake(t, sub.C))
}

func TestNotifier_WaitWindowWakesIdle(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4), sleep: time.Hour}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, WaitWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	defer notifier.Close()

	sub := notifier.WatchPipelines()
	defer sub.Close()

	assert.Equal(t, "pipeline_added", <-waiter.calls)
	assert.Equal(t, WakeIdle, receiveWake(t, sub.C))
}

func TestNotifier_FailedWaitWakesIdle(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 4), err: errors.New("connection reset")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter, Backoff: 10 * time.Millisecond})
	require.NoError(t, err)
	defer notifier.Close()

	sub := notifier.WatchPending(model.QueueTypeImageGeneration)
	defer sub.Close()

	assert.Equal(t, WakeIdle, receiveWake(t, sub.C))
}

func TestNotifier_SubscribersShareOneListener(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 16), sleep: 20 * time.Millisecond}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.Close()

	first := notifier.WatchPending(model.QueueTypeRender)
	second := notifier.WatchPending(model.QueueTypeRender)
	defer first.Close()
	defer second.Close()

	assert.Equal(t, WakeNotified, receiveWake(t, first.C))
	assert.Equal(t, WakeNotified, receiveWake(t, second.C))

	notifier.mu.Lock()
	assert.Len(t, notifier.listeners, 1)
	notifier.mu.Unlock()
}

func TestNotifier_CloseLastSubscriptionStopsListener(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 1)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	sub := notifier.WatchPending(model.QueueTypeSpeechToText)
	select {
	case <-waiter.calls:
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}

	sub.Close()
	sub.Close()
	requireClosed(t, sub.C)

	notifier.mu.Lock()
	assert.Empty(t, notifier.listeners)
	notifier.mu.Unlock()
}

func TestNotifier_CloseClosesSubscriptions(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan string, 2), err: errors.New("boom")}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	render := notifier.WatchPending(model.QueueTypeRender)
	pipelines := notifier.WatchPipelines()

	notifier.Close()
	requireClosed(t, render.C)
	requireClosed(t, pipelines.C)

	// Closing a subscription after the notifier is closed is a no-op.
	render.Close()
	pipelines.Close()

	late := notifier.WatchPending(model.QueueTypeRender)
	requireClosed(t, late.C)
	late.Close()
}

func TestNotifier_NotificationReplacesBufferedIdleWake(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{Waiter: &stubWaiter{calls: make(chan string, 1), sleep: time.Hour}})
	require.NoError(t, err)
	defer notifier.Close()

	sub := notifier.WatchPipelines()
	defer sub.Close()

	notifier.deliver(PipelineChannel, WakeIdle)
	notifier.deliver(PipelineChannel, WakeNotified)
	assert.Equal(t, WakeNotified, receiveWake(t, sub.C))
}

func TestWake_String(t *testing.T) {
	assert.Equal(t, "notified", WakeNotified.String())
	assert.Equal(t, "idle", WakeIdle.String())
	assert.Equal(t, "unknown", Wake(0).String())
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "job_added_avatar-video", PendingChannel(model.QueueTypeAvatarVideo))
	assert.Equal(t, "job_finished_abc", FinishedChannel("abc"))
	assert.Equal(t, "pipeline_added", PipelineChannel)
}
