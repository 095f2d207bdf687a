package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/mmk-orchestrator/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

const (
	defaultWaitWindow = time.Minute
	defaultBackoff    = 250 * time.Millisecond
)

// Waiter blocks until the store signals channel or ctx ends.
type Waiter interface {
	WaitForNotification(ctx context.Context, channel string) error
}

// Wake tells an idle worker why it was woken.
type Wake uint8

const (
	// WakeNotified means the store signalled new work on the channel.
	WakeNotified Wake = iota + 1
	// WakeIdle means the wait window elapsed or the store wait failed. Workers
	// recheck the store anyway so a lost notification only delays work.
	WakeIdle
)

func (w Wake) String() string {
	switch w {
	case WakeNotified:
		return "notified"
	case WakeIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Notifier wakes idle runner workers when jobs or pipelines are created.
type Notifier interface {
	// WatchPending wakes when a PENDING job of queue type q is created.
	WatchPending(q model.QueueType) *Subscription
	// WatchPipelines wakes when a pipeline is created or released for retry.
	WatchPipelines() *Subscription
	// Close stops every listener and closes all open subscriptions.
	Close()
}

// Subscription delivers wake-ups for one channel until it is closed. Workers
// sharing a subscription compete for each wake-up.
type Subscription struct {
	C <-chan Wake

	once  sync.Once
	close func()
}

// Close stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// NotifierOptions configure a StoreNotifier.
type NotifierOptions struct {
	Waiter     Waiter
	WaitWindow time.Duration // bound on one store wait (default 1m)
	Backoff    time.Duration // pause after a failed store wait (default 250ms)
}

// StoreNotifier runs one store listener per watched channel and fans its
// wake-ups out to every subscription on that channel.
type StoreNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	closed    bool
	listeners map[string]*listener
}

type listener struct {
	cancel context.CancelFunc
	subs   map[chan Wake]struct{}
}

// NewNotifier constructs a StoreNotifier listening through opts.Waiter.
func NewNotifier(opts NotifierOptions) (*StoreNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}
	n := &StoreNotifier{
		waiter:     opts.Waiter,
		waitWindow: opts.WaitWindow,
		backoff:    opts.Backoff,
		listeners:  make(map[string]*listener),
	}
	if n.waitWindow <= 0 {
		n.waitWindow = defaultWaitWindow
	}
	if n.backoff <= 0 {
		n.backoff = defaultBackoff
	}
	return n, nil
}

// WatchPending implements Notifier.
func (n *StoreNotifier) WatchPending(q model.QueueType) *Subscription {
	return n.watch(PendingChannel(q))
}

// WatchPipelines implements Notifier.
func (n *StoreNotifier) WatchPipelines() *Subscription {
	return n.watch(PipelineChannel)
}

func (n *StoreNotifier) watch(channel string) *Subscription {
	ch := make(chan Wake, 1)
	sub := &Subscription{C: ch}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		close(ch)
		sub.close = func() {}
		return sub
	}

	l, ok := n.listeners[channel]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		l = &listener{cancel: cancel, subs: make(map[chan Wake]struct{})}
		n.listeners[channel] = l
		go n.listen(ctx, channel)
	}
	l.subs[ch] = struct{}{}

	sub.close = func() { n.unwatch(channel, ch) }
	return sub
}

func (n *StoreNotifier) unwatch(channel string, ch chan Wake) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.listeners[channel]
	if !ok {
		return
	}
	if _, ok := l.subs[ch]; !ok {
		return
	}
	delete(l.subs, ch)
	close(ch)
	if len(l.subs) == 0 {
		l.cancel()
		delete(n.listeners, channel)
	}
}

// Close implements Notifier.
func (n *StoreNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.closed = true
	for channel, l := range n.listeners {
		l.cancel()
		for ch := range l.subs {
			close(ch)
		}
		delete(n.listeners, channel)
	}
}

func (n *StoreNotifier) listen(ctx context.Context, channel string) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, channel)
		cancel()
		if ctx.Err() != nil {
			return
		}

		switch {
		case err == nil:
			n.deliver(channel, WakeNotified)
		case errors.Is(err, context.DeadlineExceeded):
			n.deliver(channel, WakeIdle)
		default:
			n.deliver(channel, WakeIdle)
			if !sleepCtx(ctx, n.backoff) {
				return
			}
		}
	}
}

// deliver hands w to every subscriber without blocking. A subscriber with a
// wake-up already buffered keeps the older one, unless w is a notification
// replacing an idle wake-up.
func (n *StoreNotifier) deliver(channel string, w Wake) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.listeners[channel]
	if !ok {
		return
	}
	for ch := range l.subs {
		select {
		case ch <- w:
			continue
		default:
		}
		if w != WakeNotified {
			continue
		}
		select {
		case prev := <-ch:
			if prev == WakeIdle {
				prev = w
			}
			ch <- prev
		default:
			ch <- w
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var _ Notifier = (*StoreNotifier)(nil)
