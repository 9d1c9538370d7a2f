package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used when a
// subscription does not override it.
const DefaultSubscriberBuffer = 64

// Bus fans notifications out to subscribers. Publishes are serialized, which
// gives every subscriber the same per-id ordering; a slow subscriber drops its
// oldest buffered notifications rather than blocking the producer.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool

	// replay holds the latest ongoing notification per in-flight id so a
	// subscriber attaching mid-operation still sees its current state.
	replay map[string]Notification
	order  []string

	// done records ids that have published a terminal notification. A later
	// ongoing publish for such an id is a producer bug and is dropped.
	done map[string]time.Time

	logger zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		replay: make(map[string]Notification),
		done:   make(map[string]time.Time),
		logger: logger.With().Str("component", "notify-bus").Logger(),
	}
}

// Subscription is one attached consumer. Notifications are read from C;
// Lagged reports how many were dropped because the consumer fell behind.
type Subscription struct {
	bus     *Bus
	ch      chan Notification
	lagged  atomic.Uint64
	closed  bool
	onClose func()
	onLag   func(uint64)
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan Notification { return s.ch }

// Lagged returns the number of notifications dropped for this subscriber.
func (s *Subscription) Lagged() uint64 { return s.lagged.Load() }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
	if s.onClose != nil {
		s.onClose()
	}
}

// SubscribeOptions tune a subscription.
type SubscribeOptions struct {
	// Buffer is the channel capacity. Zero means DefaultSubscriberBuffer.
	Buffer int

	// NoReplay skips the initial replay of in-flight operation state.
	NoReplay bool

	// OnClose runs once when the subscription is closed.
	OnClose func()

	// OnLag runs whenever notifications are dropped for this subscriber,
	// with the number dropped.
	OnLag func(uint64)
}

// Subscribe attaches a new subscriber. The returned subscription immediately
// holds one replayed notification per in-flight id, oldest first, unless
// replay is disabled.
func (b *Bus) Subscribe(opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	sub := &Subscription{ch: make(chan Notification, buffer), onClose: opts.OnClose, onLag: opts.OnLag}
	sub.bus = b

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}

	if !opts.NoReplay {
		for _, id := range b.order {
			if n, ok := b.replay[id]; ok {
				deliver(sub, n)
			}
		}
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers a notification to all current subscribers. It never blocks
// on a slow subscriber. Publishing an ongoing notification for an id that
// already completed is rejected as a producer consistency fault.
func (b *Bus) Publish(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if _, isDone := b.done[n.ID]; isDone {
		b.logger.Warn().
			Str("id", n.ID).
			Str("state", string(n.State)).
			Msg("Dropping notification published after terminal state")
		return
	}

	switch n.State {
	case StateDone:
		if _, tracked := b.replay[n.ID]; tracked {
			delete(b.replay, n.ID)
			b.dropOrder(n.ID)
		}
		b.done[n.ID] = n.Timestamp
	default:
		if _, tracked := b.replay[n.ID]; !tracked {
			b.order = append(b.order, n.ID)
		}
		b.replay[n.ID] = n
	}

	for sub := range b.subs {
		deliver(sub, n)
	}
}

// Forget releases completion bookkeeping for an id. Called when the owning
// task is evicted from the registry; after this an id could in principle be
// reused, which the registry guarantees never happens within one process.
func (b *Bus) Forget(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.done, id)
	delete(b.replay, id)
	b.dropOrder(id)
}

// Close detaches and closes every subscription. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closed = true
		close(sub.ch)
		if sub.onClose != nil {
			sub.onClose()
		}
	}
	b.subs = nil
}

// deliver pushes onto a subscriber buffer, dropping the oldest entry when the
// buffer is full. Caller holds b.mu, so nobody else sends on sub.ch.
func deliver(sub *Subscription, n Notification) {
	select {
	case sub.ch <- n:
		return
	default:
	}

	dropped := uint64(0)
	select {
	case <-sub.ch:
		dropped++
	default:
	}

	select {
	case sub.ch <- n:
	default:
		dropped++
	}

	if dropped > 0 {
		sub.lagged.Add(dropped)
		if sub.onLag != nil {
			sub.onLag(dropped)
		}
	}
}

func (b *Bus) dropOrder(id string) {
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
