// Package eventbus is the in-process publish/subscribe backbone every
// other component uses to observe state changes: presence, channel tree
// mutations, chat, permission changes, plugin events. Delivery is
// per-subscriber queued, bounded, and oldest-drop on overflow, the way
// the teacher's ChannelState gives each session its own
// chan protocol.Message rather than a single shared broadcast channel —
// generalized here from one queue per websocket session to one queue per
// bus subscriber, with topic filtering instead of an all-or-nothing
// broadcast.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Event is one published item. Seq is assigned per-publish, monotonically,
// so subscribers can detect drops by gap.
type Event struct {
	Topic   string
	Payload any
	Seq     uint64
}

// DefaultQueueSize bounds a subscriber's queue depth before the oldest
// unread event is dropped to make room for the newest.
const DefaultQueueSize = 256

type subscriber struct {
	id       uint64
	topics   []string // exact topics or "prefix.*" wildcards
	capacity int

	mu      sync.Mutex
	buf     []Event
	dropped uint64
	notify  chan struct{}
	closed  bool
}

func (s *subscriber) matches(topic string) bool {
	for _, t := range s.topics {
		if t == topic {
			return true
		}
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(topic, strings.TrimSuffix(t, "*")) {
			return true
		}
		if t == "*" {
			return true
		}
	}
	return false
}

// enqueue appends ev, dropping the oldest queued event first if the
// subscriber's bounded queue is already full.
func (s *subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.capacity {
		s.buf = s.buf[1:]
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, ctx is canceled, or the
// subscription is closed.
func (s *subscriber) next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Dropped reports how many events have been discarded for this
// subscriber due to queue overflow since it was created.
func (s *subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Subscription is the handle a caller uses to read events and unsubscribe.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Next returns the next event for this subscription, or ok=false if ctx
// is done or the subscription was closed.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	return s.sub.next(ctx)
}

// Dropped reports the number of events dropped for queue-overflow reasons.
func (s *Subscription) Dropped() uint64 {
	return s.sub.Dropped()
}

// Close unsubscribes, releasing the bus's reference to this subscriber.
func (s *Subscription) Close() {
	s.bus.remove(s.sub.id)
	s.sub.close()
}

// Bus is the process-local pub/sub hub. A single Bus instance is shared by
// every component within one server process. Events are not mirrored
// across processes: store.Notifier (implemented by the networked
// persistence driver) is not connected to any Bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	seq    atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers interest in the given topics (exact match, or a
// "prefix.*" wildcard, or the single wildcard "*" for everything).
func (b *Bus) Subscribe(topics ...string) *Subscription {
	return b.SubscribeBuffered(DefaultQueueSize, topics...)
}

// SubscribeBuffered is Subscribe with an explicit queue capacity.
func (b *Bus) SubscribeBuffered(capacity int, topics ...string) *Subscription {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	sub := &subscriber{
		id:       b.nextID.Add(1),
		topics:   topics,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish fans an event out to every matching subscriber concurrently,
// returning once all subscribers have either accepted or overflow-dropped
// it. Delivery to distinct subscribers never blocks on one another.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	seq := b.seq.Add(1)
	ev := Event{Topic: topic, Payload: payload, Seq: seq}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(topic) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, s := range targets {
		s := s
		g.Go(func() error {
			s.enqueue(ev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}
	slog.Debug("eventbus publish", "topic", topic, "seq", seq, "subscribers", len(targets))
	return nil
}

// SubscriberCount returns the number of active subscriptions, for metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
