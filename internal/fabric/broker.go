package fabric

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/copysentry/backend/internal/core"
)

// DefaultSubscriberBuffer bounds each subscriber's queue.
const DefaultSubscriberBuffer = 256

// AuthHook validates a token at subscription time. A nil hook admits
// everyone; namespaces with a hook reject on error.
type AuthHook func(ctx context.Context, namespace, token string) error

// Broker is the single-process pub/sub fan-out. Room membership is updated
// under a small RWMutex; publishing copies the subscriber list and then
// delivers without holding the lock.
type Broker struct {
	mu         sync.RWMutex
	namespaces map[string]*namespace
	closed     bool

	bufferSize int
	logger     *log.Logger
}

type namespace struct {
	rooms map[string]map[*Subscriber]struct{}
	auth  AuthHook
}

// NewBroker builds a broker. bufferSize <= 0 uses the default.
func NewBroker(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	return &Broker{
		namespaces: make(map[string]*namespace),
		bufferSize: bufferSize,
		logger:     log.New(log.Writer(), "[FABRIC] ", log.LstdFlags),
	}
}

// RequireAuth installs an auth hook for a namespace.
func (b *Broker) RequireAuth(ns string, hook AuthHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ensureNamespace(ns).auth = hook
}

// Subscribe registers a subscriber on (namespace, room). token is checked
// by the namespace auth hook when one is installed.
func (b *Broker) Subscribe(ctx context.Context, ns, room, token string) (*Subscriber, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, core.NewCodedError(core.CodeUnavailable, "broker closed")
	}
	space := b.ensureNamespace(ns)
	auth := space.auth
	b.mu.Unlock()

	// Auth check happens outside the lock; the external validator may do I/O.
	if auth != nil {
		if err := auth(ctx, ns, token); err != nil {
			return nil, err
		}
	}

	sub := newSubscriber(ns, room, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.NewCodedError(core.CodeUnavailable, "broker closed")
	}
	members, ok := space.rooms[room]
	if !ok {
		members = make(map[*Subscriber]struct{})
		space.rooms[room] = members
	}
	members[sub] = struct{}{}
	sub.unsubscribe = func() { b.drop(ns, room, sub) }
	return sub, nil
}

// Publish fans out an event to all subscribers of (namespace, room) plus
// the namespace broadcast room. Publishers never block on slow subscribers.
func (b *Broker) Publish(ns, room, name string, payload interface{}) {
	ev := Event{Namespace: ns, Room: room, Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	space, ok := b.namespaces[ns]
	if !ok || b.closed {
		b.mu.RUnlock()
		return
	}
	var targets []*Subscriber
	for sub := range space.rooms[room] {
		targets = append(targets, sub)
	}
	if room != RoomBroadcast {
		for sub := range space.rooms[RoomBroadcast] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.push(ev)
	}
}

// Close tears down all subscribers.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, space := range b.namespaces {
		for _, members := range space.rooms {
			for sub := range members {
				sub.close()
			}
		}
	}
	b.namespaces = make(map[string]*namespace)
}

func (b *Broker) ensureNamespace(ns string) *namespace {
	space, ok := b.namespaces[ns]
	if !ok {
		space = &namespace{rooms: make(map[string]map[*Subscriber]struct{})}
		b.namespaces[ns] = space
	}
	return space
}

func (b *Broker) drop(ns, room string, sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	space, ok := b.namespaces[ns]
	if !ok {
		return
	}
	if members, ok := space.rooms[room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(space.rooms, room)
		}
	}
}

// Subscriber holds a bounded queue of events. When the queue is full the
// oldest event is dropped; after the backlog drains a single overflow
// event reports the drop count. Delivery order within a room is
// publication order.
type Subscriber struct {
	Namespace string
	Room      string

	mu       sync.Mutex
	queue    []Event
	dropped  int
	closed   bool
	notify   chan struct{}
	capacity int

	unsubscribe func()
}

func newSubscriber(ns, room string, capacity int) *Subscriber {
	return &Subscriber{
		Namespace: ns,
		Room:      room,
		notify:    make(chan struct{}, 1),
		capacity:  capacity,
	}
}

// push enqueues without blocking, evicting the oldest entry on overflow.
func (s *Subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the subscriber closes, or ctx
// is done. After the queue drains following an overflow, Next returns the
// overflow diagnostic exactly once.
func (s *Subscriber) Next(ctx context.Context) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			ns, room := s.Namespace, s.Room
			s.mu.Unlock()
			return Event{
				Namespace: ns,
				Room:      room,
				Name:      EventOverflow,
				Payload:   OverflowPayload{Dropped: n},
				Timestamp: time.Now(),
			}, true
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, false
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Unsubscribe removes the subscriber from its room and wakes Next.
func (s *Subscriber) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.close()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
