// Package events fans newly observed messages and conversation changes out to
// live subscribers.
//
// Every subscriber owns a bounded queue. Publishing never blocks: when a queue
// is full its oldest pending event is discarded and the subscriber's dropped
// counter is incremented, so one slow consumer never stalls ingestion or the
// other subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Resource is what a subscriber watches.
type Resource string

const (
	ResourceMessages      Resource = "messages"
	ResourceConversations Resource = "conversations"
)

// ParseResource validates a resource name.
func ParseResource(s string) (Resource, error) {
	switch Resource(s) {
	case ResourceMessages, ResourceConversations:
		return Resource(s), nil
	default:
		return "", errors.Errorf("events: unknown resource %q", s)
	}
}

// Type is the kind of payload an event carries.
type Type string

const (
	TypeMessage      Type = "message"
	TypeConversation Type = "conversation"
)

// Resource returns the resource an event type is delivered to.
func (t Type) Resource() Resource {
	if t == TypeConversation {
		return ResourceConversations
	}
	return ResourceMessages
}

// Event is one notification.
type Event struct {
	Seq  uint64    `json:"seq"`
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// ErrClosed is returned when subscribing to a closed bus.
var ErrClosed = errors.New("events: bus closed")

// DefaultQueueSize is the per-subscriber queue length.
const DefaultQueueSize = 64

// Bus is a fan-out publisher with one bounded queue per subscriber.
type Bus struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	seq       uint64
	closed    bool
	now       func() time.Time
}

// NewBus returns a Bus whose subscribers buffer at most queueSize events.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		now:       time.Now,
	}
}

// Subscribe attaches a new subscriber to resource.
func (b *Bus) Subscribe(resource Resource) (*Subscription, error) {
	if _, err := ParseResource(string(resource)); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &Subscription{
		ID:       uuid.NewString(),
		Resource: resource,
		ch:       make(chan Event, b.queueSize),
		bus:      b,
	}
	b.subs[s.ID] = s
	return s, nil
}

// Publish delivers an event to every subscriber of its resource and returns
// the assigned sequence number. It never blocks on a subscriber.
func (b *Bus) Publish(typ Type, data any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.seq++
	ev := Event{Seq: b.seq, Type: typ, At: b.now().UTC(), Data: data}
	resource := typ.Resource()
	for _, s := range b.subs {
		if s.Resource == resource {
			s.deliver(ev)
		}
	}
	return ev.Seq
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops publishing and closes every subscription. Events already queued
// stay readable until each subscriber drains its channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.finish(false)
		delete(b.subs, id)
	}
}

func (b *Bus) detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// ─── Subscription ────────────────────────────────────────────────────────────

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	ID       string
	Resource Resource

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
	bus     *Bus
}

// Events returns the channel to read from. It is closed after Close or when
// the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped is the number of events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscriber. Pending events are released and nothing is
// delivered afterwards. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.detach(s.ID)
	s.finish(true)
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) finish(discard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if discard {
	drain:
		for {
			select {
			case <-s.ch:
			default:
				break drain
			}
		}
	}
	close(s.ch)
}
