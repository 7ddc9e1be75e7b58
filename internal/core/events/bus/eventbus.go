package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// allEvents is the routing key of SubscribeAll handlers.
const allEvents = "*"

type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	data    any
}

func (e simpleEvent) Type() string         { return e.typeStr }
func (e simpleEvent) Source() string       { return e.source }
func (e simpleEvent) Timestamp() time.Time { return e.ts }
func (e simpleEvent) Data() any            { return e.data }

// NewEvent creates an Event stamped with the current wall time.
func NewEvent(typ, src string, data any) Event {
	return NewEventAt(typ, src, time.Now(), data)
}

// NewEventAt creates an Event stamped with at. Publishers that run on an
// injected clock use it so event times follow that clock.
func NewEventAt(typ, src string, at time.Time, data any) Event {
	return simpleEvent{typeStr: typ, source: src, ts: at, data: data}
}

type subscription struct {
	id        string
	eventType string
	handler   EventHandler
	bus       *inMemoryBus

	mu     sync.Mutex
	active bool
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) EventType() string { return s.eventType }

func (s *subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *subscription) Cancel() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	s.bus.remove(s)
}

type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: eventType -> subscriptions in subscription order
	handlers map[string][]*subscription
}

func New() EventBus {
	return &inMemoryBus{handlers: make(map[string][]*subscription)}
}

func (b *inMemoryBus) Subscribe(eventType string, handler EventHandler) Subscription {
	s := &subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		bus:       b,
		active:    true,
	}
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], s)
	b.mu.Unlock()
	return s
}

func (b *inMemoryBus) SubscribeAll(handler EventHandler) Subscription {
	return b.Subscribe(allEvents, handler)
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}

func (b *inMemoryBus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[s.eventType]
	for i, cur := range subs {
		if cur == s {
			b.handlers[s.eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[s.eventType]) == 0 {
		delete(b.handlers, s.eventType)
	}
}

func (b *inMemoryBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.handlers {
		n += len(subs)
	}
	return n
}

func (b *inMemoryBus) Publish(event Event) error {
	b.mu.RLock()
	typed := b.handlers[event.Type()]
	wildcard := b.handlers[allEvents]
	subs := make([]*subscription, 0, len(typed)+len(wildcard))
	subs = append(subs, typed...)
	subs = append(subs, wildcard...)
	b.mu.RUnlock()

	var err error
	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		err = multierr.Append(err, s.handler(event))
	}
	return err
}
