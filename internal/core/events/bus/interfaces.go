package bus

import "time"

// EventBus is a thread-safe, in-process fan-out of engine events to user code.
//
// Handlers subscribe by Event.Type(), or to every type with SubscribeAll.
// Delivery is synchronous, in the publisher's goroutine and in subscription
// order; the client and server publish from their tick loop, so handlers run
// between ticks and should return quickly.
type EventBus interface {
	// Publish delivers event to every matching subscriber. Handler errors are
	// combined and returned; they never stop delivery to other handlers.
	Publish(event Event) error
	// Subscribe registers handler for one event type.
	Subscribe(eventType string, handler EventHandler) Subscription
	// SubscribeAll registers handler for every event type.
	SubscribeAll(handler EventHandler) Subscription
	// Unsubscribe cancels sub. Nil is ignored.
	Unsubscribe(sub Subscription)
	// Len returns the number of active subscriptions.
	Len() int
}

// Event is an immutable notification.
type Event interface {
	Type() string
	Source() string
	Timestamp() time.Time
	Data() any
}

type EventHandler func(event Event) error

// Subscription is a handle to a registered handler.
type Subscription interface {
	ID() string
	EventType() string
	IsActive() bool
	// Cancel stops delivery. Repeated calls are safe.
	Cancel()
}
