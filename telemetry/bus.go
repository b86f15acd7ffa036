package telemetry

import (
	"time"

	"github.com/cskr/pubsub"
)

// Topics published on the event bus.
const (
	TopicSession = "session"
	TopicChild   = "child"
	TopicChannel = "channel"
)

// SessionEvent reports a session lifecycle transition.
type SessionEvent struct {
	SessionID string
	State     string
	At        time.Time
}

// ChildEvent reports a stdio child transition.
type ChildEvent struct {
	PID      int
	Epoch    int
	ExitCode int
	Started  bool
	At       time.Time
}

// ChannelEvent reports an adapter channel opening or closing.
type ChannelEvent struct {
	Transport string
	Opened    bool
	Err       string
	At        time.Time
}

// Bus broadcasts lifecycle events to control-plane subscribers (the admin
// API tails it; slow subscribers only lose their own events).
type Bus struct {
	inner *pubsub.PubSub
}

// NewBus creates the event bus.
func NewBus() *Bus {
	return &Bus{inner: pubsub.New(64)}
}

// PublishSession broadcasts a session transition.
func (b *Bus) PublishSession(event SessionEvent) {
	event.At = time.Now()
	b.inner.TryPub(event, TopicSession)
}

// PublishChild broadcasts a child transition.
func (b *Bus) PublishChild(event ChildEvent) {
	event.At = time.Now()
	b.inner.TryPub(event, TopicChild)
}

// PublishChannel broadcasts a channel transition.
func (b *Bus) PublishChannel(event ChannelEvent) {
	event.At = time.Now()
	b.inner.TryPub(event, TopicChannel)
}

// Subscribe returns a channel of events for the given topics; release it
// with Unsubscribe when done.
func (b *Bus) Subscribe(topics ...string) chan interface{} {
	return b.inner.Sub(topics...)
}

// Unsubscribe releases a subscription.
func (b *Bus) Unsubscribe(ch chan interface{}, topics ...string) {
	b.inner.Unsub(ch, topics...)
}

// Shutdown closes the bus.
func (b *Bus) Shutdown() {
	b.inner.Shutdown()
}
