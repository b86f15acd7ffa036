// Package transport defines the duplex MessageChannel contract every
// adapter implements, together with the correlation table and endpoint
// descriptor shared by the bridge.
package transport

import (
	"context"
	"errors"

	"github.com/mcpway/mcpway"
)

// ErrBackpressure is returned by Send when the adapter's outbound buffer is
// saturated beyond its high-water mark.
var ErrBackpressure = errors.New("outbound buffer saturated")

// ErrChannelClosed is returned by Send after the channel terminated.
var ErrChannelClosed = errors.New("channel closed")

// Default outbound buffer water marks, in frames.
const (
	DefaultHighWaterMark = 256
	DefaultLowWaterMark  = 64
)

// EventKind discriminates items yielded by Channel.Inbound.
type EventKind int

const (
	// EventFrame carries one parsed JSON-RPC message.
	EventFrame EventKind = iota
	// EventBatch carries an ordered batch of messages.
	EventBatch
	// EventEndpoint is an adapter-level event: the SSE endpoint URL carrying the POST target.
	EventEndpoint
	// EventRestart signals the upstream was replaced (child respawn); frames
	// in flight at that moment will never be answered.
	EventRestart
	// EventError is terminal; the channel yields no further items.
	EventError
)

// Event is one item of a channel's inbound sequence.
type Event struct {
	Kind     EventKind
	Message  *mcpway.Message
	Batch    mcpway.Batch
	Endpoint string
	Err      error
}

// FrameEvent wraps a message into an inbound event.
func FrameEvent(message *mcpway.Message) Event {
	return Event{Kind: EventFrame, Message: message}
}

// BatchEvent wraps a batch into an inbound event.
func BatchEvent(batch mcpway.Batch) Event {
	return Event{Kind: EventBatch, Batch: batch}
}

// ErrorEvent wraps a terminal error into an inbound event.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Channel is the duplex contract every transport adapter presents: an
// inbound stream of parsed frames and an outbound sink accepting them,
// plus lifecycle signals.
type Channel interface {
	// Inbound yields parsed frames, adapter events and at most one terminal
	// error; the channel is closed on clean termination.
	Inbound() <-chan Event

	// Send enqueues a frame for outbound transmission. It fails with
	// ErrBackpressure when the outbound buffer exceeds the high-water mark.
	Send(ctx context.Context, message *mcpway.Message) error

	// SendBatch enqueues an ordered batch as a single wire frame where the
	// transport supports it, otherwise frame by frame.
	SendBatch(ctx context.Context, batch mcpway.Batch) error

	// Close terminates the transport, flushing best effort. It is idempotent.
	Close(reason error) error

	// Done is closed once the channel has fully terminated.
	Done() <-chan struct{}

	// Err reports the terminal error, nil on clean close.
	Err() error
}
