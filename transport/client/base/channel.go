// Package base carries the state every outbound adapter shares: the bounded
// outbound queue draining into the transport's send function and the inbound
// event stream feeding the bridge.
package base

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/sirupsen/logrus"
)

// SendData delivers one marshalled frame to the wire.
type SendData func(ctx context.Context, data []byte) error

// Channel is the transport.Channel backbone of the outbound adapters. The
// concrete adapter supplies SendData and feeds received wire data through
// HandleData.
type Channel struct {
	events   chan transport.Event
	outbound *transport.Outbound
	sendData SendData
	framer   func(data []byte) []byte
	logger   *logrus.Logger

	err      error
	closed   bool
	inFlight sync.WaitGroup
	done     chan struct{}
	cancel   context.CancelFunc
	closeOne sync.Once
	mux      sync.Mutex
}

// Option mutates a Channel.
type Option func(*Channel)

// WithWaterMarks sets the outbound queue high/low water marks.
func WithWaterMarks(high, low int) Option {
	return func(c *Channel) {
		c.outbound = transport.NewOutbound(high, low)
	}
}

// WithInboundBuffer sets the inbound event queue capacity.
func WithInboundBuffer(size int) Option {
	return func(c *Channel) {
		if size > 0 {
			c.events = make(chan transport.Event, size)
		}
	}
}

// WithFramer wraps outbound frames before SendData (e.g. newline for stdio).
func WithFramer(framer func(data []byte) []byte) Option {
	return func(c *Channel) {
		c.framer = framer
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Channel) {
		c.logger = logger
	}
}

// New creates the channel and starts its drain loop.
func New(ctx context.Context, sendData SendData, options ...Option) *Channel {
	runCtx, cancel := context.WithCancel(ctx)
	ret := &Channel{
		sendData: sendData,
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logrus.StandardLogger(),
	}
	for _, option := range options {
		option(ret)
	}
	if ret.events == nil {
		ret.events = make(chan transport.Event, transport.DefaultHighWaterMark)
	}
	if ret.outbound == nil {
		ret.outbound = transport.NewOutbound(0, 0)
	}
	go ret.run(runCtx)
	return ret
}

func (c *Channel) run(ctx context.Context) {
	for {
		data, ok := c.outbound.Dequeue(ctx)
		if !ok {
			return
		}
		if c.framer != nil {
			data = c.framer(data)
		}
		if err := c.sendData(ctx, data); err != nil {
			c.logger.WithError(err).Error("outbound send failed")
			c.SetError(err)
			return
		}
	}
}

// Inbound implements transport.Channel.
func (c *Channel) Inbound() <-chan transport.Event {
	return c.events
}

// Send implements transport.Channel.
func (c *Channel) Send(_ context.Context, message *mcpway.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// SendBatch implements transport.Channel; the batch travels as one frame.
func (c *Channel) SendBatch(_ context.Context, batch mcpway.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *Channel) enqueue(data []byte) error {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return transport.ErrChannelClosed
	}
	c.mux.Unlock()
	return c.outbound.Enqueue(data)
}

// HandleData decodes wire data received from the upstream and delivers it to
// the bridge, blocking while the bridge is saturated so the adapter's read
// loop provides natural backpressure.
func (c *Channel) HandleData(ctx context.Context, data []byte) error {
	messages, isBatch, err := mcpway.DecodeFrame(data)
	if err != nil {
		c.logger.WithError(err).Warnf("failed to parse upstream frame: %s", data)
		return mcpway.NewGatewayError(mcpway.KindProtocol, err)
	}
	var event transport.Event
	if isBatch {
		event = transport.BatchEvent(messages)
	} else {
		event = transport.FrameEvent(messages[0])
	}
	return c.Push(ctx, event)
}

// Push delivers an adapter event to the bridge.
func (c *Channel) Push(ctx context.Context, event transport.Event) error {
	c.mux.Lock()
	if c.closed {
		c.mux.Unlock()
		return transport.ErrChannelClosed
	}
	c.inFlight.Add(1)
	c.mux.Unlock()
	defer c.inFlight.Done()
	select {
	case c.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return transport.ErrChannelClosed
	}
}

// SetError terminates the channel with err.
func (c *Channel) SetError(err error) {
	_ = c.Close(err)
}

// Close implements transport.Channel; it is idempotent.
func (c *Channel) Close(reason error) error {
	c.closeOne.Do(func() {
		c.mux.Lock()
		c.closed = true
		if c.err == nil {
			c.err = reason
		}
		c.mux.Unlock()
		close(c.done)
		c.inFlight.Wait()
		if reason != nil {
			select {
			case c.events <- transport.ErrorEvent(reason):
			default:
			}
		}
		close(c.events)
		c.outbound.Close()
		c.cancel()
	})
	return nil
}

// Done implements transport.Channel.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err implements transport.Channel.
func (c *Channel) Err() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.err
}

// Outbound exposes the queue for saturation checks.
func (c *Channel) Outbound() *transport.Outbound {
	return c.outbound
}
