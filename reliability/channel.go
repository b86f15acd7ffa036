package reliability

import (
	"context"
	"errors"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
)

// BreakerChannel routes every dispatch on an outbound channel through the
// endpoint's circuit breaker. Backpressure does not count against the
// breaker; only transport failures do.
type BreakerChannel struct {
	inner   transport.Channel
	breaker *Breaker
}

// NewBreakerChannel wraps a channel with a breaker.
func NewBreakerChannel(inner transport.Channel, breaker *Breaker) *BreakerChannel {
	return &BreakerChannel{inner: inner, breaker: breaker}
}

// Inbound implements transport.Channel.
func (c *BreakerChannel) Inbound() <-chan transport.Event {
	return c.inner.Inbound()
}

// Send implements transport.Channel.
func (c *BreakerChannel) Send(ctx context.Context, message *mcpway.Message) error {
	return c.execute(func() error {
		return c.inner.Send(ctx, message)
	})
}

// SendBatch implements transport.Channel.
func (c *BreakerChannel) SendBatch(ctx context.Context, batch mcpway.Batch) error {
	return c.execute(func() error {
		return c.inner.SendBatch(ctx, batch)
	})
}

func (c *BreakerChannel) execute(op func() error) error {
	var opErr error
	err := c.breaker.Execute(func() error {
		opErr = op()
		if errors.Is(opErr, transport.ErrBackpressure) {
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

// Close implements transport.Channel.
func (c *BreakerChannel) Close(reason error) error {
	return c.inner.Close(reason)
}

// Done implements transport.Channel.
func (c *BreakerChannel) Done() <-chan struct{} {
	return c.inner.Done()
}

// Err implements transport.Channel.
func (c *BreakerChannel) Err() error {
	return c.inner.Err()
}

// Outbound exposes the inner queue for drain signalling when present.
func (c *BreakerChannel) Outbound() *transport.Outbound {
	if notifier, ok := c.inner.(interface{ Outbound() *transport.Outbound }); ok {
		return notifier.Outbound()
	}
	return nil
}
