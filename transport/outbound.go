package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// Outbound is the bounded frame queue between a channel's Send side and the
// goroutine draining it to the wire. Enqueue fails with ErrBackpressure once
// the high-water mark is reached; Resumed fires when the queue drains back
// below the low-water mark.
type Outbound struct {
	frames    chan []byte
	low       int
	saturated atomic.Bool
	resume    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// NewOutbound creates a queue with the given water marks; zero values take
// the defaults.
func NewOutbound(highWater, lowWater int) *Outbound {
	if highWater <= 0 {
		highWater = DefaultHighWaterMark
	}
	if lowWater <= 0 || lowWater >= highWater {
		lowWater = DefaultLowWaterMark
		if lowWater >= highWater {
			lowWater = highWater / 4
		}
	}
	return &Outbound{
		frames: make(chan []byte, highWater),
		low:    lowWater,
		resume: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Enqueue adds framed data without blocking.
func (o *Outbound) Enqueue(data []byte) error {
	select {
	case <-o.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case o.frames <- data:
		return nil
	default:
		o.saturated.Store(true)
		return ErrBackpressure
	}
}

// Dequeue removes the next frame, blocking until one is available, the
// context ends or the queue closes with no frames left.
func (o *Outbound) Dequeue(ctx context.Context) ([]byte, bool) {
	select {
	case data := <-o.frames:
		o.signalDrain()
		return data, true
	default:
	}
	select {
	case <-ctx.Done():
		return nil, false
	case data, ok := <-o.frames:
		if !ok {
			return nil, false
		}
		o.signalDrain()
		return data, true
	case <-o.closed:
		// drain what was enqueued before close
		select {
		case data := <-o.frames:
			return data, true
		default:
			return nil, false
		}
	}
}

func (o *Outbound) signalDrain() {
	if o.saturated.Load() && len(o.frames) <= o.low {
		o.saturated.Store(false)
		select {
		case o.resume <- struct{}{}:
		default:
		}
	}
}

// Resumed yields a signal each time the queue recovers from saturation.
func (o *Outbound) Resumed() <-chan struct{} {
	return o.resume
}

// Saturated reports whether the queue is above the high-water mark.
func (o *Outbound) Saturated() bool {
	return o.saturated.Load()
}

// Len returns the number of queued frames.
func (o *Outbound) Len() int {
	return len(o.frames)
}

// Close stops accepting frames; already queued frames remain dequeueable.
func (o *Outbound) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}
