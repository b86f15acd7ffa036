package base

import "github.com/mcpway/mcpway/transport"

// Option represents a session option.
type Option func(s *Session)

// WithFramer sets the wire framing applied to every outbound message.
func WithFramer(framer FrameMessage) Option {
	return func(s *Session) {
		s.framer = framer
	}
}

// WithSSE enables SSE id injection so streams can resume with Last-Event-ID.
func WithSSE() Option {
	return func(s *Session) {
		s.sse = true
	}
}

// WithEventBuffer retains up to size framed events for replay.
func WithEventBuffer(size int) Option {
	return func(s *Session) {
		s.bufferSize = size
	}
}

// WithOverflowPolicy sets the replay buffer overflow policy.
func WithOverflowPolicy(policy OverflowPolicy) Option {
	return func(s *Session) {
		s.overflowPolicy = policy
	}
}

// WithWaterMarks sets the outbound queue high/low water marks in frames.
func WithWaterMarks(high, low int) Option {
	return func(s *Session) {
		s.outbound = transport.NewOutbound(high, low)
	}
}

// WithInboundBuffer sets the inbound event queue capacity.
func WithInboundBuffer(size int) Option {
	return func(s *Session) {
		if size > 0 {
			s.events = make(chan transport.Event, size)
		}
	}
}
