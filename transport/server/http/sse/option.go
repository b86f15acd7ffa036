package sse

import (
	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/mcpway/mcpway/transport/server/http/session"
	"github.com/sirupsen/logrus"
)

// Option mutates the Handler.
type Option func(t *Handler)

// WithURI sets the SSE stream path.
func WithURI(sseURI string) Option {
	return func(t *Handler) {
		t.URI = sseURI
	}
}

// WithMessageURI sets the message POST path.
func WithMessageURI(messageURI string) Option {
	return func(t *Handler) {
		t.MessageURI = messageURI
	}
}

// WithSessionLocation overrides where the session id travels.
func WithSessionLocation(location *session.Location) Option {
	return func(t *Handler) {
		t.SessionLocation = location
	}
}

// WithStore injects a custom SessionStore implementation.
func WithStore(store base.SessionStore) Option {
	return func(t *Handler) {
		t.store = store
	}
}

// WithWaterMarks sets per-session outbound queue water marks.
func WithWaterMarks(high, low int) Option {
	return func(t *Handler) {
		t.HighWater = high
		t.LowWater = low
	}
}

// WithEventBuffer sets the replay buffer size.
func WithEventBuffer(size int) Option {
	return func(t *Handler) {
		t.EventBuffer = size
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(t *Handler) {
		t.logger = logger
	}
}

// WithSessionOptions forwards extra options to every session.
func WithSessionOptions(options ...base.Option) Option {
	return func(t *Handler) {
		t.options = append(t.options, options...)
	}
}
