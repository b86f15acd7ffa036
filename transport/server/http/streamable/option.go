package streamable

import (
	"time"

	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/mcpway/mcpway/transport/server/http/session"
	"github.com/sirupsen/logrus"
)

// Option mutates the Handler.
type Option func(*Handler)

// WithURI sets a custom endpoint path suffix.
func WithURI(uri string) Option {
	return func(h *Handler) { h.URI = uri }
}

// WithSessionLocation overrides the default session location.
func WithSessionLocation(loc *session.Location) Option {
	return func(h *Handler) { h.SessionLocation = loc }
}

// WithStateful toggles stateful session binding.
func WithStateful(stateful bool) Option {
	return func(h *Handler) { h.Stateful = stateful }
}

// WithResponseTimeout bounds how long a POST waits for its responses.
func WithResponseTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.ResponseTimeout = d
		}
	}
}

// WithEventBuffer sets the replay buffer size used for resumability.
func WithEventBuffer(n int) Option {
	return func(h *Handler) { h.EventBuffer = n }
}

// WithWaterMarks sets per-session outbound queue water marks.
func WithWaterMarks(high, low int) Option {
	return func(h *Handler) {
		h.HighWater = high
		h.LowWater = low
	}
}

// WithStore injects a custom SessionStore implementation.
func WithStore(store base.SessionStore) Option {
	return func(h *Handler) { h.store = store }
}

// WithValidator authorizes bearer tokens on every request.
func WithValidator(validator TokenValidator) Option {
	return func(h *Handler) { h.Validator = validator }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}
