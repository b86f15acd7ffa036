package sse

import (
	"net/http"
	"time"

	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

// Option is a function that configures the Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the stream and the POSTs.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithHandshakeTimeout bounds the wait for the endpoint event.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.handshakeTimeout = timeout
		}
	}
}

// WithHeaders sets static headers attached to every request.
func WithHeaders(headers http.Header) Option {
	return func(c *Client) {
		c.transport.headers = headers
	}
}

// WithBearerToken sets the token supplier consulted per request.
func WithBearerToken(supplier func() (string, error)) Option {
	return func(c *Client) {
		c.transport.bearerToken = supplier
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithChannelOptions forwards options to the underlying channel.
func WithChannelOptions(options ...base.Option) Option {
	return func(c *Client) {
		c.channelOptions = append(c.channelOptions, options...)
	}
}
