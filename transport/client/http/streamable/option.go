package streamable

import (
	"net/http"

	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

// Option mutates the Client.
type Option func(*Client)

// WithHTTPClient allows a custom http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithSessionHeaderName sets a custom HTTP header name used to carry the
// session id. Defaults to "Mcp-Session-Id".
func WithSessionHeaderName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.sessionHeaderName = name
		}
	}
}

// WithProtocolVersion sets the MCP-Protocol-Version header included on all
// requests made by the client.
func WithProtocolVersion(version string) Option {
	return func(c *Client) {
		if version != "" {
			c.protocolVersion = version
		}
	}
}

// WithHeaders sets the header map attached to every request; the caller may
// keep mutating it (override application) between requests.
func WithHeaders(headers http.Header) Option {
	return func(c *Client) {
		if headers != nil {
			c.transport.headers = headers
		}
	}
}

// WithBearerToken sets the token supplier consulted per request.
func WithBearerToken(supplier func() (string, error)) Option {
	return func(c *Client) {
		c.transport.bearerToken = supplier
	}
}

// WithServerStream toggles the long-lived GET stream for server-initiated
// frames; stateless upstreams never announce a session so it stays off.
func WithServerStream(enabled bool) Option {
	return func(c *Client) {
		c.openStreamOnSession = enabled
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
