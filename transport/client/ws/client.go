// Package ws implements the WebSocket-client adapter: one JSON-RPC message
// per text frame against an upstream WS endpoint.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second
)

// Client is the WS outbound channel; it implements transport.Channel
// through the embedded base channel.
type Client struct {
	*base.Channel

	conn           *websocket.Conn
	logger         *logrus.Logger
	dialer         *websocket.Dialer
	header         http.Header
	channelOptions []base.Option
}

// Option mutates the Client.
type Option func(*Client)

// WithDialer sets a custom WebSocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = dialer }
}

// WithHeader sets additional HTTP headers sent during the handshake.
func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithChannelOptions forwards options to the underlying channel.
func WithChannelOptions(options ...base.Option) Option {
	return func(c *Client) { c.channelOptions = append(c.channelOptions, options...) }
}

// New dials the upstream and starts the read and ping loops.
func New(ctx context.Context, wsURL string, options ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ret := &Client{
		logger: logrus.StandardLogger(),
	}
	for _, option := range options {
		option(ret)
	}
	dialer := ret.dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialer.Subprotocols = []string{"mcp"}
	conn, resp, err := dialer.DialContext(ctx, wsURL, ret.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connection failed: %w (status: %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	ret.conn = conn
	channelOptions := append([]base.Option{base.WithLogger(ret.logger)}, ret.channelOptions...)
	ret.Channel = base.New(ctx, ret.sendData, channelOptions...)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go ret.readLoop(ctx)
	go ret.pingLoop()
	return ret, nil
}

func (c *Client) sendData(_ context.Context, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.conn.Close()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Channel.SetError(io.EOF)
			} else {
				c.Channel.SetError(fmt.Errorf("websocket read error: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.Channel.SetError(fmt.Errorf("unexpected websocket message type: %d (expected text)", messageType))
			return
		}
		if err := c.Channel.HandleData(ctx, data); err != nil {
			var gatewayErr *mcpway.GatewayError
			if !errors.As(err, &gatewayErr) {
				return
			}
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Channel.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Channel.SetError(err)
				return
			}
		}
	}
}

// Close implements transport.Channel; the connection closes with the channel.
func (c *Client) Close(reason error) error {
	err := c.Channel.Close(reason)
	_ = c.conn.Close()
	return err
}
