// Package sse implements the SSE-client adapter: frames arrive on an
// upstream text/event-stream, frames leave as POSTs against the endpoint
// the stream announced.
package sse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/viant/afs/url"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

// maxConsecutiveFailures is the reconnect budget before the stream is fatal.
const maxConsecutiveFailures = 5

// Client is the SSE outbound channel; it implements transport.Channel
// through the embedded base channel.
type Client struct {
	*base.Channel

	streamURL        string
	handshakeTimeout time.Duration
	retryDelay       time.Duration
	httpClient       *http.Client
	transport        *Transport
	logger           *logrus.Logger
	lastEventID      string
	channelOptions   []base.Option
}

// New connects to the upstream SSE stream, waits for the endpoint
// handshake and starts the reader.
func New(ctx context.Context, streamURL string, options ...Option) (*Client, error) {
	schema := url.Scheme(streamURL, "http")
	host := url.Host(streamURL)
	httpClient := &http.Client{}
	ret := &Client{
		streamURL:        streamURL,
		handshakeTimeout: 30 * time.Second,
		retryDelay:       3 * time.Second,
		httpClient:       httpClient,
		logger:           logrus.StandardLogger(),
		transport: &Transport{
			client: httpClient,
			host:   fmt.Sprintf("%s://%s", schema, host),
		},
	}
	for _, option := range options {
		option(ret)
	}
	ret.transport.client = ret.httpClient
	channelOptions := append([]base.Option{base.WithLogger(ret.logger)}, ret.channelOptions...)
	ret.Channel = base.New(ctx, ret.transport.SendData, channelOptions...)

	reader, err := ret.connect(ctx)
	if err != nil {
		_ = ret.Channel.Close(err)
		return nil, err
	}
	go ret.listen(ctx, reader)
	return ret, nil
}

// connect opens the stream and performs the endpoint handshake.
func (c *Client) connect(ctx context.Context) (*bufio.Reader, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}
	if err := c.transport.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE stream: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, mcpway.NewUnauthorizedError(resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("invalid status code: %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)
	if err := c.handleHandshake(ctx, reader); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return reader, nil
}

func (c *Client) handleHandshake(ctx context.Context, reader *bufio.Reader) error {
	handshakeCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	event, err := c.read(handshakeCtx, reader)
	if err != nil {
		return err
	}
	if event.Event != "endpoint" {
		return fmt.Errorf("unexpected event: %s", event.Event)
	}
	if event.Data == "" {
		return fmt.Errorf("endpoint event is empty")
	}
	if err := c.transport.setEndpoint(event.Data); err != nil {
		return err
	}
	_ = c.Channel.Push(ctx, transport.Event{Kind: transport.EventEndpoint, Endpoint: c.transport.endpoint})
	return nil
}

// read parses one SSE event, honoring retry fields.
func (c *Client) read(ctx context.Context, reader *bufio.Reader) (*Event, error) {
	var hasData, hasEvent bool
	event := &Event{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (hasData || hasEvent) {
				return event, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || hasEvent {
				return event, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			hasEvent = true
		case strings.HasPrefix(line, "data:"):
			event.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			hasData = true
		case strings.HasPrefix(line, "retry:"):
			event.Retry = strings.TrimSpace(strings.TrimPrefix(line, "retry:"))
		}
	}
}

// listen consumes the stream, reconnecting with the announced retry delay
// until the failure budget is spent.
func (c *Client) listen(ctx context.Context, reader *bufio.Reader) {
	failures := 0
	for {
		err := c.consume(ctx, reader)
		if ctx.Err() != nil {
			c.Channel.SetError(ctx.Err())
			return
		}
		select {
		case <-c.Channel.Done():
			return
		default:
		}
		failures++
		if failures >= maxConsecutiveFailures {
			c.Channel.SetError(fmt.Errorf("SSE stream failed %d times: %w", failures, err))
			return
		}
		c.logger.WithError(err).Warnf("SSE stream dropped, reconnecting in %v", c.retryDelay)
		select {
		case <-ctx.Done():
			c.Channel.SetError(ctx.Err())
			return
		case <-time.After(c.retryDelay):
		}
		fresh, err := c.connect(ctx)
		if err != nil {
			continue
		}
		failures = 0
		reader = fresh
	}
}

// consume drains events from an established stream until it breaks.
func (c *Client) consume(ctx context.Context, reader *bufio.Reader) error {
	for {
		event, err := c.read(ctx, reader)
		if err != nil {
			return err
		}
		if event.ID != "" {
			c.lastEventID = event.ID
		}
		if event.Retry != "" {
			if ms, err := strconv.Atoi(event.Retry); err == nil && ms > 0 {
				c.retryDelay = time.Duration(ms) * time.Millisecond
			}
		}
		switch event.Event {
		case "message":
			if err := c.Channel.HandleData(ctx, []byte(event.Data)); err != nil {
				var gatewayErr *mcpway.GatewayError
				if !errors.As(err, &gatewayErr) {
					return err
				}
			}
		case "endpoint":
			if err := c.transport.setEndpoint(event.Data); err != nil {
				return err
			}
		case "":
			// comment or keep-alive
		default:
			c.logger.Warnf("ignoring unexpected SSE event: %s", event.Event)
		}
	}
}
