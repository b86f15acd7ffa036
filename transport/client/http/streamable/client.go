// Package streamable implements the Streamable-HTTP client adapter: frames
// leave as POSTs against the single MCP endpoint, responses come back in the
// POST body (JSON or SSE-framed) and server-initiated frames arrive on a
// long-lived GET stream.
package streamable

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/viant/afs/url"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport/client/base"
	"github.com/sirupsen/logrus"
)

const sseMime = "text/event-stream"

// Client is the streamable outbound channel; it implements
// transport.Channel through the embedded base channel.
type Client struct {
	*base.Channel

	endpointURL       string
	httpClient        *http.Client
	transport         *Transport
	logger            *logrus.Logger
	sessionHeaderName string
	protocolVersion   string

	sessionMu sync.Mutex
	sessionID string
	lastIDGet uint64

	streamMu     sync.Mutex
	streamActive bool

	openStreamOnSession bool
	channelOptions      []base.Option
	ctx                 context.Context
}

// New initialises the client; the GET stream starts once a session id is
// known (after the first POST response carrying the session header).
func New(ctx context.Context, endpointURL string, options ...Option) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	schema := url.Scheme(endpointURL, "http")
	host := url.Host(endpointURL)
	httpClient := &http.Client{}
	ret := &Client{
		endpointURL:         endpointURL,
		httpClient:          httpClient,
		logger:              logrus.StandardLogger(),
		sessionHeaderName:   "Mcp-Session-Id",
		protocolVersion:     mcpway.LatestProtocolVersion,
		openStreamOnSession: true,
		ctx:                 ctx,
	}
	ret.transport = &Transport{
		client:  httpClient,
		headers: make(http.Header),
		host:    fmt.Sprintf("%s://%s", schema, host),
		c:       ret,
	}
	for _, option := range options {
		option(ret)
	}
	ret.transport.client = ret.httpClient
	channelOptions := append([]base.Option{base.WithLogger(ret.logger)}, ret.channelOptions...)
	ret.Channel = base.New(ctx, ret.transport.SendData, channelOptions...)
	return ret, nil
}

// SessionID returns the captured upstream session id.
func (c *Client) SessionID() string {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// captureSession records the session id announced by the upstream and
// starts the server-initiated stream on first sight.
func (c *Client) captureSession(id string) {
	if id == "" {
		return
	}
	c.sessionMu.Lock()
	known := c.sessionID
	c.sessionID = id
	c.sessionMu.Unlock()
	if known != id && c.openStreamOnSession {
		c.ensureStream()
	}
}

// ensureStream starts the background reconnection loop for the GET stream.
func (c *Client) ensureStream() {
	c.streamMu.Lock()
	if c.streamActive {
		c.streamMu.Unlock()
		return
	}
	c.streamActive = true
	c.streamMu.Unlock()
	go c.runStream()
}

// runStream keeps the server-to-client stream alive with capped
// exponential backoff between attempts.
func (c *Client) runStream() {
	backoff := 500 * time.Millisecond
	maxBackoff := 10 * time.Second
	for {
		select {
		case <-c.Channel.Done():
			return
		case <-c.ctx.Done():
			return
		default:
		}
		if err := c.openStream(c.ctx); err != nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
			continue
		}
		backoff = 500 * time.Millisecond
	}
}

func (c *Client) openStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", sseMime)
	req.Header.Set(c.sessionHeaderName, c.SessionID())
	if c.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", c.protocolVersion)
	}
	if c.lastIDGet > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(c.lastIDGet, 10))
	}
	if err := c.transport.authorize(req); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return fmt.Errorf("stream invalid status: %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)
	c.consumeSSE(ctx, reader, true)
	_ = resp.Body.Close()
	return nil
}

// consumeSSE forwards message events to the bridge; onGet tracks the
// replayable event id of the long-lived stream.
func (c *Client) consumeSSE(ctx context.Context, reader *bufio.Reader, onGet bool) {
	for {
		event, err := readSSE(ctx, reader)
		if err != nil {
			if err != io.EOF && err != io.ErrUnexpectedEOF && ctx.Err() == nil {
				c.logger.WithError(err).Warn("SSE stream error")
			}
			return
		}
		if event == nil {
			return
		}
		if onGet && event.ID != "" {
			if v, err := strconv.ParseUint(strings.TrimSpace(event.ID), 10, 64); err == nil {
				c.lastIDGet = v
			}
		}
		if event.Event != "message" || strings.TrimSpace(event.Data) == "" {
			continue
		}
		if err := c.Channel.HandleData(ctx, []byte(event.Data)); err != nil {
			var gatewayErr *mcpway.GatewayError
			if !errors.As(err, &gatewayErr) {
				return
			}
		}
	}
}

type sseEvent struct {
	ID    string
	Event string
	Data  string
}

// readSSE reads a single SSE event (terminated by blank line); it returns
// nil, io.EOF at end of stream.
func readSSE(ctx context.Context, reader *bufio.Reader) (*sseEvent, error) {
	var hasData, hasEvent bool
	ev := &sseEvent{}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && (hasData || hasEvent) {
				return ev, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || hasEvent {
				return ev, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "id:"):
			ev.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			hasEvent = true
		case strings.HasPrefix(line, "data:"):
			ev.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			hasData = true
		}
	}
}
