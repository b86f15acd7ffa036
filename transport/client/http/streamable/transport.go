package streamable

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/mcpway/mcpway"
)

// Transport POSTs frames to the MCP endpoint and relays whatever comes
// back: a JSON body, an SSE-framed stream, or 202 for notifications.
type Transport struct {
	client      *http.Client
	headers     http.Header
	host        string
	c           *Client
	bearerToken func() (string, error)
	mux         sync.Mutex
}

// authorize attaches static headers and bearer material to a request.
func (t *Transport) authorize(req *http.Request) error {
	t.mux.Lock()
	for k, v := range t.headers {
		req.Header[k] = v
	}
	t.mux.Unlock()
	if t.bearerToken != nil {
		token, err := t.bearerToken()
		if err != nil {
			return mcpway.NewGatewayError(mcpway.KindAuthorization, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return nil
}

// SendData forwards one marshalled frame using HTTP POST.
func (t *Transport) SendData(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.c.endpointURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// the client must declare it supports both JSON and SSE responses
	req.Header.Set("Accept", "application/json, text/event-stream")
	if session := t.c.SessionID(); session != "" {
		req.Header.Set(t.c.sessionHeaderName, session)
	}
	if t.c.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", t.c.protocolVersion)
	}
	if err := t.authorize(req); err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if sessionID := resp.Header.Get(t.c.sessionHeaderName); sessionID != "" {
		t.c.captureSession(sessionID)
	}

	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, sseMime) {
		// the response streams; consume inline so responses preserve order
		reader := bufio.NewReader(resp.Body)
		t.c.consumeSSE(ctx, reader, false)
		_ = resp.Body.Close()
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		if len(body) > 0 {
			return t.c.Channel.HandleData(ctx, body)
		}
		return nil
	case http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		return mcpway.NewUnauthorizedError(resp.StatusCode, body)
	default:
		return fmt.Errorf("invalid status code: %d: %s", resp.StatusCode, string(body))
	}
}
