package sse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"

	"github.com/viant/afs/url"

	"github.com/mcpway/mcpway"
)

// Transport POSTs frames to the endpoint announced on the stream.
type Transport struct {
	client      *http.Client
	host        string
	endpoint    string
	headers     http.Header
	bearerToken func() (string, error)
	sync.Mutex
}

// setEndpoint resolves the announced endpoint against the stream host. An
// absolute URL pointing at a different host is rejected per MCP security
// guidance rather than silently followed.
func (t *Transport) setEndpoint(uri string) error {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		parsed, err := neturl.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid endpoint URL %q: %w", uri, err)
		}
		streamHost := url.Host(t.host)
		if parsed.Host != streamHost {
			return fmt.Errorf("endpoint host %q does not match stream host %q", parsed.Host, streamHost)
		}
		t.Lock()
		t.endpoint = uri
		t.Unlock()
		return nil
	}
	t.Lock()
	t.endpoint = url.Join(t.host, uri)
	t.Unlock()
	return nil
}

// authorize attaches static headers and bearer material to a request.
func (t *Transport) authorize(_ context.Context, req *http.Request) error {
	t.Lock()
	for k, v := range t.headers {
		req.Header[k] = v
	}
	t.Unlock()
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

// SendData POSTs one frame to the endpoint.
func (t *Transport) SendData(ctx context.Context, data []byte) error {
	t.Lock()
	endpoint := t.endpoint
	t.Unlock()
	if endpoint == "" {
		return fmt.Errorf("transport is not initialized - endpoint is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := t.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		return mcpway.NewUnauthorizedError(resp.StatusCode, body)
	default:
		return fmt.Errorf("invalid status code: %d: %s", resp.StatusCode, body)
	}
}
