package streamable

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/server/base"
)

// echoAcceptor answers every request on the session with its own id.
func echoAcceptor() base.Acceptor {
	return func(session *base.Session) {
		go func() {
			for event := range session.Inbound() {
				var messages []*mcpway.Message
				switch event.Kind {
				case transport.EventFrame:
					messages = []*mcpway.Message{event.Message}
				case transport.EventBatch:
					messages = event.Batch
				default:
					continue
				}
				for _, message := range messages {
					if message.Type != mcpway.MessageTypeRequest {
						continue
					}
					response := &mcpway.Response{
						Id:      message.Request.Id,
						Jsonrpc: mcpway.Version,
						Result:  []byte(`{"ok":true}`),
					}
					if err := session.Send(context.Background(), mcpway.NewResponseMessage(response)); err != nil {
						return
					}
				}
			}
		}()
	}
}

func postFrame(t *testing.T, serverURL, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, serverURL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"t","version":"0"}}}`

func TestStatefulHandshakeReturnsSessionHeader(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "", initializeBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	response := &mcpway.Response{}
	require.NoError(t, response.UnmarshalJSON(body))
	assert.Equal(t, float64(1), response.Id)
	assert.Nil(t, response.Error)

	// the session id binds subsequent requests
	second := postFrame(t, server.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	defer second.Body.Close()
	assert.Equal(t, http.StatusOK, second.StatusCode)
}

func TestStatefulUnknownSessionIs404(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "no-such-session", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	// a rejected binding leaves no session behind
	assert.Equal(t, 0, handler.store.Size())
}

func TestStatelessSessionSpansOneExchange(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"), WithStateful(false))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "", initializeBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Mcp-Session-Id"), "stateless mode never binds")
	assert.Equal(t, 0, handler.store.Size())
}

func TestNotificationAnswers202(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestEmptyBodyIsParseError(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "-32700")
}

func TestBatchResponsePreservesElementOrder(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	batch := `[{"jsonrpc":"2.0","id":"a","method":"one"},{"jsonrpc":"2.0","method":"note"},{"jsonrpc":"2.0","id":"b","method":"two"}]`
	resp := postFrame(t, server.URL, "", batch)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.HasPrefix(text, "["))
	aIndex := strings.Index(text, `"a"`)
	bIndex := strings.Index(text, `"b"`)
	require.GreaterOrEqual(t, aIndex, 0)
	require.GreaterOrEqual(t, bIndex, 0)
	assert.Less(t, aIndex, bIndex, "per-element response order follows the request batch")
}

func TestEvictedSessionIs404(t *testing.T) {
	handler := New(echoAcceptor(), WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	resp := postFrame(t, server.URL, "", initializeBody)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NotEmpty(t, sessionID)

	// the sweeper (or an explicit DELETE) releases the binding
	handler.Evict(sessionID)

	second := postFrame(t, server.URL, sessionID, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	defer second.Body.Close()
	assert.Equal(t, http.StatusNotFound, second.StatusCode)
}

func TestGETStreamDeliversServerInitiatedFrames(t *testing.T) {
	var captured *base.Session
	ready := make(chan struct{})
	handler := New(func(session *base.Session) {
		captured = session
		close(ready)
	}, WithURI("/mcp"))
	server := httptest.NewServer(handler)
	defer server.Close()

	go func() {
		<-ready
		// answer the initialize so the POST completes
		for event := range captured.Inbound() {
			if event.Kind == transport.EventFrame && event.Message.Type == mcpway.MessageTypeRequest {
				_ = captured.Send(context.Background(), mcpway.NewResponseMessage(&mcpway.Response{
					Id: event.Message.Request.Id, Jsonrpc: mcpway.Version, Result: []byte(`{}`),
				}))
			}
		}
	}()

	resp := postFrame(t, server.URL, "", initializeBody)
	sessionID := resp.Header.Get("Mcp-Session-Id")
	_, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NotEmpty(t, sessionID)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	// a server-initiated request flows out on the stream
	request := &mcpway.Request{Id: 99, Jsonrpc: mcpway.Version, Method: "sampling/createMessage"}
	require.NoError(t, captured.Send(context.Background(), mcpway.NewRequestMessage(request)))

	buffer := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	var collected string
	for time.Now().Before(deadline) && !strings.Contains(collected, "sampling/createMessage") {
		n, err := stream.Body.Read(buffer)
		if n > 0 {
			collected += string(buffer[:n])
		}
		if err != nil {
			break
		}
	}
	assert.Contains(t, collected, "event: message")
	assert.Contains(t, collected, "sampling/createMessage")
}
