package streamable

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
)

func TestClientPostCapturesSessionAndDeliversResponse(t *testing.T) {
	var mux sync.Mutex
	var sawSession []string
	handler := http.NewServeMux()
	handler.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// no server-initiated frames in this test
			w.WriteHeader(http.StatusNotFound)
			return
		}
		mux.Lock()
		sawSession = append(sawSession, r.Header.Get("Mcp-Session-Id"))
		mux.Unlock()
		body, _ := io.ReadAll(r.Body)
		request := &mcpway.Request{}
		require.NoError(t, request.UnmarshalJSON(body))
		w.Header().Set("Mcp-Session-Id", "S-1")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%v,"result":{"ok":true}}`, request.Id)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(context.Background(), server.URL+"/mcp", WithServerStream(false))
	require.NoError(t, err)
	defer client.Close(nil)

	request := &mcpway.Request{Id: 1, Jsonrpc: mcpway.Version, Method: "initialize"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewRequestMessage(request)))

	select {
	case event := <-client.Inbound():
		require.Equal(t, transport.EventFrame, event.Kind)
		require.Equal(t, mcpway.MessageTypeResponse, event.Message.Type)
		assert.Equal(t, 1, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
	assert.Equal(t, "S-1", client.SessionID())

	// the captured session id rides on the next request
	second := &mcpway.Request{Id: 2, Jsonrpc: mcpway.Version, Method: "tools/list"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewRequestMessage(second)))
	select {
	case <-client.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("second response not delivered")
	}
	mux.Lock()
	defer mux.Unlock()
	require.Len(t, sawSession, 2)
	assert.Empty(t, sawSession[0])
	assert.Equal(t, "S-1", sawSession[1])
}

func TestClientConsumesSSEResponseBody(t *testing.T) {
	handler := http.NewServeMux()
	handler.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Mcp-Session-Id", "S-2")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "id: 1\nevent: message\ndata: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{}}\n\n")
		flusher.Flush()
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(context.Background(), server.URL+"/mcp", WithServerStream(false))
	require.NoError(t, err)
	defer client.Close(nil)

	request := &mcpway.Request{Id: 7, Jsonrpc: mcpway.Version, Method: "tools/call"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewRequestMessage(request)))

	select {
	case event := <-client.Inbound():
		require.Equal(t, mcpway.MessageTypeResponse, event.Message.Type)
		assert.Equal(t, 7, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(2 * time.Second):
		t.Fatal("streamed response not delivered")
	}
}

func TestClientNotificationGets202(t *testing.T) {
	posts := 0
	var mux sync.Mutex
	handler := http.NewServeMux()
	handler.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		mux.Lock()
		posts++
		mux.Unlock()
		w.Header().Set("Mcp-Session-Id", "S-3")
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(context.Background(), server.URL+"/mcp", WithServerStream(false))
	require.NoError(t, err)
	defer client.Close(nil)

	notification := &mcpway.Notification{Jsonrpc: mcpway.Version, Method: "notifications/initialized"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewNotificationMessage(notification)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mux.Lock()
		count := posts
		mux.Unlock()
		if count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("notification POST not observed")
}

func TestClientProtocolVersionHeader(t *testing.T) {
	var version string
	var mux sync.Mutex
	handler := http.NewServeMux()
	handler.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		mux.Lock()
		version = r.Header.Get("MCP-Protocol-Version")
		mux.Unlock()
		w.Header().Set("Mcp-Session-Id", "S-4")
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(context.Background(), server.URL+"/mcp",
		WithServerStream(false),
		WithProtocolVersion("2024-11-05"))
	require.NoError(t, err)
	defer client.Close(nil)

	notification := &mcpway.Notification{Jsonrpc: mcpway.Version, Method: "x"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewNotificationMessage(notification)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mux.Lock()
		got := version
		mux.Unlock()
		if got != "" {
			assert.Equal(t, "2024-11-05", got)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("version header not observed")
}
