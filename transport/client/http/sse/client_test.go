package sse

import (
	"context"
	"encoding/json"
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

// fakeUpstream is a minimal SSE MCP server: a stream with an endpoint
// handshake and a message POST endpoint echoing responses onto the stream.
type fakeUpstream struct {
	server   *httptest.Server
	mux      sync.Mutex
	stream   http.Flusher
	writer   io.Writer
	received [][]byte
	ready    chan struct{}
	endpoint string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	upstream := &fakeUpstream{ready: make(chan struct{})}
	handler := http.NewServeMux()
	handler.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		endpoint := upstream.endpoint
		if endpoint == "" {
			endpoint = "/message?sessionId=abc"
		}
		fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", endpoint)
		flusher.Flush()
		upstream.mux.Lock()
		upstream.stream = flusher
		upstream.writer = w
		upstream.mux.Unlock()
		close(upstream.ready)
		<-r.Context().Done()
	})
	handler.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstream.mux.Lock()
		upstream.received = append(upstream.received, body)
		upstream.mux.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	upstream.server = httptest.NewServer(handler)
	t.Cleanup(upstream.server.Close)
	return upstream
}

func (u *fakeUpstream) push(t *testing.T, frame string) {
	u.mux.Lock()
	defer u.mux.Unlock()
	require.NotNil(t, u.writer, "stream not open")
	fmt.Fprintf(u.writer, "event: message\ndata: %s\n\n", frame)
	u.stream.Flush()
}

func (u *fakeUpstream) posts() [][]byte {
	u.mux.Lock()
	defer u.mux.Unlock()
	return append([][]byte(nil), u.received...)
}

func TestClientHandshakeAndSend(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, err := New(context.Background(), upstream.server.URL+"/sse")
	require.NoError(t, err)
	defer client.Close(nil)

	// the endpoint event surfaces as an adapter event
	select {
	case event := <-client.Inbound():
		require.Equal(t, transport.EventEndpoint, event.Kind)
		assert.Contains(t, event.Endpoint, "/message?sessionId=abc")
	case <-time.After(2 * time.Second):
		t.Fatal("endpoint event not delivered")
	}

	request := &mcpway.Request{Id: 1, Jsonrpc: mcpway.Version, Method: "initialize"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewRequestMessage(request)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(upstream.posts()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	posts := upstream.posts()
	require.Len(t, posts, 1)
	posted := &mcpway.Request{}
	require.NoError(t, json.Unmarshal(posts[0], posted))
	assert.Equal(t, "initialize", posted.Method)
}

func TestClientDeliversStreamMessages(t *testing.T) {
	upstream := newFakeUpstream(t)
	client, err := New(context.Background(), upstream.server.URL+"/sse")
	require.NoError(t, err)
	defer client.Close(nil)

	<-upstream.ready
	<-client.Inbound() // endpoint event
	upstream.push(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)

	select {
	case event := <-client.Inbound():
		require.Equal(t, transport.EventFrame, event.Kind)
		require.Equal(t, mcpway.MessageTypeResponse, event.Message.Type)
		assert.Equal(t, 1, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(2 * time.Second):
		t.Fatal("stream message not delivered")
	}
}

func TestClientRejectsForeignHostEndpoint(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.endpoint = "https://evil.example.com/message"
	_, err := New(context.Background(), upstream.server.URL+"/sse")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match stream host")
}

func TestClientAcceptsAbsoluteSameHostEndpoint(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.endpoint = upstream.server.URL + "/message?sessionId=xyz"
	client, err := New(context.Background(), upstream.server.URL+"/sse")
	require.NoError(t, err)
	defer client.Close(nil)
}

func TestClientBearerTokenHeader(t *testing.T) {
	var authorization string
	var mux sync.Mutex
	handler := http.NewServeMux()
	handler.HandleFunc("/sse", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\ndata: /message\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	handler.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		mux.Lock()
		authorization = r.Header.Get("Authorization")
		mux.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	client, err := New(context.Background(), server.URL+"/sse",
		WithBearerToken(func() (string, error) { return "secret-token", nil }))
	require.NoError(t, err)
	defer client.Close(nil)

	request := &mcpway.Request{Id: 1, Jsonrpc: mcpway.Version, Method: "ping"}
	require.NoError(t, client.Send(context.Background(), mcpway.NewRequestMessage(request)))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mux.Lock()
		got := authorization
		mux.Unlock()
		if got != "" {
			assert.Equal(t, "Bearer secret-token", got)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("authorized POST not observed")
}
