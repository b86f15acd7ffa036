// Package sse implements the SSE-server adapter: a GET event stream paired
// with a companion POST message endpoint.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/mcpway/mcpway/transport/server/http/common"
	"github.com/mcpway/mcpway/transport/server/http/session"
	"github.com/sirupsen/logrus"
)

// Handler serves the SSE stream and the message endpoint.
type Handler struct {
	Options
	store    base.SessionStore
	locator  session.Locator
	acceptor base.Acceptor
	logger   *logrus.Logger
	options  []base.Option
}

// Options represents SSE adapter options.
type Options struct {
	URI             string
	MessageURI      string
	SessionLocation *session.Location
	EventBuffer     int
	HighWater       int
	LowWater        int
}

// ServeHTTP implements the http.Handler interface.
func (s *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || strings.HasSuffix(r.URL.Path, s.URI) {
		s.handleSSE(w, r)
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if sessionId, _ := s.locator.Locate(s.SessionLocation, r); sessionId != "" {
			if aSession, ok := s.store.Get(sessionId); ok {
				_ = aSession.Close(nil)
				s.store.Delete(sessionId)
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "missing session id", http.StatusBadRequest)
	case http.MethodPost:
		s.handleMessage(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleMessage accepts one frame per POST and enqueues it for the bridge.
func (s *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var data []byte
	var err error
	if r.Body != nil {
		if data, err = io.ReadAll(r.Body); err != nil {
			http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
			return
		}
		_ = r.Body.Close()
	}
	sessionId, err := s.locator.Locate(s.SessionLocation, r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to locate session: %v", err), http.StatusBadRequest)
		return
	}
	aSession, ok := s.store.Get(sessionId)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionId), http.StatusNotFound)
		return
	}
	switch err := aSession.PushFrame(r.Context(), data); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, transport.ErrBackpressure):
		http.Error(w, "outbound buffer saturated", http.StatusServiceUnavailable)
	default:
		writeParseError(w, err)
	}
}

func writeParseError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	body, _ := json.Marshal(&mcpway.Response{
		Jsonrpc: mcpway.Version,
		Error:   mcpway.NewParsingError(err, nil),
	})
	_, _ = w.Write(body)
}

// handleSSE opens the event stream and performs the endpoint handshake.
func (s *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writer := common.NewFlushWriter(w)
	aSession, err := s.initSessionHandshake(r, writer)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to initialize session: %v", err), http.StatusInternalServerError)
		return
	}
	if s.acceptor != nil {
		s.acceptor(aSession)
	}

	// The stream lives until the client drops the GET or the bridge closes
	// the channel.
	select {
	case <-r.Context().Done():
		s.store.Delete(aSession.Id)
		_ = aSession.Close(nil)
	case <-aSession.Done():
		s.store.Delete(aSession.Id)
	}
}

// initSessionHandshake creates the session and emits the endpoint event.
func (s *Handler) initSessionHandshake(r *http.Request, writer io.Writer) (*base.Session, error) {
	options := append([]base.Option{
		base.WithFramer(frameSSE),
		base.WithSSE(),
		base.WithEventBuffer(s.EventBuffer),
		base.WithWaterMarks(s.HighWater, s.LowWater),
	}, s.options...)
	aSession := base.NewSession(r.Context(), "", writer, options...)
	query := url.Values{}
	if err := s.locator.Set(s.SessionLocation, query, aSession.Id); err != nil {
		return nil, err
	}
	URI := s.MessageURI + "?" + query.Encode()
	payload := fmt.Sprintf("event: endpoint\ndata: %s\n\n", URI)
	if _, err := writer.Write([]byte(payload)); err != nil {
		return nil, err
	}
	s.store.Put(aSession.Id, aSession)
	return aSession, nil
}

// frameSSE formats the data for SSE.
func frameSSE(data []byte) []byte {
	return []byte(fmt.Sprintf("event: message\ndata: %s\n\n", strings.TrimSpace(string(data))))
}

// New creates a Handler delivering each accepted session to the acceptor.
func New(acceptor base.Acceptor, options ...Option) *Handler {
	ret := &Handler{
		acceptor: acceptor,
		Options: Options{
			URI:             "/sse",
			MessageURI:      "/message",
			SessionLocation: session.NewQueryLocation("sessionId"),
			EventBuffer:     1024,
		},
		store:  base.NewMemorySessionStore(),
		logger: logrus.StandardLogger(),
	}
	for _, opt := range options {
		opt(ret)
	}
	return ret
}
