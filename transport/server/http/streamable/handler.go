// Package streamable implements the server side of the Streamable-HTTP
// transport: a single endpoint where POST carries requests, the response
// body streams results, and GET opens an SSE stream for server-initiated
// frames. Stateful mode binds sessions through the Mcp-Session-Id header;
// stateless mode scopes a session to a single request/response pair.
package streamable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/mcpway/mcpway/transport/server/http/common"
	"github.com/mcpway/mcpway/transport/server/http/session"
	"github.com/sirupsen/logrus"
)

const (
	defaultSessionHeaderKey = "Mcp-Session-Id"
	sseMime                 = "text/event-stream"
)

// TokenValidator authorizes a bearer token; empty token means none supplied.
type TokenValidator func(ctx context.Context, token string) error

// Handler implements http.Handler for the streamable endpoint.
type Handler struct {
	Options
	store    base.SessionStore
	locator  session.Locator
	acceptor base.Acceptor
	logger   *logrus.Logger
	routers  routerIndex
}

// Options exposes configurable attributes of the handler.
type Options struct {
	// URI of the endpoint; empty matches any path when mounted on a route.
	URI string

	// SessionLocation defines where the session id travels.
	SessionLocation *session.Location

	// Stateful binds sessions across requests through the session header.
	Stateful bool

	// ResponseTimeout bounds how long a POST waits for its responses.
	ResponseTimeout time.Duration

	// EventBuffer is the per-session replay buffer size.
	EventBuffer int

	HighWater int
	LowWater  int

	// Validator authorizes bearer tokens when set.
	Validator TokenValidator
}

// routerIndex tracks the response router per session id.
type routerIndex struct {
	mux  sync.Mutex
	byId map[string]*router
}

func newRouterIndex() routerIndex {
	return routerIndex{byId: make(map[string]*router)}
}

func (i *routerIndex) get(id string) (*router, bool) {
	i.mux.Lock()
	defer i.mux.Unlock()
	r, ok := i.byId[id]
	return r, ok
}

func (i *routerIndex) put(id string, r *router) {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.byId[id] = r
}

func (i *routerIndex) delete(id string) {
	i.mux.Lock()
	defer i.mux.Unlock()
	delete(i.byId, id)
}

// ServeHTTP dispatches on method: POST for messages (and handshake), GET
// for the server-to-client stream, DELETE for explicit termination.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.URI != "" && !strings.HasSuffix(r.URL.Path, h.URI) {
		http.NotFound(w, r)
		return
	}
	if h.Validator != nil {
		token := bearerToken(r)
		if err := h.Validator(r.Context(), token); err != nil {
			var unauthorized *mcpway.UnauthorizedError
			if errors.As(err, &unauthorized) {
				writeJSONError(w, http.StatusUnauthorized, unauthorized.JSONError())
				return
			}
			writeJSONError(w, http.StatusUnauthorized, mcpway.NewUnauthorizedJSONError(err.Error()))
			return
		}
	}
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, anError *mcpway.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, _ := json.Marshal(&mcpway.Response{Jsonrpc: mcpway.Version, Error: anError})
	_, _ = w.Write(body)
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request body: %v", err), http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	if !h.Stateful {
		h.serveStateless(w, r, data)
		return
	}

	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" {
		h.initHandshake(w, r, data)
		return
	}
	aSession, ok := h.store.Get(sessionID)
	if !ok {
		// unknown binding is severed with no side effect on server state
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}
	aRouter, _ := h.routers.get(sessionID)
	h.exchange(w, r, aSession, aRouter, data, false)
}

// initHandshake creates a new stateful session; the session id is returned
// in the response header.
func (h *Handler) initHandshake(w http.ResponseWriter, r *http.Request, data []byte) {
	aRouter := newRouter(h.EventBuffer)
	options := []base.Option{
		base.WithWaterMarks(h.HighWater, h.LowWater),
	}
	aSession := base.NewSession(context.WithoutCancel(r.Context()), "", aRouter, options...)
	h.store.Put(aSession.Id, aSession)
	h.routers.put(aSession.Id, aRouter)
	if h.acceptor != nil {
		h.acceptor(aSession)
	}
	h.setSessionHeader(w, aSession.Id)
	h.exchange(w, r, aSession, aRouter, data, false)
}

func (h *Handler) setSessionHeader(w http.ResponseWriter, id string) {
	if h.SessionLocation != nil && h.SessionLocation.Kind == "header" {
		w.Header().Set(h.SessionLocation.Name, id)
		return
	}
	w.Header().Set(defaultSessionHeaderKey, id)
}

// serveStateless runs a session scoped to exactly this request/response pair.
func (h *Handler) serveStateless(w http.ResponseWriter, r *http.Request, data []byte) {
	aRouter := newRouter(0)
	aSession := base.NewSession(r.Context(), "", aRouter, base.WithWaterMarks(h.HighWater, h.LowWater))
	if h.acceptor != nil {
		h.acceptor(aSession)
	}
	defer aSession.Close(nil)
	h.exchange(w, r, aSession, aRouter, data, true)
}

// exchange pushes the POSTed frame to the bridge and relays the responses
// back: a single JSON body, an SSE-framed stream when the client accepts
// it, or 202 when the frame carried no requests.
func (h *Handler) exchange(w http.ResponseWriter, r *http.Request, aSession *base.Session, aRouter *router, data []byte, stateless bool) {
	messages, isBatch, err := mcpway.DecodeFrame(data)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, mcpway.NewParsingError(err, nil))
		return
	}
	var waited []pendingResponse
	if aRouter != nil {
		for _, message := range messages {
			if message.Type == mcpway.MessageTypeRequest {
				waited = append(waited, pendingResponse{
					id: message.Request.Id,
					ch: aRouter.await(message.Request.Id),
				})
			}
		}
	}
	var event transport.Event
	if isBatch {
		event = transport.BatchEvent(messages)
	} else {
		event = transport.FrameEvent(messages[0])
	}
	if err := aSession.PushEvent(r.Context(), event); err != nil {
		for _, pending := range waited {
			aRouter.forget(pending.id)
		}
		if errors.Is(err, transport.ErrBackpressure) {
			http.Error(w, "outbound buffer saturated", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	aSession.Touch()
	if len(waited) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if acceptsSSE(r.Header) {
		h.streamResponses(w, r, aSession, aRouter, waited)
		return
	}
	h.collectResponses(w, r, aSession, aRouter, waited, isBatch)
}

type pendingResponse struct {
	id mcpway.RequestId
	ch chan []byte
}

// collectResponses waits for every response and answers with a single JSON
// body, preserving batch element order.
func (h *Handler) collectResponses(w http.ResponseWriter, r *http.Request, aSession *base.Session, aRouter *router, waited []pendingResponse, isBatch bool) {
	ctx, cancel := context.WithTimeout(r.Context(), h.ResponseTimeout)
	defer cancel()
	bodies := make([][]byte, len(waited))
collect:
	for i, pending := range waited {
		select {
		case body := <-pending.ch:
			bodies[i] = body
		case <-aSession.Done():
			bodies[i] = closedResponse(pending.id)
		case <-ctx.Done():
			h.forgetAll(aRouter, waited[i:])
			for j := i; j < len(waited); j++ {
				bodies[j] = closedResponse(waited[j].id)
			}
			break collect
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if !isBatch {
		_, _ = w.Write(bodies[0])
		return
	}
	_, _ = w.Write([]byte("["))
	for i, body := range bodies {
		if i > 0 {
			_, _ = w.Write([]byte(","))
		}
		_, _ = w.Write(body)
	}
	_, _ = w.Write([]byte("]"))
}

// streamResponses answers with an SSE body carrying each response as its
// own event, in arrival order.
func (h *Handler) streamResponses(w http.ResponseWriter, r *http.Request, aSession *base.Session, aRouter *router, waited []pendingResponse) {
	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writer := common.NewFlushWriter(w)
	timeout := time.NewTimer(h.ResponseTimeout)
	defer timeout.Stop()

	merged := make(chan []byte, len(waited))
	for _, pending := range waited {
		go func(ch chan []byte) {
			if body, ok := <-ch; ok {
				merged <- body
			}
		}(pending.ch)
	}
	for remaining := len(waited); remaining > 0; remaining-- {
		select {
		case body := <-merged:
			_, _ = writer.Write([]byte(fmt.Sprintf("event: message\ndata: %s\n\n", strings.TrimSpace(string(body)))))
		case <-r.Context().Done():
			h.forgetAll(aRouter, waited)
			return
		case <-aSession.Done():
			// the pump fails outstanding entries before the channel closes,
			// so drain what already arrived and finish
			for drained := true; drained; {
				select {
				case body := <-merged:
					_, _ = writer.Write([]byte(fmt.Sprintf("event: message\ndata: %s\n\n", strings.TrimSpace(string(body)))))
				default:
					drained = false
				}
			}
			return
		case <-timeout.C:
			h.forgetAll(aRouter, waited)
			return
		}
	}
}

func (h *Handler) forgetAll(aRouter *router, waited []pendingResponse) {
	if aRouter == nil {
		return
	}
	for _, pending := range waited {
		if pending.ch != nil {
			aRouter.forget(pending.id)
		}
	}
}

func closedResponse(id mcpway.RequestId) []byte {
	body, _ := json.Marshal(&mcpway.Response{Id: id, Jsonrpc: mcpway.Version, Error: mcpway.NewChannelClosed()})
	return body
}

// handleGET opens the server-to-client SSE stream for a bound session.
func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if !acceptsSSE(r.Header) {
		http.Error(w, "SSE not supported on this endpoint", http.StatusMethodNotAllowed)
		return
	}
	if !h.Stateful {
		http.Error(w, "no stream in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" {
		sessionID = r.URL.Query().Get(h.SessionLocation.Name)
	}
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionLocation.Name), http.StatusBadRequest)
		return
	}
	aSession, ok := h.store.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}
	aRouter, ok := h.routers.get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", sseMime)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writer := common.NewFlushWriter(w)

	var lastID uint64
	if last := strings.TrimSpace(r.Header.Get("Last-Event-ID")); last != "" {
		if v, err := strconv.ParseUint(last, 10, 64); err == nil {
			lastID = v
		}
	}
	replay := aRouter.attach(writer, lastID)
	for _, framed := range replay {
		_, _ = writer.Write(framed)
	}
	aSession.AttachWriter(aRouter)
	aSession.Touch()

	select {
	case <-r.Context().Done():
		// the session stays bound; only the stream went away. Responses for
		// synchronous POSTs keep flowing through the router.
		aRouter.detach()
		aSession.Touch()
	case <-aSession.Done():
	}
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	sessionID, _ := h.locator.Locate(h.SessionLocation, r)
	if sessionID == "" {
		http.Error(w, fmt.Sprintf("missing %s", h.SessionLocation.Name), http.StatusBadRequest)
		return
	}
	aSession, ok := h.store.Get(sessionID)
	if !ok {
		http.Error(w, fmt.Sprintf("session '%s' not found", sessionID), http.StatusNotFound)
		return
	}
	_ = aSession.Close(nil)
	h.store.Delete(sessionID)
	h.routers.delete(sessionID)
	w.WriteHeader(http.StatusOK)
}

// Evict releases handler-side state for a session the sweeper removed.
func (h *Handler) Evict(sessionID string) {
	h.store.Delete(sessionID)
	h.routers.delete(sessionID)
}

// acceptsSSE checks whether the Accept header contains text/event-stream.
func acceptsSSE(hdr http.Header) bool {
	for _, v := range hdr.Values("Accept") {
		if strings.Contains(v, sseMime) {
			return true
		}
	}
	return false
}

// New constructs a Handler with default settings and provided options.
func New(acceptor base.Acceptor, opts ...Option) *Handler {
	h := &Handler{
		acceptor: acceptor,
		Options: Options{
			SessionLocation: session.NewHeaderLocation(defaultSessionHeaderKey),
			Stateful:        true,
			ResponseTimeout: 30 * time.Second,
			EventBuffer:     1024,
		},
		store:   base.NewMemorySessionStore(),
		logger:  logrus.StandardLogger(),
		routers: newRouterIndex(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}
