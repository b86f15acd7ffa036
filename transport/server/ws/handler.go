// Package ws implements the WebSocket-server adapter: one JSON-RPC message
// per text frame, binary frames rejected, liveness through ping/pong.
package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcpway/mcpway/transport"
	"github.com/mcpway/mcpway/transport/server/base"
	"github.com/sirupsen/logrus"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = pingInterval + 10*time.Second
	writeWait    = 10 * time.Second
)

// Handler upgrades HTTP requests and serves one session per connection.
type Handler struct {
	acceptor    base.Acceptor
	upgrader    websocket.Upgrader
	store       base.SessionStore
	logger      *logrus.Logger
	highWater   int
	lowWater    int
	checkOrigin func(r *http.Request) bool
	sessionOpts []base.Option
}

// Option mutates the Handler.
type Option func(*Handler)

// WithCheckOrigin sets the upgrade origin policy.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.checkOrigin = check }
}

// WithStore injects a custom SessionStore implementation.
func WithStore(store base.SessionStore) Option {
	return func(h *Handler) { h.store = store }
}

// WithWaterMarks sets per-session outbound queue water marks.
func WithWaterMarks(high, low int) Option {
	return func(h *Handler) {
		h.highWater = high
		h.lowWater = low
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithSessionOptions forwards extra options to every session.
func WithSessionOptions(options ...base.Option) Option {
	return func(h *Handler) { h.sessionOpts = append(h.sessionOpts, options...) }
}

// New creates a WebSocket handler delivering accepted sessions to acceptor.
func New(acceptor base.Acceptor, options ...Option) *Handler {
	ret := &Handler{
		acceptor: acceptor,
		store:    base.NewMemorySessionStore(),
		logger:   logrus.StandardLogger(),
	}
	for _, option := range options {
		option(ret)
	}
	ret.upgrader = websocket.Upgrader{
		Subprotocols: []string{"mcp"},
		CheckOrigin:  ret.checkOrigin,
	}
	return ret
}

// ServeHTTP upgrades the connection and pumps frames until either side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	writer := &connWriter{conn: conn}
	options := append([]base.Option{base.WithWaterMarks(h.highWater, h.lowWater)}, h.sessionOpts...)
	aSession := base.NewSession(r.Context(), "", writer, options...)
	h.store.Put(aSession.Id, aSession)
	defer func() {
		h.store.Delete(aSession.Id)
		_ = conn.Close()
	}()
	if h.acceptor != nil {
		h.acceptor(aSession)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.ping(aSession, conn)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				_ = aSession.Close(nil)
			} else {
				_ = aSession.Close(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "binary frames not supported"),
				time.Now().Add(writeWait))
			_ = aSession.Close(errors.New("binary frame received"))
			return
		}
		if err := aSession.PushFrameWait(r.Context(), data); err != nil {
			if errors.Is(err, transport.ErrChannelClosed) {
				return
			}
			h.logger.WithError(err).Warn("dropped inbound websocket frame")
		}
	}
}

// ping keeps the connection alive; a missed pong trips the read deadline.
func (h *Handler) ping(aSession *base.Session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-aSession.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = aSession.Close(err)
				return
			}
		}
	}
}

// connWriter adapts the session drain loop onto websocket text frames.
type connWriter struct {
	conn *websocket.Conn
}

func (w *connWriter) Write(p []byte) (int, error) {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
