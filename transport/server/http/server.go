// Package http wires the gateway's HTTP surfaces onto one listener: the SSE
// pair, the streamable endpoint, the WebSocket upgrade and health checks.
package http

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mcpway/mcpway/transport/server/http/common"
	"github.com/sirupsen/logrus"
)

// Routes names the paths the gateway mounts.
type Routes struct {
	SSE        string
	Message    string
	Streamable string
	WS         string
	Health     []string
}

// DefaultRoutes returns the documented default paths.
func DefaultRoutes() Routes {
	return Routes{
		SSE:        "/sse",
		Message:    "/message",
		Streamable: "/mcp",
		WS:         "/message",
		Health:     []string{"/healthz"},
	}
}

// Server is the HTTP front of the gateway.
type Server struct {
	server http.Server
	router *mux.Router
	addr   string
	cors   *common.CORS
	logger *logrus.Logger
}

// Option mutates the Server.
type Option func(*Server)

// WithCORS applies an origin allow-list to every route.
func WithCORS(cors *common.CORS) Option {
	return func(s *Server) { s.cors = cors }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a server listening on addr.
func NewServer(addr string, options ...Option) *Server {
	ret := &Server{
		addr:   addr,
		router: mux.NewRouter(),
		logger: logrus.StandardLogger(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Handle mounts a handler on a path prefix.
func (s *Server) Handle(path string, handler http.Handler) {
	s.router.PathPrefix(path).Handler(handler)
}

// HandleHealth mounts the health endpoints.
func (s *Server) HandleHealth(paths []string) {
	for _, path := range paths {
		s.router.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}).Methods(http.MethodGet)
	}
}

// Router exposes the underlying mux for additional mounts.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start binds the listener and serves until Shutdown. A bind failure is
// reported before serving begins.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	var handler http.Handler = s.router
	if s.cors != nil {
		handler = s.cors.Middleware(handler)
	}
	s.server.Handler = handler
	s.logger.WithField("addr", s.addr).Info("http server listening")
	err = s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
