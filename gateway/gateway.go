// Package gateway is the composition root of the core: it reads the
// validated config, raises the inbound surfaces, dials the upstream and
// bridges every accepted session. The command-line front-end only parses
// flags into mcpway.Config and calls Run.
package gateway

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/bridge"
	"github.com/mcpway/mcpway/reliability"
	"github.com/mcpway/mcpway/telemetry"
	"github.com/mcpway/mcpway/transport"
	serverbase "github.com/mcpway/mcpway/transport/server/base"
	serverhttp "github.com/mcpway/mcpway/transport/server/http"
	"github.com/mcpway/mcpway/transport/server/http/common"
	"github.com/mcpway/mcpway/transport/server/http/sse"
	"github.com/mcpway/mcpway/transport/server/http/streamable"
	serverstdio "github.com/mcpway/mcpway/transport/server/stdio"
	"github.com/mcpway/mcpway/transport/server/ws"
)

// shutdownGrace bounds the cooperative drain on SIGINT/SIGTERM.
const shutdownGrace = 5 * time.Second

// Version is stamped by the build.
var Version = "dev"

// Gateway bridges every inbound session onto the configured upstream.
type Gateway struct {
	config  mcpway.Config
	logger  *logrus.Logger
	metrics *telemetry.Metrics
	bus     *telemetry.Bus

	manager  *bridge.Manager
	breakers *reliability.Breakers
	retry    reliability.RetryPolicy
	tokens   reliability.TokenSupplier

	upstream     *upstreamFactory
	server       *serverhttp.Server
	sessionStore serverbase.SessionStore
}

// Option mutates the Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithMetrics sets the prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(g *Gateway) { g.metrics = metrics }
}

// WithBus sets the lifecycle event bus.
func WithBus(bus *telemetry.Bus) Option {
	return func(g *Gateway) { g.bus = bus }
}

// WithTokenSupplier sets the bearer supplier for outbound endpoints.
func WithTokenSupplier(supplier reliability.TokenSupplier) Option {
	return func(g *Gateway) { g.tokens = supplier }
}

// New validates the config and assembles the gateway.
func New(config mcpway.Config, options ...Option) (*Gateway, error) {
	config = config.WithDefaults()
	config.LoadEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ret := &Gateway{
		config: config,
		retry: reliability.RetryPolicy{
			Attempts:  config.RetryAttempts,
			BaseDelay: config.RetryBaseDelay,
			MaxDelay:  config.RetryMaxDelay,
		},
		breakers: reliability.NewBreakers(reliability.BreakerSettings{
			FailureThreshold: config.CircuitFailureThreshold,
			Cooldown:         config.CircuitCooldown,
		}),
	}
	for _, option := range options {
		option(ret)
	}
	if ret.logger == nil {
		// stdout is the wire in stdio-parent mode; the sink is stderr or a file
		ret.logger = telemetry.NewLogger(telemetry.LogConfig{
			Level: config.LogLevel,
			File:  config.LogFile,
		})
	}
	if ret.bus == nil {
		ret.bus = telemetry.NewBus()
	}

	policy := bridge.DefaultPolicy()
	policy.IdleTimeout = 0
	if config.Stateful {
		policy.IdleTimeout = config.SessionTimeout
	}
	if config.HighWater > 0 {
		policy.HighWater = config.HighWater
	}
	if config.LowWater > 0 {
		policy.LowWater = config.LowWater
	}

	hooks := bridge.Hooks{
		OnSessionStart: func(session *bridge.Session) {
			if ret.metrics != nil {
				ret.metrics.ActiveSessions.Inc()
			}
			ret.bus.PublishSession(telemetry.SessionEvent{SessionID: session.ID, State: session.State().String()})
		},
		OnSessionEnd: func(session *bridge.Session) {
			if ret.metrics != nil {
				ret.metrics.ActiveSessions.Dec()
			}
			ret.bus.PublishSession(telemetry.SessionEvent{SessionID: session.ID, State: session.State().String()})
		},
	}
	ret.manager = bridge.NewManager(
		bridge.WithDefaultPolicy(policy),
		bridge.WithLogger(ret.logger),
		bridge.WithGatewayVersion(Version),
		bridge.WithHooks(hooks),
	)
	if config.RedisURL != "" {
		redisOptions, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, mcpway.NewGatewayError(mcpway.KindConfiguration, err)
		}
		node := config.NodeID
		if node == "" {
			node, _ = os.Hostname()
		}
		ret.sessionStore = serverbase.NewRedisSessionStore(
			redis.NewClient(redisOptions), config.RedisPrefix, node, config.SessionTimeout)
	}
	ret.upstream = newUpstreamFactory(ret)
	return ret, nil
}

// Manager exposes the session manager to control-plane surfaces.
func (g *Gateway) Manager() *bridge.Manager {
	return g.manager
}

// Bus exposes the lifecycle event bus.
func (g *Gateway) Bus() *telemetry.Bus {
	return g.bus
}

// Run serves until the context ends or a signal arrives; the return value
// is the process exit code.
func (g *Gateway) Run(ctx context.Context) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := g.upstream.prepare(ctx); err != nil {
		g.logger.WithError(err).Error("upstream unavailable")
		if g.upstream.kind == transport.ProtocolStdio {
			return mcpway.ExitChildSpawn
		}
		return mcpway.ExitFault
	}

	go g.manager.Run(ctx)

	if g.config.Port > 0 {
		return g.runHTTP(ctx)
	}
	return g.runStdio(ctx)
}

// accept bridges one inbound session channel onto a fresh upstream channel.
func (g *Gateway) accept(ctx context.Context, input transport.Channel, options ...bridge.SessionOption) {
	output, upstreamOptions, err := g.upstream.open(ctx)
	if err != nil {
		g.logger.WithError(err).Error("failed to open upstream channel")
		_ = input.Close(err)
		return
	}
	options = append(options, upstreamOptions...)
	if g.config.ProtocolVersion != "" {
		options = append(options, bridge.WithAutoInitialize(g.config.ProtocolVersion))
	}
	if _, err := g.manager.Bridge(ctx, input, output, options...); err != nil {
		g.logger.WithError(err).Error("failed to bridge session")
		_ = input.Close(err)
		_ = output.Close(err)
	}
}

// runStdio serves the gateway as an stdio MCP server on its own streams.
func (g *Gateway) runStdio(ctx context.Context) int {
	server := serverstdio.New(ctx, func(session *serverbase.Session) {
		g.accept(ctx, session)
	}, serverstdio.WithLogger(g.logger))
	err := server.ListenAndServe()
	g.shutdown()
	if err != nil && ctx.Err() == nil {
		g.logger.WithError(err).Error("stdio server failed")
		return mcpway.ExitFault
	}
	return mcpway.ExitOK
}

// runHTTP raises the SSE, streamable and WebSocket surfaces on one listener.
func (g *Gateway) runHTTP(ctx context.Context) int {
	cors, err := common.NewCORS(g.config.CORSOrigins)
	if err != nil {
		g.logger.WithError(err).Error("invalid CORS configuration")
		return mcpway.ExitConfig
	}
	addr := fmt.Sprintf("%s:%d", g.config.Host, g.config.Port)
	g.server = serverhttp.NewServer(addr,
		serverhttp.WithCORS(cors),
		serverhttp.WithLogger(g.logger),
	)

	sseOptions := []sse.Option{
		sse.WithURI(g.config.SSEPath),
		sse.WithMessageURI(g.config.MessagePath),
		sse.WithWaterMarks(g.config.HighWater, g.config.LowWater),
		sse.WithLogger(g.logger),
	}
	if g.sessionStore != nil {
		sseOptions = append(sseOptions, sse.WithStore(g.sessionStore))
	}
	sseHandler := sse.New(func(session *serverbase.Session) {
		g.accept(ctx, session)
	}, sseOptions...)

	streamableOptions := []streamable.Option{
		streamable.WithURI(g.config.StreamableHTTPPath),
		streamable.WithStateful(g.config.Stateful),
		streamable.WithWaterMarks(g.config.HighWater, g.config.LowWater),
		streamable.WithLogger(g.logger),
	}
	if g.sessionStore != nil {
		streamableOptions = append(streamableOptions, streamable.WithStore(g.sessionStore))
	}
	var streamableHandler *streamable.Handler
	streamableHandler = streamable.New(func(session *serverbase.Session) {
		g.accept(ctx, session,
			bridge.WithSessionID(session.Id),
			bridge.WithEvictHook(func(sessionID string) {
				streamableHandler.Evict(sessionID)
			}),
		)
	}, streamableOptions...)

	wsOptions := []ws.Option{
		ws.WithWaterMarks(g.config.HighWater, g.config.LowWater),
		ws.WithLogger(g.logger),
	}
	if g.sessionStore != nil {
		wsOptions = append(wsOptions, ws.WithStore(g.sessionStore))
	}
	if len(g.config.CORSOrigins) > 0 {
		wsOptions = append(wsOptions, ws.WithCheckOrigin(func(r *nethttp.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cors.Allowed(origin)
		}))
	}
	wsHandler := ws.New(func(session *serverbase.Session) {
		g.accept(ctx, session)
	}, wsOptions...)

	g.server.Handle(g.config.StreamableHTTPPath, streamableHandler)
	g.server.Handle(g.config.SSEPath, sseHandler)
	// the message path carries SSE POSTs and WebSocket upgrades alike
	g.server.Handle(g.config.MessagePath, nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			wsHandler.ServeHTTP(w, r)
			return
		}
		sseHandler.ServeHTTP(w, r)
	}))
	g.server.HandleHealth(g.config.HealthPaths)

	errCh := make(chan error, 1)
	go func() { errCh <- g.server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			g.logger.WithError(err).Error("listen failed")
			return mcpway.ExitBind
		}
		return mcpway.ExitOK
	case <-ctx.Done():
	}
	g.shutdown()
	return mcpway.ExitOK
}

func (g *Gateway) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if g.server != nil {
		_ = g.server.Shutdown(shutdownCtx)
	}
	g.manager.Shutdown(shutdownCtx, shutdownGrace)
	g.upstream.close()
	g.bus.Shutdown()
}
