package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/bridge"
	"github.com/mcpway/mcpway/reliability"
	"github.com/mcpway/mcpway/telemetry"
	"github.com/mcpway/mcpway/transport"
	clientsse "github.com/mcpway/mcpway/transport/client/http/sse"
	clientstreamable "github.com/mcpway/mcpway/transport/client/http/streamable"
	clientstdio "github.com/mcpway/mcpway/transport/client/stdio"
	clientws "github.com/mcpway/mcpway/transport/client/ws"
)

// upstreamFactory opens one outbound channel per session. A stdio upstream
// is shared: the child is spawned once and sessions multiplex over it
// through the id-rewriting mux; HTTP upstreams dial per session so
// per-session header overrides can apply.
type upstreamFactory struct {
	gateway  *Gateway
	kind     transport.Protocol
	endpoint string

	mux      sync.Mutex
	childMux *transport.Mux
	child    *clientstdio.Client
}

func newUpstreamFactory(g *Gateway) *upstreamFactory {
	ret := &upstreamFactory{gateway: g}
	config := g.config
	descriptor := transport.Descriptor{URL: config.SSE}
	switch {
	case config.Stdio != "":
		descriptor = transport.Descriptor{URL: config.Stdio, Protocol: transport.ProtocolStdio}
	case config.SSE != "":
		descriptor = transport.Descriptor{URL: config.SSE, Protocol: transport.ProtocolSSE}
	case config.WS != "":
		descriptor = transport.Descriptor{URL: config.WS}
	case config.StreamableHTTP != "":
		descriptor = transport.Descriptor{URL: config.StreamableHTTP, Protocol: transport.ProtocolStreamableHTTP}
	}
	if config.OutputTransport != "" {
		switch config.OutputTransport {
		case mcpway.TransportStdio:
			descriptor.Protocol = transport.ProtocolStdio
		case mcpway.TransportSSE:
			descriptor.Protocol = transport.ProtocolSSE
		case mcpway.TransportWS:
			descriptor.Protocol = transport.ProtocolWS
		case mcpway.TransportStreamableHTTP:
			descriptor.Protocol = transport.ProtocolStreamableHTTP
		}
	}
	ret.endpoint = descriptor.URL
	if kind, err := descriptor.InferProtocol(); err == nil {
		ret.kind = kind
	}
	return ret
}

// prepare spawns the shared child eagerly so a broken command fails the
// process at startup rather than on the first session.
func (f *upstreamFactory) prepare(ctx context.Context) error {
	if f.kind != transport.ProtocolStdio {
		return nil
	}
	g := f.gateway
	var child *clientstdio.Client
	err := g.retry.Do(ctx, func() error {
		var spawnErr error
		child, spawnErr = clientstdio.New(ctx, clientstdio.Spec{Command: f.endpoint},
			clientstdio.WithLogger(g.logger),
			clientstdio.WithCrashPolicy(func(status clientstdio.ExitStatus, epoch int) bool {
				if g.metrics != nil {
					g.metrics.ChildRestarts.Inc()
				}
				g.bus.PublishChild(telemetry.ChildEvent{Epoch: epoch, ExitCode: status.Code})
				return status.Code != 0 && epoch <= g.retry.Attempts
			}),
		)
		return spawnErr
	})
	if err != nil {
		return err
	}
	f.mux.Lock()
	f.child = child
	f.childMux = transport.NewMux(ctx, child)
	f.mux.Unlock()
	g.bus.PublishChild(telemetry.ChildEvent{Started: true, Epoch: child.Supervisor().Epoch()})
	return nil
}

// open returns the outbound channel for one session plus the session
// options binding overrides to it.
func (f *upstreamFactory) open(ctx context.Context) (transport.Channel, []bridge.SessionOption, error) {
	g := f.gateway
	switch f.kind {
	case transport.ProtocolStdio:
		f.mux.Lock()
		childMux := f.childMux
		child := f.child
		f.mux.Unlock()
		if childMux == nil {
			return nil, nil, mcpway.NewGatewayError(mcpway.KindUpstream, transport.ErrChannelClosed)
		}
		return childMux.Open(), []bridge.SessionOption{bridge.WithRestarter(child)}, nil

	case transport.ProtocolSSE:
		headers := make(http.Header)
		channel, err := clientsse.New(ctx, f.endpoint,
			clientsse.WithHeaders(headers),
			clientsse.WithBearerToken(reliability.Bind(ctx, g.tokens)),
			clientsse.WithLogger(g.logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return f.withBreaker(channel), headerOptions(headers), nil

	case transport.ProtocolWS:
		headers := make(http.Header)
		channel, err := clientws.New(ctx, f.endpoint,
			clientws.WithHeader(headers),
			clientws.WithLogger(g.logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return f.withBreaker(channel), headerOptions(headers), nil

	case transport.ProtocolStreamableHTTP:
		headers := make(http.Header)
		channel, err := clientstreamable.New(ctx, f.endpoint,
			clientstreamable.WithHeaders(headers),
			clientstreamable.WithBearerToken(reliability.Bind(ctx, g.tokens)),
			clientstreamable.WithLogger(g.logger),
		)
		if err != nil {
			return nil, nil, err
		}
		return f.withBreaker(channel), headerOptions(headers), nil
	}
	return nil, nil, mcpway.NewGatewayError(mcpway.KindConfiguration,
		fmt.Errorf("unsupported upstream protocol %q", f.kind))
}

// withBreaker wraps an outbound channel with the endpoint's circuit breaker.
func (f *upstreamFactory) withBreaker(channel transport.Channel) transport.Channel {
	return reliability.NewBreakerChannel(channel, f.gateway.breakers.For(f.endpoint))
}

// headerOptions binds the session's header overrides onto the live header
// map the adapter snapshots per request.
func headerOptions(headers http.Header) []bridge.SessionOption {
	return []bridge.SessionOption{
		bridge.WithHeaderSink(func(overrides map[string]string) {
			for key := range headers {
				delete(headers, key)
			}
			for key, value := range overrides {
				headers.Set(key, value)
			}
		}),
	}
}

// close releases the shared upstream.
func (f *upstreamFactory) close() {
	f.mux.Lock()
	child := f.child
	f.mux.Unlock()
	if child != nil {
		_ = child.Close(nil)
	}
}
