package mcpway

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// TransportKind names a gateway transport flavor.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE            TransportKind = "sse"
	TransportWS             TransportKind = "ws"
	TransportStreamableHTTP TransportKind = "streamableHttp"
)

// Config is the composition root's view of the gateway; the command-line
// front-end populates it and the core validates it. Tunables are frozen
// into per-session policies at session creation.
type Config struct {
	// Stdio is the child command line when the upstream is a subprocess.
	Stdio string
	// SSE, WS and StreamableHTTP name the upstream URL for the respective
	// output transports; at most one upstream may be set.
	SSE            string
	WS             string
	StreamableHTTP string

	// OutputTransport forces the outbound flavor when the URL alone is
	// ambiguous.
	OutputTransport TransportKind

	// Port is the listen port for the HTTP surfaces; PORT applies when 0.
	Port int
	// Host is the bind address; empty binds all interfaces.
	Host string

	// Paths of the HTTP surfaces.
	SSEPath            string
	MessagePath        string
	StreamableHTTPPath string
	HealthPaths        []string

	// Stateful enables Mcp-Session-Id binding on the streamable surface.
	Stateful bool
	// SessionTimeout evicts idle sessions; applies in stateful modes.
	SessionTimeout time.Duration

	// ProtocolVersion enables upstream auto-initialize when set.
	ProtocolVersion string

	// Buffering water marks, in frames.
	HighWater int
	LowWater  int

	// Retry and breaker tunables.
	RetryAttempts           int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	CircuitFailureThreshold uint32
	CircuitCooldown         time.Duration

	// RedisURL enables Redis-announced session presence for the HTTP
	// surfaces when set (redis://host:port/db). Live channels stay pinned
	// to the owning node; the announcement feeds external session views.
	RedisURL string
	// RedisPrefix namespaces the presence keys.
	RedisPrefix string
	// NodeID names this gateway instance in presence records; the hostname
	// applies when empty.
	NodeID string

	// CORS allow-list; exact origins or /regex/ entries.
	CORSOrigins []string

	// Logging.
	LogFile  string
	LogLevel string

	// Telemetry exporter endpoints, read from the environment.
	OTLPEndpoint       string
	OTLPTracesEndpoint string
	OTLPLogsEndpoint   string
}

// LoadEnv fills environment-backed fields: PORT and the OTLP endpoints.
func (c *Config) LoadEnv() {
	if c.Port == 0 {
		if port, err := strconv.Atoi(os.Getenv("PORT")); err == nil && port > 0 {
			c.Port = port
		}
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if c.OTLPTracesEndpoint == "" {
		c.OTLPTracesEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
	}
	if c.OTLPLogsEndpoint == "" {
		c.OTLPLogsEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT")
	}
}

// Upstreams returns the configured upstream endpoints.
func (c *Config) Upstreams() []string {
	var ret []string
	for _, endpoint := range []string{c.Stdio, c.SSE, c.WS, c.StreamableHTTP} {
		if endpoint != "" {
			ret = append(ret, endpoint)
		}
	}
	return ret
}

// Validate fails fast on conflicting transports or missing upstreams; a
// validation failure maps to ExitConfig.
func (c *Config) Validate() error {
	upstreams := c.Upstreams()
	if len(upstreams) == 0 {
		return NewGatewayError(KindConfiguration, errors.New("no upstream configured"))
	}
	if len(upstreams) > 1 {
		return NewGatewayError(KindConfiguration,
			fmt.Errorf("conflicting upstreams configured: %v", upstreams))
	}
	if c.LowWater > 0 && c.HighWater > 0 && c.LowWater >= c.HighWater {
		return NewGatewayError(KindConfiguration,
			fmt.Errorf("low-water mark %d must be below high-water mark %d", c.LowWater, c.HighWater))
	}
	if c.SessionTimeout < 0 {
		return NewGatewayError(KindConfiguration, errors.New("session timeout must not be negative"))
	}
	return nil
}

// WithDefaults returns the config with documented defaults applied.
func (c Config) WithDefaults() Config {
	if c.SSEPath == "" {
		c.SSEPath = "/sse"
	}
	if c.MessagePath == "" {
		c.MessagePath = "/message"
	}
	if c.StreamableHTTPPath == "" {
		c.StreamableHTTPPath = "/mcp"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 60 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = 250 * time.Millisecond
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.CircuitFailureThreshold == 0 {
		c.CircuitFailureThreshold = 5
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	return c
}
