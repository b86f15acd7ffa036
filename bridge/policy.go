// Package bridge pairs an inbound channel with an outbound channel and pumps
// JSON-RPC traffic between them: correlation, id rewriting, ordering,
// backpressure and session lifecycle live here.
package bridge

import (
	"time"

	"github.com/mcpway/mcpway/transport"
)

// Policy carries the tunables frozen into a session at creation. There is
// no global mutable config; changes arrive only through ApplyOverrides.
type Policy struct {
	// IdleTimeout evicts the session after this much inactivity; zero
	// disables eviction (stdio and stateless modes).
	IdleTimeout time.Duration

	// RequestTimeout stamps a deadline on each correlated request; zero means
	// no deadline. Only the gateway's own auto-initialize wait observes it; a
	// forwarded request is not failed when its deadline passes.
	RequestTimeout time.Duration

	// RewriteIds replaces inbound request ids with a gateway-unique counter
	// before forwarding, so multiplexed clients cannot collide upstream.
	RewriteIds bool

	// MaxPending caps outstanding requests per direction.
	MaxPending int

	// HighWater and LowWater record the session's water marks. The bridge
	// does not read them; buffering is done by the adapters' outbound queues.
	HighWater int
	LowWater  int
}

// DefaultPolicy returns the stock session policy for stateful transports.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout: 60 * time.Second,
		RewriteIds:  true,
		MaxPending:  256,
		HighWater:   transport.DefaultHighWaterMark,
		LowWater:    transport.DefaultLowWaterMark,
	}
}

// Overrides is the per-session override bag. The bag is replaced atomically
// by ApplyOverrides; pumps snapshot it per frame.
type Overrides struct {
	ExtraCLIArgs []string          `json:"extra_cli_args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// equalStrings compares two argument lists.
func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// equalMaps compares two string maps.
func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
