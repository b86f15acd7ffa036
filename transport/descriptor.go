package transport

import (
	"fmt"
	"net/http"
	"strings"
)

// Protocol identifies the wire form of an endpoint.
type Protocol string

const (
	ProtocolStdio          Protocol = "stdio"
	ProtocolSSE            Protocol = "sse"
	ProtocolWS             Protocol = "ws"
	ProtocolStreamableHTTP Protocol = "streamable-http"
)

// Descriptor describes an outbound endpoint: where to connect and how.
type Descriptor struct {
	// URL of the endpoint; for stdio the command line instead.
	URL string
	// Protocol of the endpoint; inferred from the URL scheme when empty.
	Protocol Protocol
	// Headers are static headers attached to every HTTP request.
	Headers http.Header
	// BearerToken optionally supplies Authorization material.
	BearerToken func() (string, error)
}

// InferProtocol resolves the endpoint protocol from an explicit setting or
// the URL scheme.
func (d *Descriptor) InferProtocol() (Protocol, error) {
	if d.Protocol != "" {
		return d.Protocol, nil
	}
	switch {
	case strings.HasPrefix(d.URL, "ws://"), strings.HasPrefix(d.URL, "wss://"):
		return ProtocolWS, nil
	case strings.HasPrefix(d.URL, "http://"), strings.HasPrefix(d.URL, "https://"):
		if strings.Contains(d.URL, "/sse") {
			return ProtocolSSE, nil
		}
		return ProtocolStreamableHTTP, nil
	}
	return "", fmt.Errorf("cannot infer protocol from endpoint %q", d.URL)
}
