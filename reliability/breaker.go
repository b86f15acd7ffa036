package reliability

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mcpway/mcpway"
)

// BreakerSettings tunes the per-endpoint circuit breaker.
type BreakerSettings struct {
	// FailureThreshold consecutive failures trip the breaker open.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays open before the half-open probe.
	Cooldown time.Duration
}

// DefaultBreakerSettings returns the stock settings.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// ErrCircuitOpen is returned when a dispatch is rejected without a network
// attempt.
var ErrCircuitOpen = errors.New("circuit open")

// Breaker short-circuits dispatch against an unhealthy endpoint. On
// FailureThreshold consecutive failures it opens; after Cooldown exactly
// one probe is admitted; a successful probe closes it again.
type Breaker struct {
	endpoint string
	cb       *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for an endpoint.
func NewBreaker(endpoint string, settings BreakerSettings) *Breaker {
	threshold := settings.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerSettings().FailureThreshold
	}
	cooldown := settings.Cooldown
	if cooldown == 0 {
		cooldown = DefaultBreakerSettings().Cooldown
	}
	return &Breaker{
		endpoint: endpoint,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        endpoint,
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
		}),
	}
}

// Execute runs op through the breaker. A rejected dispatch maps to the
// gateway's circuit-open error without touching the network.
func (b *Breaker) Execute(op func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return mcpway.NewGatewayError(mcpway.KindUpstream, ErrCircuitOpen)
	}
	return err
}

// State reports the breaker state name (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// IsCircuitOpen reports whether err is the breaker rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// Breakers indexes breakers per endpoint.
type Breakers struct {
	settings BreakerSettings
	mux      sync.Mutex
	byURL    map[string]*Breaker
}

// NewBreakers creates the per-endpoint index.
func NewBreakers(settings BreakerSettings) *Breakers {
	return &Breakers{settings: settings, byURL: make(map[string]*Breaker)}
}

// For returns (creating on first use) the breaker for an endpoint.
func (b *Breakers) For(endpoint string) *Breaker {
	b.mux.Lock()
	defer b.mux.Unlock()
	breaker, ok := b.byURL[endpoint]
	if !ok {
		breaker = NewBreaker(endpoint, b.settings)
		b.byURL[endpoint] = breaker
	}
	return breaker
}
