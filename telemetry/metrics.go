package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the gateway's prometheus collectors.
type Metrics struct {
	FramesForwarded    *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	SessionsEvicted    prometheus.Counter
	ChildRestarts      prometheus.Counter
	BackpressureStalls *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec
}

// NewMetrics registers the collectors on the given registerer (the default
// registry when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Metrics{
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpway_frames_forwarded_total",
			Help: "JSON-RPC frames forwarded, by direction.",
		}, []string{"direction"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mcpway_active_sessions",
			Help: "Live bridged sessions.",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcpway_sessions_evicted_total",
			Help: "Sessions evicted by the idle sweeper.",
		}),
		ChildRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "mcpway_child_restarts_total",
			Help: "Stdio child respawns, crash or override driven.",
		}),
		BackpressureStalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpway_backpressure_stalls_total",
			Help: "Pump pauses caused by a saturated sink, by direction.",
		}, []string{"direction"}),
		BreakerRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpway_breaker_rejections_total",
			Help: "Dispatches rejected by an open circuit, by endpoint.",
		}, []string{"endpoint"}),
	}
}
