package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerLevels(t *testing.T) {
	logger := NewLogger(LogConfig{Level: "debug"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger = NewLogger(LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestNewLoggerFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	logger := NewLogger(LogConfig{File: path, Quiet: true})
	logger.Info("hello from the file sink")
	// lumberjack creates the file lazily on first write
	assert.FileExists(t, path)
}

func TestMetricsRegisterOnce(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.ActiveSessions.Inc()
	metrics.FramesForwarded.WithLabelValues("downstream").Add(3)

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["mcpway_active_sessions"])
	assert.True(t, names["mcpway_frames_forwarded_total"])
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Shutdown()

	subscription := bus.Subscribe(TopicSession)
	bus.PublishSession(SessionEvent{SessionID: "s-1", State: "active"})

	select {
	case raw := <-subscription:
		event, ok := raw.(SessionEvent)
		require.True(t, ok)
		assert.Equal(t, "s-1", event.SessionID)
		assert.False(t, event.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
