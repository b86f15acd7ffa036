package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpway/mcpway"
)

func TestCorrelationsMatchRestoresInboundId(t *testing.T) {
	table := NewCorrelations(8)
	entry, err := table.Add(context.Background(), "client-1", 101, "tools/call", time.Time{})
	require.NoError(t, err)

	matched, ok := table.Match(101)
	require.True(t, ok)
	assert.Same(t, entry, matched)
	assert.Equal(t, "client-1", matched.InboundId)
	assert.Equal(t, 0, table.Size())

	_, ok = table.Match(101)
	assert.False(t, ok, "an entry resolves at most once")
}

func TestCorrelationsMatchNumericRepresentations(t *testing.T) {
	table := NewCorrelations(8)
	_, err := table.Add(context.Background(), 1, 42, "ping", time.Time{})
	require.NoError(t, err)
	// responses decode ids as float64
	_, ok := table.Match(float64(42))
	assert.True(t, ok)
}

func TestCorrelationsCapacity(t *testing.T) {
	table := NewCorrelations(2)
	_, err := table.Add(context.Background(), 1, 1, "a", time.Time{})
	require.NoError(t, err)
	_, err = table.Add(context.Background(), 2, 2, "b", time.Time{})
	require.NoError(t, err)
	_, err = table.Add(context.Background(), 3, 3, "c", time.Time{})
	assert.Error(t, err)
}

func TestFailAllDeliversExactlyOneOutcome(t *testing.T) {
	table := NewCorrelations(8)
	first, err := table.Add(context.Background(), 1, 11, "a", time.Time{})
	require.NoError(t, err)
	second, err := table.Add(context.Background(), 2, 12, "b", time.Time{})
	require.NoError(t, err)

	failed := table.FailAll(mcpway.NewSessionTimedOut())
	require.Len(t, failed, 2)
	assert.Same(t, first, failed[0], "insertion order preserved")
	assert.Same(t, second, failed[1])
	for _, entry := range failed {
		require.True(t, entry.Resolved())
		require.NotNil(t, entry.Response.Error)
		assert.Equal(t, mcpway.SessionTimedOut, entry.Response.Error.Code)
	}
	assert.Equal(t, 0, table.Size())

	// a second failure round must not produce further outcomes
	assert.Empty(t, table.FailAll(mcpway.NewChannelClosed()))

	// resolving after failure is a no-op
	failed[0].Resolve(&mcpway.Response{Id: 1, Jsonrpc: mcpway.Version})
	assert.Equal(t, mcpway.SessionTimedOut, failed[0].Response.Error.Code)
}

func TestEntryWaitResolvesWithResponse(t *testing.T) {
	table := NewCorrelations(8)
	entry, err := table.Add(context.Background(), 5, 55, "ping", time.Time{})
	require.NoError(t, err)

	go func() {
		entry.Resolve(&mcpway.Response{Id: 55, Jsonrpc: mcpway.Version, Result: []byte(`{}`)})
	}()
	response, err := entry.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 55, mcpway.IdKey(response.Id))
}

func TestEntryWaitDeadline(t *testing.T) {
	table := NewCorrelations(8)
	entry, err := table.Add(context.Background(), 5, 55, "ping", time.Now().Add(10*time.Millisecond))
	require.NoError(t, err)
	_, err = entry.Wait(context.Background())
	assert.Error(t, err)
}

func TestSnapshotServesControlPlaneReads(t *testing.T) {
	table := NewCorrelations(8)
	_, err := table.Add(context.Background(), "a", 1, "first", time.Time{})
	require.NoError(t, err)
	_, err = table.Add(context.Background(), "b", 2, "second", time.Time{})
	require.NoError(t, err)
	views := table.Snapshot()
	require.Len(t, views, 2)
	assert.Equal(t, "first", views[0].Method)
	assert.Equal(t, "second", views[1].Method)
}
