package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboundHighWaterMark(t *testing.T) {
	queue := NewOutbound(4, 2)
	for i := 0; i < 4; i++ {
		require.NoError(t, queue.Enqueue([]byte{byte(i)}))
	}
	err := queue.Enqueue([]byte{9})
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.True(t, queue.Saturated())
}

func TestOutboundResumeBelowLowWater(t *testing.T) {
	queue := NewOutbound(4, 2)
	for i := 0; i < 4; i++ {
		require.NoError(t, queue.Enqueue([]byte{byte(i)}))
	}
	require.ErrorIs(t, queue.Enqueue([]byte{9}), ErrBackpressure)

	ctx := context.Background()
	// draining to the low-water mark fires the resume signal
	for i := 0; i < 2; i++ {
		_, ok := queue.Dequeue(ctx)
		require.True(t, ok)
	}
	select {
	case <-queue.Resumed():
	default:
		t.Fatal("expected resume signal after draining below low water")
	}
	assert.False(t, queue.Saturated())
	assert.NoError(t, queue.Enqueue([]byte{10}))
}

func TestOutboundDequeueAfterClose(t *testing.T) {
	queue := NewOutbound(4, 2)
	require.NoError(t, queue.Enqueue([]byte("x")))
	queue.Close()
	assert.ErrorIs(t, queue.Enqueue([]byte("y")), ErrChannelClosed)

	data, ok := queue.Dequeue(context.Background())
	require.True(t, ok, "frames enqueued before close still drain")
	assert.Equal(t, []byte("x"), data)
	_, ok = queue.Dequeue(context.Background())
	assert.False(t, ok)
}
