package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpway/mcpway"
)

// memoryChannel is a loopback transport.Channel for tests.
type memoryChannel struct {
	events chan Event
	sent   chan *mcpway.Message

	mux    sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func newMemoryChannel() *memoryChannel {
	return &memoryChannel{
		events: make(chan Event, 64),
		sent:   make(chan *mcpway.Message, 64),
		done:   make(chan struct{}),
	}
}

func (m *memoryChannel) Inbound() <-chan Event { return m.events }

func (m *memoryChannel) Send(_ context.Context, message *mcpway.Message) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return ErrChannelClosed
	}
	select {
	case m.sent <- message:
		return nil
	default:
		return ErrBackpressure
	}
}

func (m *memoryChannel) SendBatch(ctx context.Context, batch mcpway.Batch) error {
	for _, message := range batch {
		if err := m.Send(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryChannel) Close(reason error) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.err = reason
	if reason != nil {
		select {
		case m.events <- ErrorEvent(reason):
		default:
		}
	}
	close(m.events)
	close(m.done)
	return nil
}

func (m *memoryChannel) Done() <-chan struct{} { return m.done }

func (m *memoryChannel) Err() error {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.err
}

func (m *memoryChannel) push(event Event) {
	m.events <- event
}

func requestMessage(id mcpway.RequestId, method string) *mcpway.Message {
	return mcpway.NewRequestMessage(&mcpway.Request{Id: id, Jsonrpc: mcpway.Version, Method: method})
}

func responseMessage(id mcpway.RequestId) *mcpway.Message {
	return mcpway.NewResponseMessage(&mcpway.Response{Id: id, Jsonrpc: mcpway.Version, Result: []byte(`{}`)})
}

func TestMuxRoutesResponsesByClaimedId(t *testing.T) {
	upstream := newMemoryChannel()
	mux := NewMux(context.Background(), upstream)
	first := mux.Open()
	second := mux.Open()

	require.NoError(t, first.Send(context.Background(), requestMessage(1, "a")))
	require.NoError(t, second.Send(context.Background(), requestMessage(2, "b")))

	upstream.push(FrameEvent(responseMessage(2)))
	upstream.push(FrameEvent(responseMessage(1)))

	select {
	case event := <-second.Inbound():
		assert.Equal(t, 2, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(time.Second):
		t.Fatal("second session response not routed")
	}
	select {
	case event := <-first.Inbound():
		assert.Equal(t, 1, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(time.Second):
		t.Fatal("first session response not routed")
	}
}

func TestMuxServerInitiatedGoesToOwner(t *testing.T) {
	upstream := newMemoryChannel()
	mux := NewMux(context.Background(), upstream)
	owner := mux.Open()
	_ = mux.Open()

	upstream.push(FrameEvent(requestMessage(77, "sampling/createMessage")))
	select {
	case event := <-owner.Inbound():
		assert.Equal(t, "sampling/createMessage", event.Message.Request.Method)
	case <-time.After(time.Second):
		t.Fatal("server-initiated request not delivered to owner")
	}
}

func TestMuxUpstreamFailureClosesVirtuals(t *testing.T) {
	upstream := newMemoryChannel()
	mux := NewMux(context.Background(), upstream)
	virtual := mux.Open()

	cause := errors.New("upstream broke")
	_ = upstream.Close(cause)

	deadline := time.After(time.Second)
	for {
		select {
		case event, ok := <-virtual.Inbound():
			if !ok {
				assert.Equal(t, cause, virtual.Err())
				return
			}
			assert.Equal(t, EventError, event.Kind)
		case <-deadline:
			t.Fatal("virtual channel did not close")
		}
	}
}

func TestMuxSaturatedVirtualFailsWithBackpressure(t *testing.T) {
	upstream := newMemoryChannel()
	mux := NewMux(context.Background(), upstream, WithVirtualBuffer(1))
	slow := mux.Open()
	healthy := mux.Open()

	require.NoError(t, slow.Send(context.Background(), requestMessage(1, "a")))
	require.NoError(t, slow.Send(context.Background(), requestMessage(2, "b")))
	require.NoError(t, healthy.Send(context.Background(), requestMessage(3, "c")))

	// the slow consumer never drains; its buffer holds one event, so the
	// second response cannot be delivered and the virtual is failed rather
	// than the frame silently dropped
	upstream.push(FrameEvent(responseMessage(1)))
	upstream.push(FrameEvent(responseMessage(2)))

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("saturated virtual was not failed")
	}
	var gatewayErr *mcpway.GatewayError
	require.ErrorAs(t, slow.Err(), &gatewayErr)
	assert.Equal(t, mcpway.KindBackpressure, gatewayErr.Kind)
	assert.ErrorIs(t, gatewayErr.Cause, ErrBackpressure)

	// the buffered event is still readable before the channel ends
	event, ok := <-slow.Inbound()
	require.True(t, ok)
	assert.Equal(t, 1, mcpway.IdKey(event.Message.Response.Id))

	// the other session is unaffected
	upstream.push(FrameEvent(responseMessage(3)))
	select {
	case event := <-healthy.Inbound():
		assert.Equal(t, 3, mcpway.IdKey(event.Message.Response.Id))
	case <-time.After(time.Second):
		t.Fatal("healthy session response not routed")
	}
	select {
	case <-upstream.Done():
		t.Fatal("failing one virtual must not close the shared upstream")
	default:
	}
}

func TestMuxVirtualCloseLeavesUpstreamOpen(t *testing.T) {
	upstream := newMemoryChannel()
	mux := NewMux(context.Background(), upstream)
	first := mux.Open()
	second := mux.Open()

	require.NoError(t, first.Close(nil))
	select {
	case <-upstream.Done():
		t.Fatal("closing a virtual must not close the shared upstream")
	default:
	}

	// the surviving session becomes the owner
	upstream.push(FrameEvent(requestMessage(5, "ping")))
	select {
	case event := <-second.Inbound():
		assert.Equal(t, "ping", event.Message.Request.Method)
	case <-time.After(time.Second):
		t.Fatal("surviving session did not receive the request")
	}
}
