package transport

import (
	"context"
	"sync"

	"github.com/mcpway/mcpway"
)

// Mux multiplexes several session channels over one upstream channel (the
// shared stdio child case). Request ids crossing the mux must already be
// globally unique - the bridge's id rewrite guarantees that - so responses
// route back by id alone. Server-initiated requests and notifications go to
// the owner: the earliest still-open virtual channel.
//
// The shared upstream must never stall on one slow session, so delivery
// into a virtual channel does not block. A virtual whose consumer has
// fallen a full buffer behind is failed with a backpressure error rather
// than silently losing frames: its outstanding requests then resolve with
// the backpressure-exceeded code instead of dangling forever.
type Mux struct {
	upstream Channel
	buffer   int

	mux      sync.Mutex
	routes   map[any]*Virtual
	virtuals []*Virtual
	closed   bool
}

// MuxOption mutates a Mux.
type MuxOption func(*Mux)

// WithVirtualBuffer sets the per-virtual inbound buffer, in events.
func WithVirtualBuffer(size int) MuxOption {
	return func(m *Mux) {
		if size > 0 {
			m.buffer = size
		}
	}
}

// NewMux wraps the upstream and starts the dispatch loop.
func NewMux(ctx context.Context, upstream Channel, options ...MuxOption) *Mux {
	ret := &Mux{
		upstream: upstream,
		buffer:   DefaultHighWaterMark,
		routes:   make(map[any]*Virtual),
	}
	for _, option := range options {
		option(ret)
	}
	go ret.dispatch(ctx)
	return ret
}

// Open creates a virtual channel for one session.
func (m *Mux) Open() *Virtual {
	m.mux.Lock()
	defer m.mux.Unlock()
	virtual := &Virtual{
		mux:    m,
		events: make(chan Event, m.buffer),
		done:   make(chan struct{}),
	}
	if m.closed {
		virtual.close(ErrChannelClosed)
		return virtual
	}
	m.virtuals = append(m.virtuals, virtual)
	return virtual
}

// dispatch routes upstream events to the owning virtual channels. Batch
// elements route individually, preserving per-virtual order.
func (m *Mux) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.shutdown(ctx.Err())
			return
		case event, ok := <-m.upstream.Inbound():
			if !ok {
				m.shutdown(m.upstream.Err())
				return
			}
			switch event.Kind {
			case EventError:
				m.shutdown(event.Err)
				return
			case EventFrame:
				m.route(event.Message, event)
			case EventBatch:
				for _, message := range event.Batch {
					m.route(message, FrameEvent(message))
				}
			default:
				// adapter events (restart, endpoint) concern every session
				m.broadcast(event)
			}
		}
	}
}

func (m *Mux) route(message *mcpway.Message, event Event) {
	if message.Type == mcpway.MessageTypeResponse {
		m.mux.Lock()
		key := mcpway.IdKey(message.Response.Id)
		virtual, ok := m.routes[key]
		if ok {
			delete(m.routes, key)
		}
		m.mux.Unlock()
		if ok {
			m.deliverOrFail(virtual, event)
		}
		return
	}
	if owner := m.owner(); owner != nil {
		m.deliverOrFail(owner, event)
	}
}

// deliverOrFail hands an event to a virtual; a consumer that cannot accept
// it is failed with the backpressure error so no frame vanishes silently.
func (m *Mux) deliverOrFail(virtual *Virtual, event Event) {
	if virtual.deliver(event) {
		return
	}
	m.release(virtual)
	virtual.close(mcpway.NewGatewayError(mcpway.KindBackpressure, ErrBackpressure))
}

func (m *Mux) owner() *Virtual {
	m.mux.Lock()
	defer m.mux.Unlock()
	for _, virtual := range m.virtuals {
		select {
		case <-virtual.done:
		default:
			return virtual
		}
	}
	return nil
}

func (m *Mux) broadcast(event Event) {
	m.mux.Lock()
	virtuals := append([]*Virtual(nil), m.virtuals...)
	m.mux.Unlock()
	for _, virtual := range virtuals {
		m.deliverOrFail(virtual, event)
	}
}

func (m *Mux) shutdown(err error) {
	m.mux.Lock()
	m.closed = true
	virtuals := m.virtuals
	m.virtuals = nil
	m.routes = make(map[any]*Virtual)
	m.mux.Unlock()
	for _, virtual := range virtuals {
		virtual.close(err)
	}
}

// claim records that responses for id belong to virtual.
func (m *Mux) claim(id mcpway.RequestId, virtual *Virtual) {
	m.mux.Lock()
	m.routes[mcpway.IdKey(id)] = virtual
	m.mux.Unlock()
}

// release drops a virtual channel and its routes.
func (m *Mux) release(virtual *Virtual) {
	m.mux.Lock()
	kept := m.virtuals[:0]
	for _, candidate := range m.virtuals {
		if candidate != virtual {
			kept = append(kept, candidate)
		}
	}
	m.virtuals = kept
	for key, candidate := range m.routes {
		if candidate == virtual {
			delete(m.routes, key)
		}
	}
	m.mux.Unlock()
}

// Virtual is one session's view of the shared upstream.
type Virtual struct {
	mux    *Mux
	events chan Event

	err      error
	closed   bool
	done     chan struct{}
	closeOne sync.Once
	stateMu  sync.Mutex
	inFlight sync.WaitGroup
}

// Inbound implements Channel.
func (v *Virtual) Inbound() <-chan Event {
	return v.events
}

// Send implements Channel; request ids are claimed for response routing.
func (v *Virtual) Send(ctx context.Context, message *mcpway.Message) error {
	if message.Type == mcpway.MessageTypeRequest {
		v.mux.claim(message.Request.Id, v)
	}
	return v.mux.upstream.Send(ctx, message)
}

// SendBatch implements Channel.
func (v *Virtual) SendBatch(ctx context.Context, batch mcpway.Batch) error {
	for _, message := range batch {
		if message.Type == mcpway.MessageTypeRequest {
			v.mux.claim(message.Request.Id, v)
		}
	}
	return v.mux.upstream.SendBatch(ctx, batch)
}

// deliver attempts a non-blocking hand-off and reports whether the
// consumer accepted the event.
func (v *Virtual) deliver(event Event) bool {
	v.stateMu.Lock()
	if v.closed {
		v.stateMu.Unlock()
		return true
	}
	v.inFlight.Add(1)
	v.stateMu.Unlock()
	defer v.inFlight.Done()
	select {
	case v.events <- event:
		return true
	default:
		return false
	}
}

// Close implements Channel; closing a virtual never closes the shared
// upstream.
func (v *Virtual) Close(reason error) error {
	v.mux.release(v)
	v.close(reason)
	return nil
}

func (v *Virtual) close(reason error) {
	v.closeOne.Do(func() {
		v.stateMu.Lock()
		v.closed = true
		if v.err == nil {
			v.err = reason
		}
		v.stateMu.Unlock()
		close(v.done)
		v.inFlight.Wait()
		if reason != nil {
			select {
			case v.events <- ErrorEvent(reason):
			default:
			}
		}
		close(v.events)
	})
}

// Done implements Channel.
func (v *Virtual) Done() <-chan struct{} {
	return v.done
}

// Err implements Channel.
func (v *Virtual) Err() error {
	v.stateMu.Lock()
	defer v.stateMu.Unlock()
	return v.err
}
