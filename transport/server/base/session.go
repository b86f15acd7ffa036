// Package base holds the per-session state shared by every inbound adapter:
// the bounded outbound queue, the replayable event buffer and the lifecycle
// bookkeeping. A Session is the transport.Channel handed to the bridge.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
)

// SessionState represents lifecycle state of a session.
type SessionState int

const (
	SessionStateActive SessionState = iota
	SessionStateDetached
	SessionStateClosed
)

// FrameMessage wraps a marshalled message into the adapter's wire framing.
type FrameMessage func(data []byte) []byte

// OverflowPolicy controls what happens when the replay buffer fills.
type OverflowPolicy int

const (
	// OverflowDropOldest silently drops the oldest buffered events.
	OverflowDropOldest OverflowPolicy = iota
	// OverflowMark drops oldest but marks the session so a reconnect resets
	// instead of replaying a gapped stream.
	OverflowMark
)

type bufferedEvent struct {
	id   uint64
	data []byte
}

// Session is one logical client connection on an inbound adapter. It
// implements transport.Channel: the bridge consumes Inbound and writes
// responses through Send.
type Session struct {
	Id string

	// Lifecycle metadata
	CreatedAt  time.Time
	LastSeen   time.Time
	DetachedAt *time.Time
	State      SessionState

	events   chan transport.Event
	outbound *transport.Outbound

	writer        io.Writer
	writerPresent bool
	writerArrived chan struct{}
	writerGen     uint64

	framer FrameMessage
	// sse enables SSE id injection and matching replay ids
	sse      bool
	eventSeq uint64

	buffer         []bufferedEvent
	bufferSize     int
	overflowPolicy OverflowPolicy
	overflowed     bool

	err      error
	closed   bool
	inFlight sync.WaitGroup
	done     chan struct{}
	cancel   context.CancelFunc
	closeOne sync.Once
	mux      sync.Mutex
}

// NewSession creates a session with the given id (uuid when empty) and
// writer (nil for a detached session awaiting its stream).
func NewSession(ctx context.Context, id string, writer io.Writer, options ...Option) *Session {
	if id == "" {
		id = uuid.New().String()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ret := &Session{
		Id:            id,
		CreatedAt:     time.Now(),
		LastSeen:      time.Now(),
		State:         SessionStateActive,
		writer:        writer,
		writerPresent: writer != nil,
		writerArrived: make(chan struct{}, 1),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.events == nil {
		ret.events = make(chan transport.Event, transport.DefaultHighWaterMark)
	}
	if ret.outbound == nil {
		ret.outbound = transport.NewOutbound(0, 0)
	}
	go ret.run(runCtx)
	return ret
}

// run drains the outbound queue onto the attached writer for the session's
// whole lifetime, pausing while no writer is attached.
func (s *Session) run(ctx context.Context) {
	for {
		if !s.awaitWriter(ctx) {
			return
		}
		data, ok := s.outbound.Dequeue(ctx)
		if !ok {
			return
		}
		s.writeFramed(data)
	}
}

func (s *Session) awaitWriter(ctx context.Context) bool {
	for {
		s.mux.Lock()
		present := s.writerPresent
		s.mux.Unlock()
		if present {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		case <-s.writerArrived:
		}
	}
}

func (s *Session) frameMessage(data []byte) []byte {
	if s.framer == nil {
		return data
	}
	return s.framer(data)
}

// writeFramed frames data, injects an SSE id when enabled, writes it to the
// current writer and records it for Last-Event-ID replay.
func (s *Session) writeFramed(data []byte) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.LastSeen = time.Now()
	framed := s.frameMessage(data)
	id := atomic.AddUint64(&s.eventSeq, 1)
	if s.sse {
		framed = append([]byte(fmt.Sprintf("id: %d\n", id)), framed...)
	}
	if s.writer != nil {
		if _, err := s.writer.Write(framed); err != nil {
			s.err = err
			s.detachLocked()
		}
	}
	if s.bufferSize > 0 {
		s.storeEvent(id, framed)
	}
}

func (s *Session) storeEvent(id uint64, data []byte) {
	s.buffer = append(s.buffer, bufferedEvent{id: id, data: append([]byte(nil), data...)})
	if len(s.buffer) > s.bufferSize {
		if s.overflowPolicy == OverflowMark {
			s.overflowed = true
		}
		excess := len(s.buffer) - s.bufferSize
		s.buffer = s.buffer[excess:]
	}
}

// EventsAfter returns buffered framed messages with id greater than lastID,
// or nil when the buffer can no longer satisfy the replay.
func (s *Session) EventsAfter(lastID uint64) [][]byte {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.overflowed {
		return nil
	}
	var idx int
	for idx < len(s.buffer) && s.buffer[idx].id <= lastID {
		idx++
	}
	if idx >= len(s.buffer) {
		return nil
	}
	res := make([][]byte, len(s.buffer)-idx)
	for i := idx; i < len(s.buffer); i++ {
		res[i-idx] = s.buffer[i].data
	}
	return res
}

// Inbound implements transport.Channel.
func (s *Session) Inbound() <-chan transport.Event {
	return s.events
}

// Send implements transport.Channel; it enqueues one message for the client.
func (s *Session) Send(_ context.Context, message *mcpway.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendBatch implements transport.Channel; a batch travels as one wire frame.
func (s *Session) SendBatch(_ context.Context, batch mcpway.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

func (s *Session) enqueue(data []byte) error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return transport.ErrChannelClosed
	}
	s.mux.Unlock()
	return s.outbound.Enqueue(data)
}

// Outbound exposes the queue so adapters can surface saturation as 503.
func (s *Session) Outbound() *transport.Outbound {
	return s.outbound
}

// PushFrame decodes raw inbound wire data and delivers it to the bridge
// without blocking; transport.ErrBackpressure signals a saturated consumer.
// A parse failure with a recoverable id is answered on the same channel
// with a -32700 error response.
func (s *Session) PushFrame(ctx context.Context, data []byte) error {
	event, err := s.decode(ctx, data)
	if err != nil {
		return err
	}
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return transport.ErrChannelClosed
	}
	s.inFlight.Add(1)
	s.mux.Unlock()
	defer s.inFlight.Done()
	select {
	case s.events <- event:
		s.Touch()
		return nil
	default:
		return transport.ErrBackpressure
	}
}

// PushEvent delivers an already-decoded event to the bridge without blocking.
func (s *Session) PushEvent(_ context.Context, event transport.Event) error {
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return transport.ErrChannelClosed
	}
	s.inFlight.Add(1)
	s.mux.Unlock()
	defer s.inFlight.Done()
	select {
	case s.events <- event:
		s.Touch()
		return nil
	default:
		return transport.ErrBackpressure
	}
}

// PushFrameWait is PushFrame for adapters whose read loop must halt instead
// of shedding load (stdio): it blocks until the bridge drains.
func (s *Session) PushFrameWait(ctx context.Context, data []byte) error {
	event, err := s.decode(ctx, data)
	if err != nil {
		return err
	}
	s.mux.Lock()
	if s.closed {
		s.mux.Unlock()
		return transport.ErrChannelClosed
	}
	s.inFlight.Add(1)
	s.mux.Unlock()
	defer s.inFlight.Done()
	select {
	case s.events <- event:
		s.Touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return transport.ErrChannelClosed
	}
}

func (s *Session) decode(ctx context.Context, data []byte) (transport.Event, error) {
	messages, isBatch, err := mcpway.DecodeFrame(data)
	if err != nil {
		if id := mcpway.RecoverId(data); id != nil {
			_ = s.Send(ctx, mcpway.NewErrorMessage(id, mcpway.NewParsingError(err, nil)))
		}
		return transport.Event{}, mcpway.NewGatewayError(mcpway.KindProtocol, err)
	}
	if isBatch {
		return transport.BatchEvent(messages), nil
	}
	return transport.FrameEvent(messages[0]), nil
}

// Close implements transport.Channel; it is idempotent.
func (s *Session) Close(reason error) error {
	s.closeOne.Do(func() {
		s.mux.Lock()
		s.closed = true
		if s.err == nil {
			s.err = reason
		}
		s.State = SessionStateClosed
		s.mux.Unlock()
		close(s.done)
		s.inFlight.Wait()
		if reason != nil {
			select {
			case s.events <- transport.ErrorEvent(reason):
			default:
			}
		}
		close(s.events)
		s.outbound.Close()
		s.cancel()
	})
	return nil
}

// Done implements transport.Channel.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err implements transport.Channel.
func (s *Session) Err() error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.err
}

// Touch updates the LastSeen timestamp.
func (s *Session) Touch() {
	s.mux.Lock()
	s.LastSeen = time.Now()
	s.mux.Unlock()
}

// Idle returns how long the session has been without traffic.
func (s *Session) Idle() time.Duration {
	s.mux.Lock()
	defer s.mux.Unlock()
	return time.Since(s.LastSeen)
}

// MarkDetached records that the streaming connection went away while the
// session itself is retained for reconnect.
func (s *Session) MarkDetached() {
	s.mux.Lock()
	now := time.Now()
	s.DetachedAt = &now
	s.State = SessionStateDetached
	s.writer = nil
	s.writerPresent = false
	s.mux.Unlock()
}

func (s *Session) detachLocked() {
	now := time.Now()
	s.DetachedAt = &now
	s.State = SessionStateDetached
	s.writer = nil
	s.writerPresent = false
}

// AttachWriter (re)binds the streaming writer and marks the session active.
func (s *Session) AttachWriter(w io.Writer) {
	s.mux.Lock()
	s.writer = w
	s.writerPresent = w != nil
	s.State = SessionStateActive
	s.DetachedAt = nil
	s.LastSeen = time.Now()
	atomic.AddUint64(&s.writerGen, 1)
	s.mux.Unlock()
	if w != nil {
		select {
		case s.writerArrived <- struct{}{}:
		default:
		}
	}
}

// WriterGeneration returns the current writer attachment generation.
func (s *Session) WriterGeneration() uint64 {
	return atomic.LoadUint64(&s.writerGen)
}

// WriteDirect bypasses the queue for replayed events on a fresh stream.
func (s *Session) WriteDirect(data []byte) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.writer == nil {
		return transport.ErrChannelClosed
	}
	_, err := s.writer.Write(data)
	return err
}
