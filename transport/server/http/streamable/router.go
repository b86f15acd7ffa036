package streamable

import (
	"fmt"
	"io"
	"strings"
	"sync"

	gojson "github.com/goccy/go-json"
	"github.com/mcpway/mcpway"
)

// router is the session writer for the streamable transport. Responses to
// requests a POST is synchronously waiting on are routed to that POST;
// everything else goes to the long-lived GET stream, SSE-framed with an
// incremental event id recorded for Last-Event-ID replay.
type router struct {
	mux     sync.Mutex
	waiters map[any]chan []byte
	stream  io.Writer

	seq        uint64
	buffer     []routedEvent
	bufferSize int
	overflowed bool
}

type routedEvent struct {
	id   uint64
	data []byte
}

func newRouter(bufferSize int) *router {
	return &router{
		waiters:    make(map[any]chan []byte),
		bufferSize: bufferSize,
	}
}

// await registers a one-shot waiter for a response id.
func (r *router) await(id mcpway.RequestId) chan []byte {
	ch := make(chan []byte, 1)
	r.mux.Lock()
	r.waiters[mcpway.IdKey(id)] = ch
	r.mux.Unlock()
	return ch
}

// forget drops a waiter whose POST gave up.
func (r *router) forget(id mcpway.RequestId) {
	r.mux.Lock()
	delete(r.waiters, mcpway.IdKey(id))
	r.mux.Unlock()
}

// attach binds the GET stream writer; it returns buffered events newer than
// lastID for replay, or nil when replay cannot be satisfied.
func (r *router) attach(stream io.Writer, lastID uint64) [][]byte {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.stream = stream
	if r.overflowed || lastID == 0 {
		return nil
	}
	var idx int
	for idx < len(r.buffer) && r.buffer[idx].id <= lastID {
		idx++
	}
	if idx >= len(r.buffer) {
		return nil
	}
	res := make([][]byte, len(r.buffer)-idx)
	for i := idx; i < len(r.buffer); i++ {
		res[i-idx] = r.buffer[i].data
	}
	return res
}

// detach unbinds the GET stream writer.
func (r *router) detach() {
	r.mux.Lock()
	r.stream = nil
	r.mux.Unlock()
}

// Write implements io.Writer for the session drain loop. data is one
// marshalled JSON-RPC frame.
func (r *router) Write(data []byte) (int, error) {
	var head struct {
		Id     mcpway.RequestId `json:"id"`
		Method string           `json:"method"`
	}
	_ = gojson.Unmarshal(data, &head)
	if head.Id != nil && head.Method == "" {
		r.mux.Lock()
		key := mcpway.IdKey(head.Id)
		waiter, ok := r.waiters[key]
		if ok {
			delete(r.waiters, key)
		}
		r.mux.Unlock()
		if ok {
			waiter <- append([]byte(nil), data...)
			return len(data), nil
		}
	}
	return len(data), r.writeStream(data)
}

func (r *router) writeStream(data []byte) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.seq++
	framed := []byte(fmt.Sprintf("id: %d\nevent: message\ndata: %s\n\n", r.seq, strings.TrimSpace(string(data))))
	if r.bufferSize > 0 {
		r.buffer = append(r.buffer, routedEvent{id: r.seq, data: framed})
		if len(r.buffer) > r.bufferSize {
			r.overflowed = true
			r.buffer = r.buffer[len(r.buffer)-r.bufferSize:]
		}
	}
	if r.stream == nil {
		return nil
	}
	if _, err := r.stream.Write(framed); err != nil {
		r.stream = nil
		return nil
	}
	return nil
}
