package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mcpway/mcpway"
)

// Entry tracks one outstanding request crossing the bridge: the id as seen
// on the input channel, the id written to the output channel, and the
// terminal-outcome machinery.
type Entry struct {
	InboundId  mcpway.RequestId
	OutboundId mcpway.RequestId
	Method     string
	Deadline   time.Time
	CreatedAt  time.Time

	Response *mcpway.Response

	// Internal marks gateway-originated requests whose responses are
	// consumed by the bridge instead of being forwarded.
	Internal bool

	cancel   context.CancelFunc
	done     chan struct{}
	resolved sync.Once
}

// Wait blocks until the entry resolves, the context ends or the deadline passes.
func (e *Entry) Wait(ctx context.Context) (*mcpway.Response, error) {
	var timeout <-chan time.Time
	if !e.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(e.Deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, errors.New("timeout")
	case <-e.done:
		return e.Response, nil
	}
}

// Resolve delivers the terminal response; only the first outcome wins.
func (e *Entry) Resolve(response *mcpway.Response) {
	e.resolved.Do(func() {
		e.Response = response
		if e.cancel != nil {
			e.cancel()
		}
		close(e.done)
	})
}

// Fail resolves the entry with a JSON-RPC error restoring the inbound id.
func (e *Entry) Fail(anError *mcpway.Error) {
	e.Resolve(&mcpway.Response{Id: e.InboundId, Jsonrpc: mcpway.Version, Error: anError})
}

// Resolved reports whether a terminal outcome was delivered.
func (e *Entry) Resolved() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// EntryView is a read-only projection served to control-plane readers.
type EntryView struct {
	InboundId  mcpway.RequestId
	OutboundId mcpway.RequestId
	Method     string
	CreatedAt  time.Time
	Deadline   time.Time
}

// Correlations is the per-direction table of outstanding requests. The pump
// owning a direction is its single writer; snapshot reads are lock-guarded.
type Correlations struct {
	mux      sync.Mutex
	pending  map[any]*Entry
	order    []any
	capacity int
	err      error
}

// NewCorrelations creates a table bounded to capacity outstanding requests.
func NewCorrelations(capacity int) *Correlations {
	return &Correlations{
		pending:  make(map[any]*Entry),
		capacity: capacity,
	}
}

// Add registers an outstanding request keyed by its outbound id.
func (c *Correlations) Add(ctx context.Context, inboundId, outboundId mcpway.RequestId, method string, deadline time.Time) (*Entry, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	if c.capacity > 0 && len(c.pending) >= c.capacity {
		return nil, errors.New("failed to add request, correlation table is full")
	}
	_, cancel := context.WithCancel(ctx)
	entry := &Entry{
		InboundId:  inboundId,
		OutboundId: outboundId,
		Method:     method,
		Deadline:   deadline,
		CreatedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	key := mcpway.IdKey(outboundId)
	c.pending[key] = entry
	c.order = append(c.order, key)
	return entry, nil
}

// Match removes and returns the entry registered under the outbound id a
// response came back with.
func (c *Correlations) Match(outboundId mcpway.RequestId) (*Entry, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	key := mcpway.IdKey(outboundId)
	entry, ok := c.pending[key]
	if !ok {
		return nil, false
	}
	delete(c.pending, key)
	if len(c.order) > 2*len(c.pending)+16 {
		c.compact()
	}
	return entry, true
}

// compact drops order keys whose entries already resolved. Callers hold the lock.
func (c *Correlations) compact() {
	kept := c.order[:0]
	for _, key := range c.order {
		if _, ok := c.pending[key]; ok {
			kept = append(kept, key)
		}
	}
	c.order = kept
}

// CloseWithError marks the table closed; subsequent Add calls fail.
func (c *Correlations) CloseWithError(err error) {
	c.mux.Lock()
	c.err = err
	c.mux.Unlock()
}

// FailAll drains every pending entry with the supplied error, in insertion
// order, guaranteeing each receives exactly one terminal outcome.
func (c *Correlations) FailAll(anError *mcpway.Error) []*Entry {
	c.mux.Lock()
	drained := make([]*Entry, 0, len(c.pending))
	for _, key := range c.order {
		if entry, ok := c.pending[key]; ok {
			drained = append(drained, entry)
			delete(c.pending, key)
		}
	}
	c.order = c.order[:0]
	c.mux.Unlock()
	for _, entry := range drained {
		entry.Fail(anError)
	}
	return drained
}

// Size returns the number of outstanding entries.
func (c *Correlations) Size() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.pending)
}

// Snapshot copies the outstanding entries for control-plane reads.
func (c *Correlations) Snapshot() []EntryView {
	c.mux.Lock()
	defer c.mux.Unlock()
	views := make([]EntryView, 0, len(c.pending))
	for _, key := range c.order {
		entry, ok := c.pending[key]
		if !ok {
			continue
		}
		views = append(views, EntryView{
			InboundId:  entry.InboundId,
			OutboundId: entry.OutboundId,
			Method:     entry.Method,
			CreatedAt:  entry.CreatedAt,
			Deadline:   entry.Deadline,
		})
	}
	return views
}
