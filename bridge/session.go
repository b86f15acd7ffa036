package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mcpway/mcpway"
	"github.com/mcpway/mcpway/transport"
)

// State is the session lifecycle phase.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateIdle
	StateClosing
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ChildRestarter is implemented by outbound adapters whose upstream can be
// respawned with fresh arguments and environment (the stdio child).
type ChildRestarter interface {
	Restart(ctx context.Context, extraArgs []string, env map[string]string) error
}

// Session is one logical MCP conversation bridged between an input and an
// output channel.
type Session struct {
	ID        string
	CreatedAt time.Time

	Policy Policy

	input  transport.Channel
	output transport.Channel

	// down correlates requests flowing input->output (keyed by outbound id);
	// up correlates server-initiated requests flowing output->input.
	down *transport.Correlations
	up   *transport.Correlations

	manager *Manager
	logger  *logrus.Entry

	restarter  ChildRestarter
	headerSink func(headers map[string]string)
	evictHooks []func(sessionID string)

	protocolVersion string // configured version enabling auto-initialize
	gatewayVersion  string
	negotiated      atomic.Value // string
	initCache       atomic.Value // *mcpway.Response

	overridesMu sync.Mutex
	overrides   Overrides

	state        atomic.Int32
	lastActivity atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
	done   chan struct{}
}

// SessionOption mutates a session before its pumps start.
type SessionOption func(*Session)

// WithSessionID pins the bridge session id (e.g. to the transport session id).
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.ID = id
		}
	}
}

// WithPolicy freezes a custom policy into the session.
func WithPolicy(policy Policy) SessionOption {
	return func(s *Session) { s.Policy = policy }
}

// WithRestarter wires the child supervisor for override-driven restarts.
func WithRestarter(restarter ChildRestarter) SessionOption {
	return func(s *Session) { s.restarter = restarter }
}

// WithHeaderSink wires header overrides into the outbound adapter.
func WithHeaderSink(sink func(headers map[string]string)) SessionOption {
	return func(s *Session) { s.headerSink = sink }
}

// WithEvictHook registers a callback fired when the session terminates, so
// transport-level stores release their bindings.
func WithEvictHook(hook func(sessionID string)) SessionOption {
	return func(s *Session) { s.evictHooks = append(s.evictHooks, hook) }
}

// WithAutoInitialize enables upstream auto-initialization with the given
// protocol version.
func WithAutoInitialize(protocolVersion string) SessionOption {
	return func(s *Session) { s.protocolVersion = protocolVersion }
}

// WithOverrides seeds the override bag.
func WithOverrides(overrides Overrides) SessionOption {
	return func(s *Session) { s.overrides = overrides }
}

// State reports the lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// touch records traffic for idle accounting.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	s.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// IdleFor reports how long the session has seen no traffic.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// NegotiatedVersion returns the protocol version captured from the
// initialize exchange.
func (s *Session) NegotiatedVersion() string {
	if v, ok := s.negotiated.Load().(string); ok {
		return v
	}
	return ""
}

// Overrides snapshots the override bag.
func (s *Session) Overrides() Overrides {
	s.overridesMu.Lock()
	defer s.overridesMu.Unlock()
	return s.overrides
}

// ApplyOverrides atomically replaces the override bag. Argument or
// environment changes restart the session-scoped child; header changes take
// effect on the next outbound request.
func (s *Session) ApplyOverrides(ctx context.Context, patch Overrides) error {
	s.overridesMu.Lock()
	previous := s.overrides
	s.overrides = patch
	s.overridesMu.Unlock()

	if s.headerSink != nil && !equalMaps(previous.Headers, patch.Headers) {
		s.headerSink(patch.Headers)
	}
	needsRestart := !equalStrings(previous.ExtraCLIArgs, patch.ExtraCLIArgs) ||
		!equalMaps(previous.Env, patch.Env)
	if needsRestart && s.restarter != nil {
		return s.restarter.Restart(ctx, patch.ExtraCLIArgs, patch.Env)
	}
	return nil
}

// PendingDownstream snapshots the outstanding client requests.
func (s *Session) PendingDownstream() []transport.EntryView {
	return s.down.Snapshot()
}

// PendingUpstream snapshots the outstanding server-initiated requests.
func (s *Session) PendingUpstream() []transport.EntryView {
	return s.up.Snapshot()
}

// Done is closed once both pumps have terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close terminates the session: both tables drain with the given error and
// both channels close. It is idempotent.
func (s *Session) Close(anError *mcpway.Error) {
	if !s.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateCreated), int32(StateClosing)) &&
		!s.state.CompareAndSwap(int32(StateIdle), int32(StateClosing)) {
		return
	}
	if anError == nil {
		anError = mcpway.NewChannelClosed()
	}
	s.failPending(anError)
	_ = s.input.Close(nil)
	_ = s.output.Close(nil)
	s.cancel()
}

// failPending delivers exactly one terminal outcome per correlation entry,
// surfacing the error response to whichever side was waiting.
func (s *Session) failPending(anError *mcpway.Error) {
	for _, entry := range s.down.FailAll(anError) {
		if entry.Internal {
			continue
		}
		_ = s.sendResponse(s.input, entry.Response)
	}
	for _, entry := range s.up.FailAll(anError) {
		_ = s.sendResponse(s.output, entry.Response)
	}
}

func (s *Session) sendResponse(channel transport.Channel, response *mcpway.Response) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return channel.Send(ctx, mcpway.NewResponseMessage(response))
}

// autoInitialize synthesises the upstream initialize handshake and caches
// the response for later client initializes.
func (s *Session) autoInitialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": s.protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]string{
			"name":    "mcpway",
			"version": s.gatewayVersion,
		},
	}
	request, err := mcpway.NewRequest("initialize", params)
	if err != nil {
		return err
	}
	outId := s.manager.NextId()
	request.Id = outId
	entry, err := s.down.Add(ctx, outId, outId, "initialize", s.deadline())
	if err != nil {
		return err
	}
	entry.Internal = true
	if err := s.output.Send(ctx, mcpway.NewRequestMessage(request)); err != nil {
		return err
	}
	go func() {
		response, err := entry.Wait(ctx)
		if err != nil || response == nil || response.Error != nil {
			s.logger.WithError(err).Warn("upstream auto-initialize failed")
			return
		}
		s.cacheInitialize(response)
		notification, err := mcpway.NewNotification("notifications/initialized", nil)
		if err == nil {
			_ = s.output.Send(ctx, mcpway.NewNotificationMessage(notification))
		}
	}()
	return nil
}

// cacheInitialize records the negotiated version and the capabilities
// served to later client initializes.
func (s *Session) cacheInitialize(response *mcpway.Response) {
	s.initCache.Store(response)
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(response.Result, &result); err == nil && result.ProtocolVersion != "" {
		s.negotiated.Store(result.ProtocolVersion)
	}
}

func (s *Session) cachedInitialize() *mcpway.Response {
	if response, ok := s.initCache.Load().(*mcpway.Response); ok {
		return response
	}
	return nil
}

func (s *Session) deadline() time.Time {
	if s.Policy.RequestTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.Policy.RequestTimeout)
}

// Manager tracks live sessions, allocates gateway-unique ids, runs the idle
// sweeper and coordinates shutdown.
type Manager struct {
	policy   Policy
	logger   *logrus.Logger
	hooks    Hooks
	version  string
	interval time.Duration

	idSeq uint64

	mux      sync.RWMutex
	sessions map[string]*Session
	draining bool
}

// Hooks receives session lifecycle notifications (telemetry).
type Hooks struct {
	OnSessionStart func(session *Session)
	OnSessionEnd   func(session *Session)
}

// ManagerOption mutates the manager.
type ManagerOption func(*Manager)

// WithDefaultPolicy sets the policy template for new sessions.
func WithDefaultPolicy(policy Policy) ManagerOption {
	return func(m *Manager) { m.policy = policy }
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithHooks registers lifecycle hooks.
func WithHooks(hooks Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = hooks }
}

// WithGatewayVersion names the version reported in synthesized initializes.
func WithGatewayVersion(version string) ManagerOption {
	return func(m *Manager) { m.version = version }
}

// WithSweepInterval sets how often the idle sweeper runs.
func WithSweepInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = interval }
}

// NewManager creates a session manager.
func NewManager(options ...ManagerOption) *Manager {
	ret := &Manager{
		policy:   DefaultPolicy(),
		logger:   logrus.StandardLogger(),
		version:  "dev",
		interval: 5 * time.Second,
		sessions: make(map[string]*Session),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// NextId allocates a gateway-unique monotonic request id.
func (m *Manager) NextId() int {
	return int(atomic.AddUint64(&m.idSeq, 1))
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Range iterates live sessions.
func (m *Manager) Range(f func(session *Session) bool) {
	m.mux.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		snapshot = append(snapshot, session)
	}
	m.mux.RUnlock()
	for _, session := range snapshot {
		if !f(session) {
			return
		}
	}
}

// Size returns the number of live sessions.
func (m *Manager) Size() int {
	m.mux.RLock()
	defer m.mux.RUnlock()
	return len(m.sessions)
}

// Bridge pairs an input channel with an output channel and starts the two
// directional pumps. The returned session is live until either side closes.
func (m *Manager) Bridge(ctx context.Context, input, output transport.Channel, options ...SessionOption) (*Session, error) {
	m.mux.Lock()
	if m.draining {
		m.mux.Unlock()
		return nil, mcpway.NewGatewayError(mcpway.KindSession, context.Canceled)
	}
	m.mux.Unlock()

	pumpCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ID:             uuid.New().String(),
		CreatedAt:      time.Now(),
		Policy:         m.policy,
		input:          input,
		output:         output,
		manager:        m,
		gatewayVersion: m.version,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, option := range options {
		option(session)
	}
	session.logger = m.logger.WithField("session", session.ID)
	session.down = transport.NewCorrelations(session.Policy.MaxPending)
	session.up = transport.NewCorrelations(session.Policy.MaxPending)
	session.lastActivity.Store(time.Now().UnixNano())
	session.state.Store(int32(StateActive))

	m.mux.Lock()
	m.sessions[session.ID] = session
	m.mux.Unlock()
	if m.hooks.OnSessionStart != nil {
		m.hooks.OnSessionStart(session)
	}

	if session.protocolVersion != "" {
		if err := session.autoInitialize(pumpCtx); err != nil {
			session.logger.WithError(err).Warn("auto-initialize send failed")
		}
	}

	group, groupCtx := errgroup.WithContext(pumpCtx)
	session.group = group
	group.Go(func() error { return session.pump(groupCtx, directionDownstream) })
	group.Go(func() error { return session.pump(groupCtx, directionUpstream) })
	go func() {
		_ = group.Wait()
		session.Close(nil)
		session.state.Store(int32(StateTerminated))
		m.remove(session)
		close(session.done)
	}()
	return session, nil
}

func (m *Manager) remove(session *Session) {
	m.mux.Lock()
	delete(m.sessions, session.ID)
	m.mux.Unlock()
	for _, hook := range session.evictHooks {
		hook(session.ID)
	}
	if m.hooks.OnSessionEnd != nil {
		m.hooks.OnSessionEnd(session)
	}
}

// Sweep evicts sessions idle beyond their policy timeout; their outstanding
// requests fail with the session-timeout error.
func (m *Manager) Sweep() int {
	evicted := 0
	m.Range(func(session *Session) bool {
		timeout := session.Policy.IdleTimeout
		if timeout <= 0 {
			return true
		}
		if session.IdleFor() < timeout {
			return true
		}
		session.state.CompareAndSwap(int32(StateActive), int32(StateIdle))
		session.logger.WithField("idle", session.IdleFor()).Info("evicting idle session")
		session.Close(mcpway.NewSessionTimedOut())
		evicted++
		return true
	})
	return evicted
}

// Run drives the periodic sweeper until the context ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown stops accepting sessions, closes every live session at once (its
// outstanding requests fail with the channel-closed error) and waits up to
// grace for their pumps to finish. It does not wait for outstanding requests
// to complete before closing.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) {
	m.mux.Lock()
	m.draining = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mux.Unlock()

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	for _, session := range sessions {
		session.Close(mcpway.NewChannelClosed())
	}
	for _, session := range sessions {
		select {
		case <-session.Done():
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}
