// Package session correlates command/response pairs, tracks domain
// enablement, buffers and replays events, and guarantees orderly
// teardown for many concurrent sessions, each bound to one remote
// debuggable target.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treewalk/cdpsession/domains"
	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/protocol"
)

// Session states. There are no transitions out of StateClosed.
const (
	StateCreated int64 = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

// DefaultDisableTimeout bounds each per-domain disable attempt during
// teardown. A slow domain is skipped rather than blocking close.
const DefaultDisableTimeout = time.Second

// Transport is the session's binding to the remote endpoint. It must be
// substitutable by test doubles.
type Transport interface {
	// Send forwards one command to the remote endpoint.
	Send(ctx context.Context, msg *protocol.Message) error
	// Recv yields responses and events as the endpoint produces them.
	Recv() <-chan *protocol.Message
	// Done is closed when the transport is no longer usable.
	Done() <-chan struct{}
	Close() error
}

// TargetEvent is a session event re-emitted with its origin attached,
// for cross-session aggregation.
type TargetEvent struct {
	SessionID string
	TargetID  string
	Name      string
	Params    json.RawMessage
}

// EventSessionClosed is emitted on the registry stream when a session
// reaches its terminal state.
const EventSessionClosed = "sessionClosed"

// Options configures a Session. The zero value is usable.
type Options struct {
	// BufferCapacity bounds each per-event-name replay buffer.
	// Defaults to DefaultBufferCapacity.
	BufferCapacity int
	// DisableTimeout bounds each domain disable attempt during close.
	// Defaults to DefaultDisableTimeout.
	DisableTimeout time.Duration
	Logger         *log.Logger
	// Forward, if set, receives every event the session observes,
	// tagged with its ids. The registry uses it for re-emission.
	Forward func(TargetEvent)
	// OnClosed, if set, is called exactly once after teardown completes.
	OnClosed func(*Session)
}

// Session manages command correlation, domain state, and event
// buffering for one target over one transport binding.
type Session struct {
	id       string
	targetID string
	opts     Options
	logger   *log.Logger

	transport Transport
	state     int64 // atomic, one of the State* constants

	correlator *correlator
	domains    *domainTracker
	events     *eventBus

	collectMu sync.Mutex
	network   []NetworkRequest
	console   []ConsoleMessage

	teardownMu sync.Mutex
	teardown   []error

	closedCh chan struct{}
}

// NewSession constructs a session over the given transport and runs the
// domain bring-up sequence. A critical enable failure closes the session
// and returns an InitError.
func NewSession(ctx context.Context, id, targetID string, transport Transport, opts Options) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = log.NullLogger()
	}
	if opts.DisableTimeout <= 0 {
		opts.DisableTimeout = DefaultDisableTimeout
	}
	s := &Session{
		id:         id,
		targetID:   targetID,
		opts:       opts,
		logger:     opts.Logger,
		transport:  transport,
		state:      StateCreated,
		correlator: newCorrelator(),
		domains:    newDomainTracker(),
		events:     newEventBus(opts.BufferCapacity, opts.Logger),
		closedCh:   make(chan struct{}),
	}
	s.initCollectors()
	atomic.StoreInt64(&s.state, StateInitializing)
	go s.recvLoop()

	s.logger.Debugf("Session:new", "sid:%v tid:%v", id, targetID)
	if err := s.domains.bringUp(ctx, s.execute, s.logger, s.id); err != nil {
		s.logger.Errorf("Session:new", "sid:%v bring-up aborted: %v", id, err)
		_ = s.Close()
		return nil, &protocol.InitError{Err: err}
	}
	atomic.CompareAndSwapInt64(&s.state, StateInitializing, StateActive)

	return s, nil
}

// ID returns the session's opaque identity.
func (s *Session) ID() string { return s.id }

// TargetID returns the identity of the target this session is bound to.
func (s *Session) TargetID() string { return s.targetID }

// State returns the current lifecycle state.
func (s *Session) State() int64 { return atomic.LoadInt64(&s.state) }

// Done is closed once the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.closedCh }

// Execute sends a command and blocks until the matching response
// arrives, the context is done, or the session closes. Responses are
// matched strictly by id; submission order is irrelevant. The session
// never times a command out on its own: callers layer deadlines through
// ctx.
func (s *Session) Execute(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if s.State() >= StateClosing {
		return nil, protocol.ErrConnectionClosed
	}
	return s.execute(ctx, method, params)
}

// execute skips the lifecycle check so teardown can still issue domain
// disables while the session is closing.
func (s *Session) execute(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id, resultCh, err := s.correlator.register(method)
	if err != nil {
		return nil, err
	}
	msg := &protocol.Message{
		ID:        id,
		SessionID: s.id,
		Method:    method,
		Params:    params,
	}
	s.logger.Debugf("Session:execute", "sid:%v id:%d method:%q", s.id, id, method)
	if err := s.transport.Send(ctx, msg); err != nil {
		s.correlator.drop(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}
	select {
	case resp, ok := <-resultCh:
		if !ok {
			return nil, protocol.ErrConnectionClosed
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		s.correlator.drop(id)
		return nil, ctx.Err()
	}
}

// EnableDomain enables a protocol domain, recording its state only on
// success. Already-enabled domains are a no-op.
func (s *Session) EnableDomain(ctx context.Context, name domains.Name, config json.RawMessage) error {
	if s.State() >= StateClosing {
		return protocol.ErrConnectionClosed
	}
	return s.domains.enable(ctx, s.execute, domains.Lookup(name), config)
}

// DisableDomain disables a protocol domain. Already-disabled domains are
// a no-op.
func (s *Session) DisableDomain(ctx context.Context, name domains.Name) error {
	if s.State() >= StateClosing {
		return protocol.ErrConnectionClosed
	}
	return s.domains.disable(ctx, s.execute, domains.Lookup(name))
}

// IsEnabled reports whether the domain is currently enabled.
func (s *Session) IsEnabled(name domains.Name) bool {
	return s.domains.isEnabled(name)
}

// Subscribe registers a handler for an event name. Buffered payloads are
// replayed to it, oldest first, before any live event. The returned func
// unsubscribes; the buffer itself persists.
func (s *Session) Subscribe(event string, handler Handler) (cancel func()) {
	if s.State() >= StateClosing {
		return func() {}
	}
	return s.events.subscribe(event, handler)
}

// Close tears the session down: best-effort disable of every enabled
// domain (bounded per domain), transport detach, rejection of all
// pending commands with ErrConnectionClosed, and clearing of buffers and
// subscriber sets. It is idempotent and never returns an error; per-step
// failures are collected into the teardown report.
func (s *Session) Close() error {
	if !s.beginClose() {
		return nil
	}
	s.logger.Debugf("Session:close", "sid:%v tid:%v", s.id, s.targetID)

	if s.transportAlive() {
		for _, desc := range s.domains.enabledDescriptors() {
			ctx, cancel := context.WithTimeout(context.Background(), s.opts.DisableTimeout)
			if err := s.domains.disable(ctx, s.execute, desc); err != nil {
				s.recordTeardown(err)
				s.logger.Warnf("Session:close", "sid:%v disabling %s: %v", s.id, desc.Name, err)
			}
			cancel()
		}
	}

	if err := s.transport.Close(); err != nil {
		s.recordTeardown(fmt.Errorf("closing transport: %w", err))
	}
	if n := s.correlator.failAll(); n > 0 {
		s.logger.Debugf("Session:close", "sid:%v rejected %d pending commands", s.id, n)
	}
	s.events.clear()
	s.domains.clear()
	s.clearCollections()

	atomic.StoreInt64(&s.state, StateClosed)
	close(s.closedCh)
	if s.opts.OnClosed != nil {
		s.opts.OnClosed(s)
	}
	return nil
}

// beginClose moves the session to StateClosing. It reports false when a
// teardown already ran or is running, making Close idempotent.
func (s *Session) beginClose() bool {
	for {
		st := atomic.LoadInt64(&s.state)
		if st >= StateClosing {
			return false
		}
		if atomic.CompareAndSwapInt64(&s.state, st, StateClosing) {
			return true
		}
	}
}

func (s *Session) transportAlive() bool {
	select {
	case <-s.transport.Done():
		return false
	default:
		return true
	}
}

func (s *Session) recordTeardown(err error) {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	s.teardown = append(s.teardown, err)
}

// TeardownReport returns the errors swallowed during Close, for
// diagnostics. Empty for a clean teardown.
func (s *Session) TeardownReport() []error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()
	out := make([]error, len(s.teardown))
	copy(out, s.teardown)
	return out
}

// Metrics is a point-in-time snapshot of a session's bookkeeping.
type Metrics struct {
	EnabledDomains   []string
	BufferedEvents   int
	PendingCommands  int
	OldestPendingAge time.Duration
}

// Metrics reports the enabled domains, the total buffered event count
// across event names, the pending command count, and the age of the
// oldest still-pending command (zero if none).
func (s *Session) Metrics() Metrics {
	var names []string
	for _, d := range s.domains.enabledDescriptors() {
		names = append(names, string(d.Name))
	}
	return Metrics{
		EnabledDomains:   names,
		BufferedEvents:   s.events.bufferedCount(),
		PendingCommands:  s.correlator.pendingCount(),
		OldestPendingAge: s.correlator.oldestPendingAge(time.Now()),
	}
}

// recvLoop dispatches everything the transport produces until it closes.
// Events for one session reach subscribers in the exact order the
// transport produced them.
func (s *Session) recvLoop() {
	for {
		select {
		case msg, ok := <-s.transport.Recv():
			if !ok {
				s.onTransportClosed()
				return
			}
			s.dispatch(msg)
		case <-s.transport.Done():
			s.onTransportClosed()
			return
		}
	}
}

func (s *Session) onTransportClosed() {
	if s.State() >= StateClosing {
		return
	}
	s.logger.Debugf("Session:recvLoop", "sid:%v transport closed, tearing down", s.id)
	go s.Close()
}

func (s *Session) dispatch(msg *protocol.Message) {
	switch {
	case msg.ID > 0:
		if !s.correlator.resolve(msg) {
			s.logger.Debugf("Session:dispatch", "sid:%v discarding response id:%d with no pending command", s.id, msg.ID)
		}
	case msg.Method != "":
		// Late events must not repopulate buffers a teardown already
		// cleared.
		if s.State() >= StateClosing {
			return
		}
		s.events.publish(msg.Method, msg.Params)
		if fw := s.opts.Forward; fw != nil {
			fw(TargetEvent{
				SessionID: s.id,
				TargetID:  s.targetID,
				Name:      msg.Method,
				Params:    msg.Params,
			})
		}
	default:
		s.logger.Warnf("Session:dispatch", "sid:%v ignoring malformed message (missing id and method)", s.id)
	}
}
