package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treewalk/cdpsession/log"
)

// Target is the external identity a session binds to. The registry never
// owns the target itself, only the session created for it.
type Target interface {
	// ID returns a stable identity usable as a map key.
	ID() string
	// NewTransport obtains a fresh transport binding for this target.
	NewTransport(ctx context.Context) (Transport, error)
	// Closed is closed when the target becomes invalid; the registry
	// then detaches its session automatically.
	Closed() <-chan struct{}
}

type attachFlight struct {
	done chan struct{}
	sess *Session
	err  error
}

// Registry maps target identities to sessions, creating them on first
// attach and tearing them down on detach. It re-emits per-session events
// on a single stream tagged with session metadata.
type Registry struct {
	logger *log.Logger
	opts   Options

	mu       sync.Mutex
	targets  map[string]*Session
	byID     map[string]*Session
	inflight map[string]*attachFlight

	events chan TargetEvent
}

// NewRegistry returns a registry whose sessions are configured from
// opts (Forward and OnClosed are owned by the registry and overwritten).
func NewRegistry(logger *log.Logger, opts Options) *Registry {
	if logger == nil {
		logger = log.NullLogger()
	}
	return &Registry{
		logger:   logger,
		opts:     opts,
		targets:  make(map[string]*Session),
		byID:     make(map[string]*Session),
		inflight: make(map[string]*attachFlight),
		events:   make(chan TargetEvent, 256),
	}
}

// Events returns the cross-session stream. Delivery is non-blocking: if
// the consumer falls behind, events are dropped with a warning.
func (r *Registry) Events() <-chan TargetEvent { return r.events }

// Attach returns the existing open session for the target, or constructs
// a new one and runs its bring-up. Concurrent attaches of the same
// target share a single in-flight attempt.
func (r *Registry) Attach(ctx context.Context, target Target) (*Session, error) {
	id := target.ID()
	r.mu.Lock()
	if s, ok := r.targets[id]; ok && s.State() < StateClosing {
		r.mu.Unlock()
		return s, nil
	}
	if f, ok := r.inflight[id]; ok {
		r.mu.Unlock()
		<-f.done
		return f.sess, f.err
	}
	f := &attachFlight{done: make(chan struct{})}
	r.inflight[id] = f
	r.mu.Unlock()

	sess, err := r.attach(ctx, target)

	r.mu.Lock()
	delete(r.inflight, id)
	if err == nil {
		r.targets[id] = sess
		r.byID[sess.ID()] = sess
	}
	r.mu.Unlock()

	f.sess, f.err = sess, err
	close(f.done)

	if err == nil {
		go r.watch(target, sess)
	}
	return sess, err
}

func (r *Registry) attach(ctx context.Context, target Target) (*Session, error) {
	transport, err := target.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("attaching to target %s: %w", target.ID(), err)
	}

	opts := r.opts
	opts.Logger = r.logger
	opts.Forward = r.forward
	opts.OnClosed = r.remove

	sid := uuid.NewString()
	r.logger.Debugf("Registry:attach", "tid:%v sid:%v", target.ID(), sid)
	return NewSession(ctx, sid, target.ID(), transport, opts)
}

// watch detaches the session when the target signals invalidity. The
// session's own teardown path handles transport closure.
func (r *Registry) watch(target Target, sess *Session) {
	select {
	case <-target.Closed():
		r.logger.Debugf("Registry:watch", "tid:%v closed, detaching sid:%v", target.ID(), sess.ID())
		_ = sess.Close()
	case <-sess.Done():
	}
}

// remove drops both index entries for a closed session and emits the
// closure notification. Runs as the session's OnClosed hook.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.targets[s.TargetID()]; ok && cur == s {
		delete(r.targets, s.TargetID())
	}
	delete(r.byID, s.ID())
	r.mu.Unlock()

	r.forward(TargetEvent{
		SessionID: s.ID(),
		TargetID:  s.TargetID(),
		Name:      EventSessionClosed,
	})
}

// Detach closes the target's session, waiting out an in-flight attach on
// the same target first.
func (r *Registry) Detach(target Target) {
	id := target.ID()
	r.mu.Lock()
	f := r.inflight[id]
	s := r.targets[id]
	r.mu.Unlock()

	if f != nil {
		<-f.done
		if f.err == nil {
			s = f.sess
		}
	}
	if s == nil {
		return
	}
	r.logger.Debugf("Registry:detach", "tid:%v sid:%v", id, s.ID())
	_ = s.Close()
}

// SessionFor returns the open session for a target id, nil if none.
func (r *Registry) SessionFor(targetID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targets[targetID]
}

// ByID returns the session with the given session id, nil if none.
func (r *Registry) ByID(sessionID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[sessionID]
}

// Len returns how many sessions the registry tracks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// NetworkRequests returns the network exchanges accumulated by the
// target's session; empty, never an error, when no session exists.
func (r *Registry) NetworkRequests(target Target) []NetworkRequest {
	if s := r.SessionFor(target.ID()); s != nil {
		return s.NetworkRequests()
	}
	return nil
}

// ConsoleMessages returns the console messages accumulated by the
// target's session; empty, never an error, when no session exists.
func (r *Registry) ConsoleMessages(target Target) []ConsoleMessage {
	if s := r.SessionFor(target.ID()); s != nil {
		return s.ConsoleMessages()
	}
	return nil
}

// CloseAll closes every tracked session concurrently, best-effort, and
// clears the indices unconditionally. It never fails; per-session
// teardown problems are only logged.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.targets))
	for _, s := range r.targets {
		sessions = append(sessions, s)
	}
	r.targets = make(map[string]*Session)
	r.byID = make(map[string]*Session)
	r.mu.Unlock()

	g := new(errgroup.Group)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			_ = s.Close()
			if report := s.TeardownReport(); len(report) > 0 {
				r.logger.Warnf("Registry:closeAll", "sid:%v teardown finished with %d errors: %v", s.ID(), len(report), report[0])
			}
			return nil
		})
	}
	_ = g.Wait()
	r.logger.Debugf("Registry:closeAll", "closed %d sessions", len(sessions))
}

// forward re-emits a session event on the registry stream without
// blocking the producing session.
func (r *Registry) forward(ev TargetEvent) {
	select {
	case r.events <- ev:
	default:
		r.logger.Warnf("Registry:forward", "sid:%v dropping %q, consumer too slow", ev.SessionID, ev.Name)
	}
}
