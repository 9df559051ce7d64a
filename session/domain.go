package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/treewalk/cdpsession/domains"
	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/protocol"
)

// DomainState records the lifecycle of one protocol domain on a session.
// A domain is never recorded enabled unless its enable command succeeded.
type DomainState struct {
	Enabled     bool
	EnableTime  time.Time
	DisableTime time.Time
	Config      json.RawMessage
}

// executor issues one command and blocks for its result. The session's
// execute method satisfies it.
type executor func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

type flight struct {
	done chan struct{}
	err  error
}

// domainTracker owns the per-domain enabled state of a single session.
// Enable and disable are idempotent and single-flight: two concurrent
// enables of the same domain issue exactly one wire command.
type domainTracker struct {
	mu       sync.Mutex
	states   map[domains.Name]*DomainState
	inflight map[domains.Name]*flight
}

func newDomainTracker() *domainTracker {
	return &domainTracker{
		states:   make(map[domains.Name]*DomainState),
		inflight: make(map[domains.Name]*flight),
	}
}

func (t *domainTracker) enable(ctx context.Context, exec executor, desc domains.Descriptor, config json.RawMessage) error {
	t.mu.Lock()
	if st, ok := t.states[desc.Name]; ok && st.Enabled {
		t.mu.Unlock()
		return nil
	}
	if f, ok := t.inflight[desc.Name]; ok {
		t.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &flight{done: make(chan struct{})}
	t.inflight[desc.Name] = f
	t.mu.Unlock()

	_, err := exec(ctx, desc.Enable, config)
	if err != nil {
		err = &protocol.EnableError{Domain: string(desc.Name), Critical: desc.Critical, Err: err}
	}

	t.mu.Lock()
	if err == nil {
		t.states[desc.Name] = &DomainState{
			Enabled:    true,
			EnableTime: time.Now(),
			Config:     config,
		}
	}
	delete(t.inflight, desc.Name)
	t.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

func (t *domainTracker) disable(ctx context.Context, exec executor, desc domains.Descriptor) error {
	t.mu.Lock()
	st, ok := t.states[desc.Name]
	if !ok || !st.Enabled {
		t.mu.Unlock()
		return nil
	}
	if f, ok := t.inflight[desc.Name]; ok {
		t.mu.Unlock()
		<-f.done
		return f.err
	}
	f := &flight{done: make(chan struct{})}
	t.inflight[desc.Name] = f
	t.mu.Unlock()

	_, err := exec(ctx, desc.Disable, nil)
	if err != nil {
		err = fmt.Errorf("disabling %s domain: %w", desc.Name, err)
	}

	t.mu.Lock()
	if err == nil {
		st.Enabled = false
		st.DisableTime = time.Now()
	}
	delete(t.inflight, desc.Name)
	t.mu.Unlock()

	f.err = err
	close(f.done)
	return err
}

func (t *domainTracker) isEnabled(name domains.Name) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[name]
	return ok && st.Enabled
}

// enabledDescriptors returns the currently enabled domains in bring-up
// order, catalog extras last.
func (t *domainTracker) enabledDescriptors() []domains.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domains.Descriptor
	seen := make(map[domains.Name]bool)
	for _, d := range domains.BringUp() {
		if st, ok := t.states[d.Name]; ok && st.Enabled {
			out = append(out, d)
			seen[d.Name] = true
		}
	}
	for name, st := range t.states {
		if st.Enabled && !seen[name] {
			out = append(out, domains.Lookup(name))
		}
	}
	return out
}

func (t *domainTracker) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = make(map[domains.Name]*DomainState)
}

// bringUp runs the fixed enable sequence. A critical domain's failure
// aborts and is returned; an auxiliary failure is logged as a warning
// and the sequence continues.
func (t *domainTracker) bringUp(ctx context.Context, exec executor, logger *log.Logger, sid string) error {
	for _, desc := range domains.BringUp() {
		if err := t.enable(ctx, exec, desc, nil); err != nil {
			if desc.Critical {
				return err
			}
			logger.Warnf("Session:bringUp", "sid:%v auxiliary domain %s failed to enable: %v", sid, desc.Name, err)
		}
	}
	return nil
}
