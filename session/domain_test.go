package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treewalk/cdpsession/domains"
	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/protocol"
)

// execRecorder is a scripted executor double.
type execRecorder struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	gate  chan struct{} // when set, exec blocks until the gate closes
}

func newExecRecorder() *execRecorder {
	return &execRecorder{fail: make(map[string]error)}
}

func (e *execRecorder) exec(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls = append(e.calls, method)
	gate := e.gate
	err := e.fail[method]
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return nil, err
}

func (e *execRecorder) waitCalls(tb testing.TB, n int) {
	tb.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		e.mu.Lock()
		c := len(e.calls)
		e.mu.Unlock()
		if c >= n {
			return
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for %d executor calls, saw %d", n, c)
		}
		time.Sleep(time.Millisecond)
	}
}

func (e *execRecorder) count(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	var n int
	for _, c := range e.calls {
		if c == method {
			n++
		}
	}
	return n
}

func TestEnableIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	desc := domains.Lookup(domains.Network)

	require.NoError(t, tr.enable(context.Background(), rec.exec, desc, nil))
	require.NoError(t, tr.enable(context.Background(), rec.exec, desc, nil))

	assert.Equal(t, 1, rec.count("Network.enable"))
	assert.True(t, tr.isEnabled(domains.Network))
}

func TestConcurrentEnableIssuesOneCommand(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	rec.gate = make(chan struct{})
	desc := domains.Lookup(domains.Page)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.enable(context.Background(), rec.exec, desc, nil)
		}(i)
	}
	// Let both goroutines reach the tracker before releasing the wire.
	rec.waitCalls(t, 1)
	close(rec.gate)
	wg.Wait()

	assert.Equal(t, 1, rec.count("Page.enable"))
	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.True(t, tr.isEnabled(domains.Page))
}

func TestEnableFailureLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	rec.fail["Network.enable"] = &protocol.Error{Code: -32000, Message: "not allowed"}
	desc := domains.Lookup(domains.Network)

	err := tr.enable(context.Background(), rec.exec, desc, nil)
	var enableErr *protocol.EnableError
	require.ErrorAs(t, err, &enableErr)
	assert.Equal(t, "Network", enableErr.Domain)
	assert.True(t, enableErr.Critical)
	assert.False(t, tr.isEnabled(domains.Network))

	// The failure is not sticky: a later attempt issues the command again.
	delete(rec.fail, "Network.enable")
	require.NoError(t, tr.enable(context.Background(), rec.exec, desc, nil))
	assert.Equal(t, 2, rec.count("Network.enable"))
}

func TestDisableIsNoopWhenAlreadyDisabled(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	desc := domains.Lookup(domains.DOM)

	require.NoError(t, tr.disable(context.Background(), rec.exec, desc))
	assert.Empty(t, rec.calls)

	require.NoError(t, tr.enable(context.Background(), rec.exec, desc, nil))
	require.NoError(t, tr.disable(context.Background(), rec.exec, desc))
	require.NoError(t, tr.disable(context.Background(), rec.exec, desc))
	assert.Equal(t, 1, rec.count("DOM.disable"))
	assert.False(t, tr.isEnabled(domains.DOM))
}

func TestBringUpAbortsOnCriticalFailure(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	rec.fail["Runtime.enable"] = &protocol.Error{Code: -32000, Message: "boom"}

	err := tr.bringUp(context.Background(), rec.exec, log.NullLogger(), "sid")
	var enableErr *protocol.EnableError
	require.ErrorAs(t, err, &enableErr)
	assert.Equal(t, "Runtime", enableErr.Domain)

	// Nothing after the failed critical domain was attempted.
	assert.Equal(t, 0, rec.count("Network.enable"))
	assert.True(t, tr.isEnabled(domains.Page))
	assert.False(t, tr.isEnabled(domains.Runtime))
}

func TestBringUpContinuesPastAuxiliaryFailure(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	rec.fail["Log.enable"] = &protocol.Error{Code: -32000, Message: "boom"}

	require.NoError(t, tr.bringUp(context.Background(), rec.exec, log.NullLogger(), "sid"))

	assert.False(t, tr.isEnabled(domains.Log))
	assert.True(t, tr.isEnabled(domains.Performance))
	assert.Equal(t, 1, rec.count("Performance.enable"))
}

func TestEnabledDescriptorsFollowBringUpOrder(t *testing.T) {
	t.Parallel()

	tr := newDomainTracker()
	rec := newExecRecorder()
	require.NoError(t, tr.bringUp(context.Background(), rec.exec, log.NullLogger(), "sid"))

	var names []domains.Name
	for _, d := range tr.enabledDescriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []domains.Name{
		domains.Page, domains.Runtime, domains.Network,
		domains.DOM, domains.Log, domains.Performance,
	}, names)
}
