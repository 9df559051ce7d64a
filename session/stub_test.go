package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/protocol"
)

// fakeTransport is a scripted in-process Transport double.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*protocol.Message
	onSend  func(*protocol.Message)
	sendErr error

	recvCh    chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		recvCh: make(chan *protocol.Message, 64),
		done:   make(chan struct{}),
	}
}

func (t *fakeTransport) Send(_ context.Context, msg *protocol.Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	onSend := t.onSend
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return err
	}
	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (t *fakeTransport) Recv() <-chan *protocol.Message { return t.recvCh }
func (t *fakeTransport) Done() <-chan struct{}          { return t.done }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) deliver(msg *protocol.Message) { t.recvCh <- msg }

func (t *fakeTransport) respondOK(id int64, result []byte) {
	t.deliver(&protocol.Message{ID: id, Result: result})
}

func (t *fakeTransport) respondErr(id, code int64, message string) {
	t.deliver(&protocol.Message{ID: id, Error: &protocol.Error{Code: code, Message: message}})
}

// autoRespond answers every sent command with an empty success, except
// the listed methods, which stay pending until the test scripts them.
func (t *fakeTransport) autoRespond(except ...string) {
	skip := make(map[string]bool, len(except))
	for _, m := range except {
		skip[m] = true
	}
	t.mu.Lock()
	t.onSend = func(msg *protocol.Message) {
		if skip[msg.Method] {
			return
		}
		t.respondOK(msg.ID, nil)
	}
	t.mu.Unlock()
}

func (t *fakeTransport) sentMethods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, m := range t.sent {
		out[i] = m.Method
	}
	return out
}

func (t *fakeTransport) countSent(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, m := range t.sent {
		if m.Method == method {
			n++
		}
	}
	return n
}

// waitSent blocks until at least n messages with the given method have
// been sent, returning them.
func (t *fakeTransport) waitSent(tb testing.TB, method string, n int) []*protocol.Message {
	tb.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		t.mu.Lock()
		var got []*protocol.Message
		for _, m := range t.sent {
			if m.Method == method {
				got = append(got, m)
			}
		}
		t.mu.Unlock()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			tb.Fatalf("timeout waiting for %d %q commands, saw %d", n, method, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSession(tb testing.TB, transport *fakeTransport, opts Options) *Session {
	tb.Helper()
	if opts.Logger == nil {
		opts.Logger = log.NullLogger()
	}
	s, err := NewSession(context.Background(), "sid-1", "tid-1", transport, opts)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = s.Close() })
	return s
}
