package ws

import (
	"context"
	"sync"

	"github.com/treewalk/cdpsession/log"
	"github.com/treewalk/cdpsession/session"
)

// Target binds a debuggable target identity to its devtools websocket
// URL. It satisfies session.Target: each attach dials a fresh
// connection.
type Target struct {
	id     string
	url    string
	logger *log.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewTarget returns a target for the page exposed at devtoolsURL.
func NewTarget(id, devtoolsURL string, logger *log.Logger) *Target {
	return &Target{
		id:     id,
		url:    devtoolsURL,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (t *Target) ID() string { return t.id }

// NewTransport dials a fresh connection for this target.
func (t *Target) NewTransport(ctx context.Context) (session.Transport, error) {
	return Dial(ctx, t.url, t.logger)
}

// Closed is closed once the host marks the target invalid.
func (t *Target) Closed() <-chan struct{} { return t.closed }

// MarkClosed signals that the target is gone; the registry detaches its
// session in response.
func (t *Target) MarkClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}
