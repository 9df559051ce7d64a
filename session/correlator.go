package session

import (
	"sync"
	"time"

	"github.com/treewalk/cdpsession/protocol"
)

// pendingCommand exists from the moment a command is registered until a
// matching response arrives or the session closes.
type pendingCommand struct {
	method      string
	submittedAt time.Time
	resultCh    chan *protocol.Message
}

// correlator assigns strictly increasing ids to outgoing commands and
// matches incoming responses to them. Correlation is by id only, never
// by arrival order.
type correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCommand
	closed  bool
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[int64]*pendingCommand),
	}
}

// register allocates the next command id and a channel its response will
// be delivered on. The channel is closed without a value if the session
// closes first.
func (c *correlator) register(method string) (int64, <-chan *protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, protocol.ErrConnectionClosed
	}
	c.nextID++
	pc := &pendingCommand{
		method:      method,
		submittedAt: time.Now(),
		resultCh:    make(chan *protocol.Message, 1),
	}
	c.pending[c.nextID] = pc
	return c.nextID, pc.resultCh, nil
}

// drop abandons a pending entry without resolving it. A response for a
// dropped id is then discarded like any other unknown id.
func (c *correlator) drop(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve routes a response to the pending command whose id matches it.
// It reports false for late or duplicate responses, which the caller
// discards.
func (c *correlator) resolve(msg *protocol.Message) bool {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.resultCh <- msg
	return true
}

// failAll rejects every pending command and refuses new registrations.
// It returns how many commands were outstanding.
func (c *correlator) failAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	n := len(c.pending)
	for id, pc := range c.pending {
		delete(c.pending, id)
		close(pc.resultCh)
	}
	return n
}

func (c *correlator) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// oldestPendingAge returns how long the oldest still-pending command has
// been outstanding, zero if none is.
func (c *correlator) oldestPendingAge(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var oldest time.Time
	for _, pc := range c.pending {
		if oldest.IsZero() || pc.submittedAt.Before(oldest) {
			oldest = pc.submittedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
