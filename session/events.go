package session

import (
	"encoding/json"
	"sync"

	"github.com/treewalk/cdpsession/log"
)

// DefaultBufferCapacity bounds how many payloads are kept per event name
// for replay to late subscribers.
const DefaultBufferCapacity = 100

// Handler consumes one event payload. Handlers run synchronously on the
// session's receive loop and should return quickly.
type Handler func(params json.RawMessage)

type bufEntry struct {
	seq    int64
	params json.RawMessage
}

type subscriber struct {
	id      int64
	handler Handler
	// ready flips once the replay backlog has been drained; live
	// publishes skip the subscriber until then so it never observes an
	// event twice or out of order.
	ready   bool
	lastSeq int64
}

// eventBus keeps one bounded FIFO and an ordered subscriber list per
// event name. Buffers outlive their subscribers: a future subscriber can
// still replay history after the last one is gone.
type eventBus struct {
	logger   *log.Logger
	capacity int

	mu      sync.Mutex
	nextSub int64
	nextSeq map[string]int64
	buffers map[string][]bufEntry
	subs    map[string][]*subscriber
}

func newEventBus(capacity int, logger *log.Logger) *eventBus {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &eventBus{
		logger:   logger,
		capacity: capacity,
		nextSeq:  make(map[string]int64),
		buffers:  make(map[string][]bufEntry),
		subs:     make(map[string][]*subscriber),
	}
}

// publish appends the payload to the event's buffer, evicting the oldest
// entry at capacity, then delivers it to every ready subscriber in
// registration order. Callers serialize publishes per bus; the session
// publishes from its single receive loop.
func (b *eventBus) publish(name string, params json.RawMessage) {
	b.mu.Lock()
	b.nextSeq[name]++
	seq := b.nextSeq[name]
	buf := append(b.buffers[name], bufEntry{seq: seq, params: params})
	if len(buf) > b.capacity {
		buf = buf[1:]
	}
	b.buffers[name] = buf

	var targets []*subscriber
	for _, sub := range b.subs[name] {
		if sub.ready {
			sub.lastSeq = seq
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(name, sub, params)
	}
}

// subscribe registers the handler and replays the buffered payloads for
// that event, oldest first, before any live event reaches it. The
// returned func unsubscribes.
func (b *eventBus) subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	b.nextSub++
	sub := &subscriber{id: b.nextSub, handler: handler}
	b.subs[name] = append(b.subs[name], sub)
	backlog := make([]bufEntry, len(b.buffers[name]))
	copy(backlog, b.buffers[name])
	b.mu.Unlock()

	for {
		for _, e := range backlog {
			b.dispatch(name, sub, e.params)
			sub.lastSeq = e.seq
		}
		b.mu.Lock()
		var missed []bufEntry
		for _, e := range b.buffers[name] {
			if e.seq > sub.lastSeq {
				missed = append(missed, e)
			}
		}
		if len(missed) == 0 {
			sub.ready = true
			b.mu.Unlock()
			break
		}
		// Events arrived while we were replaying; catch up before
		// going live.
		backlog = missed
		b.mu.Unlock()
	}

	return func() { b.unsubscribe(name, sub.id) }
}

func (b *eventBus) unsubscribe(name string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[name]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// dispatch isolates handler failures: a panicking handler is logged and
// delivery to the remaining handlers continues.
func (b *eventBus) dispatch(name string, sub *subscriber, params json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorf("events:dispatch", "handler for %q panicked: %v", name, r)
		}
	}()
	sub.handler(params)
}

// bufferedCount returns the total number of buffered payloads across all
// event names.
func (b *eventBus) bufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int
	for _, buf := range b.buffers {
		n += len(buf)
	}
	return n
}

// clear drops every buffer and subscriber. Used at session teardown.
func (b *eventBus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers = make(map[string][]bufEntry)
	b.subs = make(map[string][]*subscriber)
	b.nextSeq = make(map[string]int64)
}
