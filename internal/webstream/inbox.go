package webstream

import (
	"errors"
	"sync"

	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/eapache/queue"
)

var errInboxFull = errors.New("webstream: stream inbox full")

// inbox buffers upstream messages for one stream so the demux goroutine
// never waits on a local socket.
type inbox struct {
	limit int

	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	wake   chan struct{}
}

func newInbox(limit int) *inbox {
	return &inbox{limit: limit, q: queue.New(), wake: make(chan struct{}, 1)}
}

func (b *inbox) push(msg *wire.WebStreamMsg) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if b.limit > 0 && b.q.Length() >= b.limit {
		b.mu.Unlock()
		return errInboxFull
	}
	b.q.Add(msg)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// pop returns the next message, or false when the inbox is empty.
func (b *inbox) pop() (*wire.WebStreamMsg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return nil, false
	}
	return b.q.Remove().(*wire.WebStreamMsg), true
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.q = queue.New()
}
