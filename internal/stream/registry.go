// Package stream holds the id-keyed handler registry shared by the tunnel's
// web streams and the fiber channel.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidStreamID = errors.New("stream: invalid stream id 0")
	ErrRegistryClosed  = errors.New("stream: registry closed")
	ErrStreamExists    = errors.New("stream: stream id already registered")
)

// Handler is one live stream. Close is called exactly once by whichever
// party removes the handler from its registry.
type Handler interface {
	comparable
	Close()
}

// Registry maps stream ids to handlers. The lock covers map mutation only;
// handler Close always runs outside it.
type Registry[H Handler] struct {
	name string
	log  zerolog.Logger

	mu     sync.Mutex
	items  map[uint32]H
	closed bool
}

func NewRegistry[H Handler](name string, log zerolog.Logger) *Registry[H] {
	return &Registry[H]{
		name:  name,
		log:   log,
		items: make(map[uint32]H),
	}
}

// Insert registers h under id. On error the caller still owns h.
func (r *Registry[H]) Insert(id uint32, h H) error {
	if id == 0 {
		return ErrInvalidStreamID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: id=%d", ErrStreamExists, id)
	}
	r.items[id] = h
	return nil
}

func (r *Registry[H]) Get(id uint32) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[id]
	return h, ok
}

// Remove unregisters id and hands ownership of its handler to the caller.
func (r *Registry[H]) Remove(id uint32) (H, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.items[id]
	if ok {
		delete(r.items, id)
	}
	return h, ok
}

// RemoveIf unregisters id only while it still maps to h, so a finished
// handler cannot evict a newer one.
func (r *Registry[H]) RemoveIf(id uint32, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.items[id]
	if !ok || cur != h {
		return false
	}
	delete(r.items, id)
	return true
}

// CloseStream removes id and closes its handler if it was registered.
func (r *Registry[H]) CloseStream(id uint32) bool {
	h, ok := r.Remove(id)
	if ok {
		h.Close()
	}
	return ok
}

func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Drain closes every registered handler and leaves the registry usable.
func (r *Registry[H]) Drain() int {
	return r.drain(false)
}

// Shutdown closes every registered handler and refuses later inserts.
func (r *Registry[H]) Shutdown() int {
	return r.drain(true)
}

func (r *Registry[H]) drain(final bool) int {
	r.mu.Lock()
	if final {
		r.closed = true
	}
	items := r.items
	r.items = make(map[uint32]H)
	r.mu.Unlock()

	for _, h := range items {
		h.Close()
	}
	if len(items) > 0 {
		r.log.Debug().Msgf("stream.Registry drain name=%s closed=%d final=%t", r.name, len(items), final)
	}
	return len(items)
}

// IDAllocator hands out stream ids for client-initiated streams. Ids start
// at 1 and never return 0.
type IDAllocator struct {
	next atomic.Uint32
}

func (a *IDAllocator) Next() uint32 {
	for {
		id := a.next.Add(1)
		if id != 0 {
			return id
		}
	}
}

// Reset restarts allocation at 1.
func (a *IDAllocator) Reset() {
	a.next.Store(0)
}
