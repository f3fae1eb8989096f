package fiber

import (
	"bytes"
	"sync"

	"github.com/danmuck/homelink/internal/protocol/wire"
)

type callState int

const (
	stateCreated callState = iota
	stateOpenSent
	stateAwaiting
	stateComplete
	stateAborted
)

// call is one fiber stream. The receive goroutine feeds it; the caller that
// opened it waits on done.
type call struct {
	id        uint32
	op        wire.SageOperation
	streaming bool

	mu       sync.Mutex
	state    callState
	data     bytes.Buffer
	pending  [][]byte
	received int
	status   uint32
	err      error

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newCall(id uint32, op wire.SageOperation, streaming bool) *call {
	return &call{
		id:        id,
		op:        op,
		streaming: streaming,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Close is the registry teardown path: the connection went away.
func (c *call) Close() {
	c.finish(ErrConnectionReset)
}

func (c *call) setState(s callState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state < stateComplete {
		c.state = s
	}
}

// receive records one data chunk. Streaming calls queue chunks for the
// caller's callback; the rest accumulate a single body.
func (c *call) receive(data []byte) {
	c.mu.Lock()
	if c.state >= stateComplete {
		c.mu.Unlock()
		return
	}
	c.received += len(data)
	c.state = stateAwaiting
	if c.streaming {
		c.pending = append(c.pending, data)
	} else {
		c.data.Write(data)
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// takePending hands queued streaming chunks to the caller.
func (c *call) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func (c *call) complete(status uint32) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = stateComplete
		c.status = status
		c.mu.Unlock()
		close(c.done)
	})
}

// finish ends the call with err. Only the first completion counts.
func (c *call) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = stateAborted
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *call) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// failure is the terminal error once the call has ended, or nil.
func (c *call) failure() error {
	if !c.finished() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *call) receivedBytes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.received
}

func (c *call) result() (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Response{}, c.err
	}
	status := c.status
	if status == 0 {
		status = 200
	}
	return Response{StatusCode: status, Data: append([]byte(nil), c.data.Bytes()...)}, nil
}
