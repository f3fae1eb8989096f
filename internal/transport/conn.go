// Package transport wraps one message-oriented socket in an explicit
// {Connecting, Open, Closing, Closed} state machine exposed as a send queue
// plus a receive stream.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

var (
	ErrNotOpen        = errors.New("transport: connection not open")
	ErrClosed         = errors.New("transport: connection closed")
	ErrSendQueueFull  = errors.New("transport: send queue full")
	ErrBadTransition  = errors.New("transport: invalid state transition")
	ErrAlreadyStarted = errors.New("transport: connection already started")
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var transitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosing},
	StateOpen:       {StateClosing},
	StateClosing:    {StateClosed},
}

// MessageConn is one duplex socket carrying whole binary messages.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Config struct {
	// MaxQueued bounds the outbound queue. Zero means unbounded.
	MaxQueued int
	// RecvBuffer is the receive channel capacity.
	RecvBuffer int
}

func DefaultConfig() Config {
	return Config{MaxQueued: 4096, RecvBuffer: 64}
}

// Conn owns one MessageConn. Send never blocks on the network: messages go
// to a FIFO drained by a dedicated writer goroutine. Received messages are
// delivered in order on Recv until Done is closed.
type Conn struct {
	cfg  Config
	log  zerolog.Logger
	name string

	mu      sync.Mutex
	state   State
	raw     MessageConn
	sendQ   *queue.Queue
	failErr error

	wake     chan struct{}
	recv     chan []byte
	done     chan struct{}
	lastSeen atomic.Int64
	sent     atomic.Uint64
	received atomic.Uint64
}

// NewPending returns a Conn in StateConnecting. Start attaches the socket
// once it is dialed; Close before Start makes Start fail and close the socket.
func NewPending(name string, cfg Config, log zerolog.Logger) *Conn {
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = DefaultConfig().RecvBuffer
	}
	c := &Conn{
		cfg:   cfg,
		log:   log,
		name:  name,
		state: StateConnecting,
		sendQ: queue.New(),
		wake:  make(chan struct{}, 1),
		recv:  make(chan []byte, cfg.RecvBuffer),
		done:  make(chan struct{}),
	}
	c.touch()
	return c
}

// NewConn wraps an already connected socket and starts its loops.
func NewConn(name string, raw MessageConn, cfg Config, log zerolog.Logger) *Conn {
	c := NewPending(name, cfg, log)
	if err := c.Start(raw); err != nil {
		log.Warn().Msgf("transport.NewConn start name=%s err=%v", name, err)
	}
	return c
}

// transition is the only place state changes. It reports the prior state.
func (c *Conn) transitionLocked(to State) (State, error) {
	from := c.state
	for _, allowed := range transitions[from] {
		if allowed == to {
			c.state = to
			return from, nil
		}
	}
	return from, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
}

// Start moves Connecting to Open and launches the reader and writer.
func (c *Conn) Start(raw MessageConn) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		closed := c.state >= StateClosing
		c.mu.Unlock()
		if closed {
			_ = raw.Close()
			return ErrClosed
		}
		return ErrAlreadyStarted
	}
	if _, err := c.transitionLocked(StateOpen); err != nil {
		c.mu.Unlock()
		return err
	}
	c.raw = raw
	c.mu.Unlock()

	c.touch()
	go c.readLoop(raw)
	go c.writeLoop(raw)
	return nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) Name() string { return c.name }

// Send queues one message. It fails once the connection leaves StateOpen.
func (c *Conn) Send(msg []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: state=%s", ErrNotOpen, state)
	}
	if c.cfg.MaxQueued > 0 && c.sendQ.Length() >= c.cfg.MaxQueued {
		c.mu.Unlock()
		return ErrSendQueueFull
	}
	c.sendQ.Add(msg)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) Recv() <-chan []byte { return c.recv }

// Done is closed once the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended: the first socket error, or
// ErrClosed for a local close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	if c.state >= StateClosing {
		return ErrClosed
	}
	return nil
}

// LastActivity is the time of the most recent send or receive.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Counters returns messages sent and received so far.
func (c *Conn) Counters() (sent, received uint64) {
	return c.sent.Load(), c.received.Load()
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// Close is idempotent in effect but always closes the underlying socket,
// since a single close has been seen not to release it.
func (c *Conn) Close() error {
	c.mu.Lock()
	raw := c.raw
	first := c.state == StateOpen || c.state == StateConnecting
	if first {
		_, _ = c.transitionLocked(StateClosing)
	}
	c.mu.Unlock()

	var err error
	if raw != nil {
		err = raw.Close()
	}
	c.finish()
	if first {
		c.log.Debug().Msgf("transport.Conn close name=%s", c.name)
	}
	return err
}

// fail records a socket error and tears the connection down. Errors that
// arrive after a close was requested are dropped.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.failErr = err
	_, _ = c.transitionLocked(StateClosing)
	raw := c.raw
	c.mu.Unlock()

	c.log.Debug().Msgf("transport.Conn fail name=%s err=%v", c.name, err)
	if raw != nil {
		_ = raw.Close()
	}
	c.finish()
}

func (c *Conn) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing {
		return
	}
	_, _ = c.transitionLocked(StateClosed)
	dropped := c.sendQ.Length()
	c.sendQ = queue.New()
	close(c.done)
	if dropped > 0 {
		c.log.Debug().Msgf("transport.Conn dropped queued messages name=%s count=%d", c.name, dropped)
	}
}

func (c *Conn) readLoop(raw MessageConn) {
	for {
		msg, err := raw.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		c.received.Add(1)
		c.touch()
		select {
		case c.recv <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop(raw MessageConn) {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if c.state != StateOpen || c.sendQ.Length() == 0 {
				c.mu.Unlock()
				break
			}
			msg := c.sendQ.Remove().([]byte)
			c.mu.Unlock()

			if err := raw.WriteMessage(msg); err != nil {
				c.fail(err)
				return
			}
			c.sent.Add(1)
			c.touch()
		}
	}
}
