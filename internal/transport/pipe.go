package transport

import (
	"sync"
)

// NewPipe returns two connected in-memory MessageConns. Closing either end
// closes both.
func NewPipe() (MessageConn, MessageConn) {
	ab := make(chan []byte, 256)
	ba := make(chan []byte, 256)
	shared := &pipeShared{closed: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared}, &pipeEnd{in: ab, out: ba, shared: shared}
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	shared *pipeShared
}

func (p *pipeEnd) ReadMessage() ([]byte, error) {
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.shared.closed:
		return nil, ErrClosed
	}
}

func (p *pipeEnd) WriteMessage(data []byte) error {
	select {
	case <-p.shared.closed:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.out <- buf:
		return nil
	case <-p.shared.closed:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
