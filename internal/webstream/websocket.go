package webstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/gorilla/websocket"
)

var ErrOpenTimeout = errors.New("webstream: local websocket did not open in time")

// Headers the websocket dialer sets itself and refuses from callers.
var dialerOwned = map[string]bool{
	"Host":                     true,
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
}

// wsStream bridges one relay WebSocket stream to a local WebSocket. Once a
// candidate address opens the stream is bound to it for life.
type wsStream struct {
	p    *Protocol
	id   uint32
	open *wire.WebStreamMsg

	ctx    context.Context
	cancel context.CancelFunc
	codec  *compression.Context
	in     *inbox
	opened chan struct{}

	mu             sync.Mutex
	conn           *websocket.Conn
	closed         bool
	upstreamClosed bool

	started    atomic.Bool
	once       sync.Once
	notifyOnce sync.Once
}

func newWSStream(p *Protocol, open *wire.WebStreamMsg) *wsStream {
	ctx, cancel := context.WithCancel(p.ctx)
	s := &wsStream{
		p:      p,
		id:     open.StreamID,
		open:   open,
		ctx:    ctx,
		cancel: cancel,
		codec:  p.pool.NewContext(),
		in:     newInbox(p.cfg.InboxLimit),
		opened: make(chan struct{}),
	}
	if len(open.Data) > 0 {
		_ = s.in.push(open)
	}
	return s
}

func (s *wsStream) start() {
	s.started.Store(true)
	s.p.opened(KindWebSocket)
	go s.pump()
	go s.run()
}

// deliver queues an upstream frame. Frames that arrive before the local
// socket opens wait in the inbox; pump gives up OpenWait after the first.
func (s *wsStream) deliver(msg *wire.WebStreamMsg) error {
	if msg.IsCloseMsg {
		select {
		case <-s.opened:
		default:
			s.mu.Lock()
			s.upstreamClosed = true
			s.mu.Unlock()
			s.p.finish(s.id, s)
			return nil
		}
	}
	return s.in.push(msg)
}

func (s *wsStream) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		s.in.close()
		if conn != nil {
			_ = conn.Close()
		}
		s.codec.Release()
		if s.started.Load() {
			s.p.closed(KindWebSocket)
		}
	})
}

// run dials the local side, then copies local frames upstream until the
// local socket ends.
func (s *wsStream) run() {
	defer s.p.finish(s.id, s)

	conn, target, err := s.dial()
	if err != nil {
		if s.ctx.Err() == nil {
			s.p.log.Warn().Msgf("webstream.wsStream open failed id=%d err=%v", s.id, err)
			s.closeUpstream(wire.CloseLocalError)
		}
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	close(s.opened)
	s.p.log.Debug().Msgf("webstream.wsStream open id=%d url=%s", s.id, target)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.localEnded(err)
			return
		}
		if err := s.forward(mt, data); err != nil {
			s.p.log.Warn().Msgf("webstream.wsStream upstream send id=%d err=%v", s.id, err)
			s.closeUpstream(wire.CloseLocalError)
			return
		}
	}
}

// dial tries each candidate in order and stops at the first that opens.
func (s *wsStream) dial() (*websocket.Conn, string, error) {
	candidates, err := s.p.cfg.Targets.wsCandidates(s.open.HTTPContext)
	if err != nil {
		return nil, "", err
	}
	header := http.Header{}
	for _, h := range s.open.HTTPContext.Headers {
		if dialerOwned[http.CanonicalHeaderKey(h.Name)] {
			continue
		}
		header.Add(h.Name, h.Value)
	}
	var lastErr error
	for _, u := range candidates {
		ctx, cancel := context.WithTimeout(s.ctx, s.p.cfg.DialTimeout)
		conn, resp, err := s.p.dialer.DialContext(ctx, u, header)
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			return conn, u, nil
		}
		lastErr = err
		s.p.log.Debug().Msgf("webstream.wsStream candidate failed id=%d url=%s err=%v", s.id, u, err)
		if s.ctx.Err() != nil {
			return nil, "", s.ctx.Err()
		}
	}
	return nil, "", fmt.Errorf("%w: tried=%d last=%v", ErrAllCandidates, len(candidates), lastErr)
}

func (s *wsStream) forward(mt int, data []byte) error {
	wsType := wire.WebSocketBinary
	if mt == websocket.TextMessage {
		wsType = wire.WebSocketText
	}
	out, err := s.codec.Compress(data, false)
	if err != nil {
		return err
	}
	return s.p.send(wire.WebStreamMsg{
		StreamID:          s.id,
		Data:              out.Data,
		DataCompression:   out.Method,
		OriginalDataSize:  out.OriginalSize,
		WebSocketDataType: wsType,
	})
}

func (s *wsStream) localEnded(err error) {
	s.mu.Lock()
	quiet := s.upstreamClosed || s.closed
	s.mu.Unlock()
	if quiet {
		return
	}
	reason := wire.CloseLocalError
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = wire.CloseNormal
	} else {
		s.p.log.Debug().Msgf("webstream.wsStream local error id=%d err=%v", s.id, err)
	}
	s.closeUpstream(reason)
}

// closeUpstream tells the relay this stream is over, at most once.
func (s *wsStream) closeUpstream(reason wire.CloseReason) {
	s.notifyOnce.Do(func() {
		err := s.p.send(wire.WebStreamMsg{
			StreamID:          s.id,
			IsCloseMsg:        true,
			WebSocketDataType: wire.WebSocketClose,
			CloseReason:       reason,
		})
		if err != nil {
			s.p.log.Debug().Msgf("webstream.wsStream close send id=%d err=%v", s.id, err)
		}
	})
}

// pump writes upstream frames to the local socket in arrival order. The
// dial outcome belongs to run; pump only bounds how long a frame that
// arrived before the open may wait, counted from that frame.
func (s *wsStream) pump() {
	var hold *time.Timer
	var holdC <-chan time.Time
	defer func() {
		if hold != nil {
			hold.Stop()
		}
	}()
	for opened := false; !opened; {
		if hold == nil && s.in.len() > 0 {
			hold = time.NewTimer(s.p.cfg.OpenWait)
			holdC = hold.C
		}
		select {
		case <-s.opened:
			opened = true
		case <-s.in.wake:
		case <-holdC:
			s.p.log.Warn().Msgf("webstream.wsStream id=%d wait=%s err=%v", s.id, s.p.cfg.OpenWait, ErrOpenTimeout)
			s.closeUpstream(wire.CloseTimeout)
			s.p.finish(s.id, s)
			return
		case <-s.ctx.Done():
			return
		}
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	for {
		for {
			msg, ok := s.in.pop()
			if !ok {
				break
			}
			done, err := s.write(conn, msg)
			if err != nil {
				s.p.log.Debug().Msgf("webstream.wsStream local write id=%d err=%v", s.id, err)
				s.closeUpstream(wire.CloseLocalError)
				s.p.finish(s.id, s)
				return
			}
			if done {
				s.p.finish(s.id, s)
				return
			}
		}
		select {
		case <-s.in.wake:
		case <-s.ctx.Done():
			return
		}
	}
}

// write forwards one upstream frame. It reports true once the relay has
// closed the stream.
func (s *wsStream) write(conn *websocket.Conn, msg *wire.WebStreamMsg) (bool, error) {
	if msg.IsCloseMsg || msg.WebSocketDataType == wire.WebSocketClose {
		s.mu.Lock()
		s.upstreamClosed = true
		s.mu.Unlock()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		return true, nil
	}
	var data []byte
	if len(msg.Data) > 0 {
		var err error
		data, err = s.codec.Decompress(msg.DataCompression, msg.Data, int(msg.OriginalDataSize), false)
		if err != nil {
			return false, err
		}
	}
	mt := websocket.BinaryMessage
	if msg.WebSocketDataType == wire.WebSocketText {
		mt = websocket.TextMessage
	}
	return false, conn.WriteMessage(mt, data)
}
