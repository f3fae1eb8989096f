package webstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/wire"
)

var errStreamClosed = errors.New("webstream: stream closed")

// httpStream issues one local request and streams the response back as a
// header message, compressed body chunks and a final done+close message.
type httpStream struct {
	p    *Protocol
	id   uint32
	open *wire.WebStreamMsg

	ctx      context.Context
	cancel   context.CancelFunc
	codec    *compression.Context
	in       *inbox
	timedOut atomic.Bool

	// body is fed from inbound data messages when the request body did not
	// fit in the open message.
	bodyR *io.PipeReader
	bodyW *io.PipeWriter

	started atomic.Bool
	once    sync.Once
}

func newHTTPStream(p *Protocol, open *wire.WebStreamMsg) *httpStream {
	ctx, cancel := context.WithCancel(p.ctx)
	s := &httpStream{
		p:      p,
		id:     open.StreamID,
		open:   open,
		ctx:    ctx,
		cancel: cancel,
		codec:  p.pool.NewContext(),
		in:     newInbox(p.cfg.InboxLimit),
	}
	if !open.IsDataTransmissionDone {
		s.bodyR, s.bodyW = io.Pipe()
	}
	return s
}

func (s *httpStream) start() {
	s.started.Store(true)
	s.p.opened(KindHTTP)
	if s.bodyW != nil {
		go s.feed()
	}
	go s.run()
}

func (s *httpStream) deliver(msg *wire.WebStreamMsg) error {
	if msg.IsCloseMsg {
		s.p.log.Debug().Msgf("webstream.httpStream upstream close id=%d reason=%d", s.id, msg.CloseReason)
		s.cancel()
		return nil
	}
	if s.bodyW == nil {
		return nil
	}
	return s.in.push(msg)
}

// Close cancels the request and releases the stream's codecs. Safe to call
// more than once.
func (s *httpStream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.in.close()
		if s.bodyW != nil {
			_ = s.bodyW.CloseWithError(errStreamClosed)
		}
		s.codec.Release()
		if s.started.Load() {
			s.p.closed(KindHTTP)
		}
	})
}

// feed copies inbound body chunks into the request body in arrival order.
func (s *httpStream) feed() {
	if err := s.writeBody(s.open); err != nil {
		_ = s.bodyW.CloseWithError(err)
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			_ = s.bodyW.CloseWithError(s.ctx.Err())
			return
		case <-s.in.wake:
		}
		for {
			msg, ok := s.in.pop()
			if !ok {
				break
			}
			if err := s.writeBody(msg); err != nil {
				_ = s.bodyW.CloseWithError(err)
				return
			}
			if msg.IsDataTransmissionDone {
				_ = s.bodyW.Close()
				return
			}
		}
	}
}

func (s *httpStream) writeBody(msg *wire.WebStreamMsg) error {
	if len(msg.Data) == 0 {
		return nil
	}
	data, err := s.codec.Decompress(msg.DataCompression, msg.Data, int(msg.OriginalDataSize), msg.IsDataTransmissionDone)
	if err != nil {
		return fmt.Errorf("webstream: request body: %w", err)
	}
	_, err = s.bodyW.Write(data)
	return err
}

func (s *httpStream) requestBody() (io.Reader, error) {
	if s.bodyR != nil {
		return s.bodyR, nil
	}
	if len(s.open.Data) == 0 {
		return nil, nil
	}
	data, err := s.codec.Decompress(s.open.DataCompression, s.open.Data, int(s.open.OriginalDataSize), true)
	if err != nil {
		return nil, fmt.Errorf("webstream: request body: %w", err)
	}
	return bytes.NewReader(data), nil
}

func (s *httpStream) run() {
	defer s.p.finish(s.id, s)

	// RequestTimeout bounds the wait for response headers only; bodies
	// such as event streams may run for as long as the stream is open.
	var timer *time.Timer
	if s.p.cfg.RequestTimeout > 0 {
		timer = time.AfterFunc(s.p.cfg.RequestTimeout, func() {
			s.timedOut.Store(true)
			s.cancel()
		})
	}
	resp, err := s.do()
	if timer != nil && !timer.Stop() && s.timedOut.Load() && err == nil {
		_ = resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		if s.ctx.Err() != nil && !s.timedOut.Load() {
			return
		}
		s.p.log.Warn().Msgf("webstream.httpStream request failed id=%d err=%v", s.id, err)
		s.fail(true, err)
		return
	}
	defer resp.Body.Close()

	full := uint64(0)
	if resp.ContentLength > 0 {
		full = uint64(resp.ContentLength)
	}
	err = s.p.send(wire.WebStreamMsg{
		StreamID:           s.id,
		StatusCode:         uint32(resp.StatusCode),
		Headers:            toWireHeaders(resp.Header),
		FullStreamDataSize: full,
		WebSocketDataType:  wire.WebSocketNone,
	})
	if err != nil {
		return
	}
	if err := s.streamBody(resp); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.p.log.Warn().Msgf("webstream.httpStream body failed id=%d err=%v", s.id, err)
		s.fail(false, err)
	}
}

func (s *httpStream) do() (*http.Response, error) {
	c := s.open.HTTPContext
	target, err := s.p.cfg.Targets.httpURL(c)
	if err != nil {
		return nil, err
	}
	body, err := s.requestBody()
	if err != nil {
		return nil, err
	}
	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(s.ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for _, h := range c.Headers {
		if http.CanonicalHeaderKey(h.Name) == "Host" {
			req.Host = h.Value
			continue
		}
		req.Header.Add(h.Name, h.Value)
	}
	return s.p.client.Do(req)
}

// streamBody sends the body in ChunkSize pieces. The piece that ends the
// body carries done and close.
func (s *httpStream) streamBody(resp *http.Response) error {
	if resp.ContentLength >= 0 {
		s.codec.SetDeclaredSize(resp.ContentLength)
	}
	buf := make([]byte, s.p.cfg.ChunkSize)
	var total int64
	for {
		n, err := io.ReadFull(resp.Body, buf)
		last := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !last {
			return err
		}
		total += int64(n)
		if resp.ContentLength >= 0 && total >= resp.ContentLength {
			last = true
		}
		out, cerr := s.codec.Compress(buf[:n], last)
		if cerr != nil {
			return cerr
		}
		err = s.p.send(wire.WebStreamMsg{
			StreamID:               s.id,
			Data:                   out.Data,
			DataCompression:        out.Method,
			OriginalDataSize:       out.OriginalSize,
			WebSocketDataType:      wire.WebSocketNone,
			IsDataTransmissionDone: last,
			IsCloseMsg:             last,
			CloseReason:            wire.CloseNormal,
		})
		if err != nil || last {
			return err
		}
	}
}

// fail reports a local failure upstream. Before any response header went
// out the relay gets a 502 so it can answer its client.
func (s *httpStream) fail(beforeHeaders bool, err error) {
	reason := wire.CloseLocalError
	if s.timedOut.Load() || errors.Is(err, context.DeadlineExceeded) {
		reason = wire.CloseTimeout
	}
	m := wire.WebStreamMsg{
		StreamID:               s.id,
		IsCloseMsg:             true,
		IsDataTransmissionDone: true,
		WebSocketDataType:      wire.WebSocketNone,
		CloseReason:            reason,
	}
	if beforeHeaders {
		m.StatusCode = http.StatusBadGateway
		if reason == wire.CloseTimeout {
			m.StatusCode = http.StatusGatewayTimeout
		}
	}
	if serr := s.p.send(m); serr != nil {
		s.p.log.Debug().Msgf("webstream.httpStream close send id=%d err=%v", s.id, serr)
	}
}
