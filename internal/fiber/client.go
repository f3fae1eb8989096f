// Package fiber is the speech and chat RPC channel. It multiplexes calls
// over its own relay connection, separate from the tunnel, and authenticates
// with request headers instead of the challenge handshake.
package fiber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/stream"
	"github.com/rs/zerolog"
)

var (
	ErrNoResponse       = errors.New("fiber: no response")
	ErrTimeout          = errors.New("fiber: response timed out")
	ErrAborted          = errors.New("fiber: call aborted")
	ErrAccountNotLinked = errors.New("fiber: account not linked, link your account to use voice and chat")
	ErrUploadInProgress = errors.New("fiber: upload already in progress")
	ErrNoUpload         = errors.New("fiber: no upload in progress")
	ErrNotConnected     = errors.New("fiber: not connected")
	ErrConnectionReset  = errors.New("fiber: connection reset")
)

// StatusError is a non-200 status sent by the server.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fiber: status %d", e.Code)
	}
	return fmt.Sprintf("fiber: status %d: %s", e.Code, e.Message)
}

// statusError maps a server status to its error. 401 always means the
// account is not linked, whatever else the message says.
func statusError(code uint32, msg string) error {
	if code == http.StatusUnauthorized {
		return ErrAccountNotLinked
	}
	return &StatusError{Code: code, Message: msg}
}

type Sender interface {
	Send(msg []byte) error
}

type Config struct {
	// Timeout bounds each blocking wait, and the gap between streamed chunks.
	Timeout time.Duration
	// AttachmentCompressMin is the side payload size at which compression
	// starts.
	AttachmentCompressMin int
}

func DefaultConfig() Config {
	return Config{
		Timeout:               20 * time.Second,
		AttachmentCompressMin: 16 << 10,
	}
}

// Attachment is a large named side payload sent next to a request body.
type Attachment struct {
	Name string
	Data []byte
}

type Request struct {
	Data        []byte
	Context     *wire.DataContext
	Attachments []Attachment
}

type Response struct {
	StatusCode uint32
	Data       []byte
}

// ListenChunk is one piece of a streamed speech upload. Start opens the
// upload; Done ends it and waits for the transcription.
type ListenChunk struct {
	Start   bool
	Data    []byte
	Context *wire.DataContext
	Done    bool
}

// Client issues fiber calls. Ids are valid for one connection only: Reset
// releases every waiter and restarts ids at 1.
type Client struct {
	cfg  Config
	pool *compression.Pool
	log  zerolog.Logger
	reg  *stream.Registry[*call]
	ids  stream.IDAllocator

	mu     sync.Mutex
	sender Sender

	uploadMu sync.Mutex
	uploads  map[wire.SageOperation]*call
}

func NewClient(cfg Config, pool *compression.Pool, log zerolog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.AttachmentCompressMin <= 0 {
		cfg.AttachmentCompressMin = def.AttachmentCompressMin
	}
	return &Client{
		cfg:     cfg,
		pool:    pool,
		log:     log,
		reg:     stream.NewRegistry[*call]("fiber", log),
		uploads: make(map[wire.SageOperation]*call),
	}
}

// Attach binds the client to a freshly opened connection.
func (c *Client) Attach(s Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sender = s
	c.ids.Reset()
	c.log.Debug().Msg("fiber.Client attach")
}

// Reset detaches the connection. Every in-flight call fails with
// ErrConnectionReset immediately.
func (c *Client) Reset() {
	c.mu.Lock()
	c.sender = nil
	c.ids.Reset()
	n := c.reg.Drain()
	c.mu.Unlock()

	c.uploadMu.Lock()
	clear(c.uploads)
	c.uploadMu.Unlock()
	c.log.Debug().Msgf("fiber.Client reset released=%d", n)
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sender != nil
}

// Chat sends one request and waits for the full reply.
func (c *Client) Chat(ctx context.Context, req Request) (Response, error) {
	cl, err := c.open(wire.SageChat, req, true, false)
	if err != nil {
		return Response{}, err
	}
	return c.wait(ctx, cl)
}

// Listen streams speech upstream. Chunks without Done return at once and
// fail only when the server already ended the upload; the Done chunk blocks
// for the result.
func (c *Client) Listen(ctx context.Context, chunk ListenChunk) (Response, error) {
	c.uploadMu.Lock()
	up := c.uploads[wire.SageListen]
	if chunk.Start {
		if up != nil && !up.finished() {
			c.uploadMu.Unlock()
			return Response{}, ErrUploadInProgress
		}
		cl, err := c.open(wire.SageListen, Request{Data: chunk.Data, Context: chunk.Context}, chunk.Done, false)
		if err != nil {
			delete(c.uploads, wire.SageListen)
			c.uploadMu.Unlock()
			return Response{}, err
		}
		if !chunk.Done {
			c.uploads[wire.SageListen] = cl
			c.uploadMu.Unlock()
			return Response{}, nil
		}
		delete(c.uploads, wire.SageListen)
		c.uploadMu.Unlock()
		return c.wait(ctx, cl)
	}

	if up == nil {
		c.uploadMu.Unlock()
		return Response{}, ErrNoUpload
	}
	if err := up.failure(); err != nil {
		delete(c.uploads, wire.SageListen)
		c.uploadMu.Unlock()
		return Response{}, err
	}
	err := c.send(wire.SageStreamMessage{
		StreamID:               up.id,
		Data:                   chunk.Data,
		Type:                   wire.SageListen,
		IsDataTransmissionDone: chunk.Done,
	})
	if err != nil || chunk.Done {
		delete(c.uploads, wire.SageListen)
	}
	c.uploadMu.Unlock()
	if err != nil {
		c.abort(up, err)
		return Response{}, err
	}
	if !chunk.Done {
		return Response{}, nil
	}
	up.setState(stateAwaiting)
	return c.wait(ctx, up)
}

// ResetListen abandons any open upload so a new one can start.
func (c *Client) ResetListen() {
	c.uploadMu.Lock()
	up := c.uploads[wire.SageListen]
	delete(c.uploads, wire.SageListen)
	c.uploadMu.Unlock()
	if up != nil {
		c.log.Debug().Msgf("fiber.Client reset listen id=%d", up.id)
		c.abort(up, ErrAborted)
	}
}

// Speak sends one request and hands each response chunk to onChunk, in
// order, on the calling goroutine. It returns after the final chunk, an
// abort, a timeout between chunks, or an error from onChunk.
func (c *Client) Speak(ctx context.Context, req Request, onChunk func(chunk []byte) error) error {
	cl, err := c.open(wire.SageSpeak, req, true, true)
	if err != nil {
		return err
	}
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	deliver := func() error {
		for _, chunk := range cl.takePending() {
			if err := onChunk(chunk); err != nil {
				c.abort(cl, err)
				return err
			}
		}
		return nil
	}
	for {
		select {
		case <-cl.wake:
			if err := deliver(); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.Timeout)
		case <-cl.done:
			if err := cl.failure(); err != nil {
				return err
			}
			return deliver()
		case <-timer.C:
			err := c.timeoutErr(cl)
			c.abort(cl, err)
			return err
		case <-ctx.Done():
			c.abort(cl, ctx.Err())
			return ctx.Err()
		}
	}
}

// Abort tells the server to drop stream id. It is safe after completion.
func (c *Client) Abort(id uint32) error {
	if cl, ok := c.reg.Remove(id); ok {
		cl.finish(ErrAborted)
	}
	return c.send(wire.SageStreamMessage{StreamID: id, IsAbortMsg: true})
}

// HandleMessage routes one inbound frame to its call. Messages for ids that
// are no longer live are dropped.
func (c *Client) HandleMessage(m *wire.SageStreamMessage) error {
	if m.StreamID == 0 {
		return stream.ErrInvalidStreamID
	}
	cl, ok := c.reg.Get(m.StreamID)
	if !ok {
		c.log.Debug().Msgf("fiber.Client drop unknown id=%d abort=%t", m.StreamID, m.IsAbortMsg)
		return nil
	}
	// A failure status wins over every other field, abort included.
	switch {
	case m.StatusCode != 0 && m.StatusCode != http.StatusOK:
		c.reg.RemoveIf(m.StreamID, cl)
		cl.finish(statusError(m.StatusCode, m.ErrorMessage))
	case m.IsAbortMsg:
		c.reg.RemoveIf(m.StreamID, cl)
		cl.finish(ErrAborted)
	default:
		if len(m.Data) > 0 {
			cl.receive(m.Data)
		}
		if m.IsDataTransmissionDone {
			c.reg.RemoveIf(m.StreamID, cl)
			cl.complete(m.StatusCode)
		}
	}
	return nil
}

func (c *Client) open(op wire.SageOperation, req Request, done, streaming bool) (*call, error) {
	dc, err := c.dataContext(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	sender := c.sender
	if sender == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	cl := newCall(c.ids.Next(), op, streaming)
	if err := c.reg.Insert(cl.id, cl); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	buf, err := wire.EncodeSage(wire.SageStreamMessage{
		StreamID:               cl.id,
		IsOpenMsg:              true,
		IsDataTransmissionDone: done,
		Data:                   req.Data,
		Type:                   op,
		DataContext:            dc,
	})
	if err == nil {
		err = sender.Send(buf)
	}
	if err != nil {
		c.reg.RemoveIf(cl.id, cl)
		cl.finish(err)
		return nil, err
	}
	cl.setState(stateOpenSent)
	c.log.Debug().Msgf("fiber.Client open id=%d op=%s done=%t", cl.id, op, done)
	return cl, nil
}

// dataContext attaches side payloads, compressing the large ones one-shot.
func (c *Client) dataContext(req Request) (*wire.DataContext, error) {
	if len(req.Attachments) == 0 {
		return req.Context, nil
	}
	dc := &wire.DataContext{DataType: wire.DataTypeJSON}
	if req.Context != nil {
		cp := *req.Context
		dc = &cp
	}
	dc.SidePayloads = nil
	for _, a := range req.Attachments {
		sp := wire.SidePayload{
			Name:         a.Name,
			Data:         a.Data,
			Compression:  compression.MethodNone,
			OriginalSize: uint32(len(a.Data)),
		}
		if len(a.Data) >= c.cfg.AttachmentCompressMin {
			cc := c.pool.NewContext()
			cc.SetDeclaredSize(int64(len(a.Data)))
			out, err := cc.Compress(a.Data, true)
			cc.Release()
			if err != nil {
				return nil, fmt.Errorf("fiber: compress attachment %s: %w", a.Name, err)
			}
			sp.Data = out.Data
			sp.Compression = out.Method
		}
		dc.SidePayloads = append(dc.SidePayloads, sp)
	}
	return dc, nil
}

func (c *Client) send(m wire.SageStreamMessage) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return ErrNotConnected
	}
	buf, err := wire.EncodeSage(m)
	if err != nil {
		return err
	}
	return sender.Send(buf)
}

func (c *Client) wait(ctx context.Context, cl *call) (Response, error) {
	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-cl.done:
		return cl.result()
	case <-timer.C:
		err := c.timeoutErr(cl)
		c.abort(cl, err)
		return Response{}, err
	case <-ctx.Done():
		c.abort(cl, ctx.Err())
		return Response{}, ctx.Err()
	}
}

// timeoutErr separates silence from a reply that stalled part way.
func (c *Client) timeoutErr(cl *call) error {
	if cl.receivedBytes() == 0 {
		return ErrNoResponse
	}
	return ErrTimeout
}

// abort ends cl locally with err and tells the server to drop it. A call
// that is no longer registered was already ended by the server or by Reset,
// and after Reset its id may name a stream on the new connection.
func (c *Client) abort(cl *call, err error) {
	live := c.reg.RemoveIf(cl.id, cl)
	cl.finish(err)
	if !live {
		return
	}
	if serr := c.send(wire.SageStreamMessage{StreamID: cl.id, IsAbortMsg: true, Type: cl.op}); serr != nil {
		c.log.Debug().Msgf("fiber.Client abort send id=%d err=%v", cl.id, serr)
	}
}
