// Package webstream proxies the tunnel's web streams: each stream id carries
// one local HTTP request or one local WebSocket connection.
package webstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/stream"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

var ErrDuplicateOpen = errors.New("webstream: open for a live stream id")

const (
	KindHTTP      = "http"
	KindWebSocket = "websocket"
)

// Sender queues one encoded frame on the tunnel connection.
type Sender interface {
	Send(msg []byte) error
}

// Observer counts stream lifecycles, for metrics.
type Observer interface {
	StreamOpened(kind string)
	StreamClosed(kind string)
}

type Config struct {
	Targets Targets
	// ChunkSize bounds the body bytes carried by one response message.
	ChunkSize      int
	RequestTimeout time.Duration
	// DialTimeout bounds each local WebSocket candidate.
	DialTimeout time.Duration
	// OpenWait bounds how long a message for a WebSocket stream is held
	// while its local socket opens, counted from the first held message.
	// Dialing itself is bounded by DialTimeout per candidate.
	OpenWait   time.Duration
	InboxLimit int
	// DropWarnEvery rate-limits the warning for messages on unknown ids.
	DropWarnEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		Targets:        DefaultTargets(),
		ChunkSize:      64 << 10,
		RequestTimeout: 5 * time.Minute,
		DialTimeout:    5 * time.Second,
		OpenWait:       20 * time.Second,
		InboxLimit:     1024,
		DropWarnEvery:  time.Minute,
	}
}

type Option func(*Protocol)

func WithObserver(o Observer) Option                { return func(p *Protocol) { p.obs = o } }
func WithHTTPClient(c *http.Client) Option          { return func(p *Protocol) { p.client = c } }
func WithWebSocketDialer(d *websocket.Dialer) Option { return func(p *Protocol) { p.dialer = d } }

// handler is one live web stream.
type handler interface {
	Close()
	start()
	deliver(msg *wire.WebStreamMsg) error
}

// Protocol is the web stream demultiplexer for one session. HandleMessage
// runs on the session's receive goroutine; every stream does its local I/O
// on goroutines of its own.
type Protocol struct {
	cfg    Config
	sender Sender
	pool   *compression.Pool
	client *http.Client
	dialer *websocket.Dialer
	obs    Observer
	log    zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	reg     *stream.Registry[handler]
	drops   *cache.Cache
	dropped atomic.Uint64
}

func NewProtocol(cfg Config, sender Sender, pool *compression.Pool, log zerolog.Logger, opts ...Option) *Protocol {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.OpenWait <= 0 {
		cfg.OpenWait = def.OpenWait
	}
	if cfg.InboxLimit <= 0 {
		cfg.InboxLimit = def.InboxLimit
	}
	if cfg.DropWarnEvery <= 0 {
		cfg.DropWarnEvery = def.DropWarnEvery
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		cfg:    cfg,
		sender: sender,
		pool:   pool,
		client: &http.Client{CheckRedirect: noRedirects},
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		reg:    stream.NewRegistry[handler]("webstream", log),
		drops:  cache.New(cfg.DropWarnEvery, 0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Redirects are returned to the relay as-is.
func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// HandleMessage routes one upstream message. A returned error is a protocol
// violation and fails the whole connection; stream-local failures close only
// that stream.
func (p *Protocol) HandleMessage(msg *wire.WebStreamMsg) error {
	if msg.StreamID == 0 {
		return stream.ErrInvalidStreamID
	}
	h, ok := p.reg.Get(msg.StreamID)
	if !ok {
		if msg.IsOpenMsg {
			return p.open(msg)
		}
		p.dropUnknown(msg)
		return nil
	}
	if msg.IsOpenMsg {
		return fmt.Errorf("%w: id=%d", ErrDuplicateOpen, msg.StreamID)
	}
	if err := h.deliver(msg); err != nil {
		p.log.Warn().Msgf("webstream.Protocol stream failed id=%d err=%v", msg.StreamID, err)
		if p.reg.RemoveIf(msg.StreamID, h) {
			p.sendClose(msg.StreamID, wire.CloseLocalError)
			h.Close()
		}
	}
	return nil
}

func (p *Protocol) open(msg *wire.WebStreamMsg) error {
	if msg.HTTPContext == nil {
		return fmt.Errorf("%w: id=%d", ErrNoContext, msg.StreamID)
	}
	var h handler
	kind := KindHTTP
	if msg.WebSocketDataType == wire.WebSocketNone {
		h = newHTTPStream(p, msg)
	} else {
		kind = KindWebSocket
		h = newWSStream(p, msg)
	}
	if err := p.reg.Insert(msg.StreamID, h); err != nil {
		h.Close()
		if errors.Is(err, stream.ErrRegistryClosed) {
			return nil
		}
		return err
	}
	p.log.Debug().Msgf("webstream.Protocol open id=%d kind=%s method=%s path=%s", msg.StreamID, kind, msg.HTTPContext.Method, msg.HTTPContext.Path)
	h.start()
	return nil
}

// dropUnknown discards a message for an id that is not live. This is
// usually a stream that just closed, so the warning is rate limited.
func (p *Protocol) dropUnknown(msg *wire.WebStreamMsg) {
	n := p.dropped.Add(1)
	if err := p.drops.Add(strconv.FormatUint(uint64(msg.StreamID), 10), n, cache.DefaultExpiration); err != nil {
		return
	}
	p.log.Warn().Msgf("webstream.Protocol drop unknown id=%d close=%t total_dropped=%d", msg.StreamID, msg.IsCloseMsg, n)
}

// finish unregisters a stream that ended on its own.
func (p *Protocol) finish(id uint32, h handler) {
	if p.reg.RemoveIf(id, h) {
		h.Close()
	}
}

func (p *Protocol) opened(kind string) {
	if p.obs != nil {
		p.obs.StreamOpened(kind)
	}
}

func (p *Protocol) closed(kind string) {
	if p.obs != nil {
		p.obs.StreamClosed(kind)
	}
}

func (p *Protocol) send(m wire.WebStreamMsg) error {
	buf, err := wire.EncodeWebStream(m)
	if err != nil {
		return err
	}
	return p.sender.Send(buf)
}

func (p *Protocol) sendClose(id uint32, reason wire.CloseReason) {
	err := p.send(wire.WebStreamMsg{
		StreamID:          id,
		IsCloseMsg:        true,
		WebSocketDataType: wire.WebSocketNone,
		CloseReason:       reason,
	})
	if err != nil {
		p.log.Debug().Msgf("webstream.Protocol close send id=%d err=%v", id, err)
	}
}

// Len is the number of live streams.
func (p *Protocol) Len() int { return p.reg.Len() }

// Close ends every live stream exactly once. Later opens are ignored.
func (p *Protocol) Close() {
	p.cancel()
	n := p.reg.Shutdown()
	p.log.Debug().Msgf("webstream.Protocol close streams=%d", n)
}

func toWireHeaders(h http.Header) []wire.Header {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []wire.Header
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, wire.Header{Name: k, Value: v})
		}
	}
	return out
}
