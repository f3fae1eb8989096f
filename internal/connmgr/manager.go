// Package connmgr keeps one live connection to a relay endpoint: it dials,
// hands each connection to a Handler, and reconnects with backoff when the
// connection ends.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrClosed        = errors.New("connmgr: manager closed")
	ErrRunForElapsed = errors.New("connmgr: run-for lifetime elapsed")
	ErrURLRequired   = errors.New("connmgr: url required")
	ErrPanic         = errors.New("connmgr: panic in connection loop")
)

// Link is one live connection produced by a Dialer.
type Link interface {
	Send(msg []byte) error
	Recv() <-chan []byte
	Done() <-chan struct{}
	Err() error
	Close() error
	LastActivity() time.Time
}

type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Link, error)
}

type DialerFunc func(ctx context.Context, url string, header http.Header) (Link, error)

func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Link, error) {
	return f(ctx, url, header)
}

// Handler drives one connection. Serve blocks until the connection should
// end and returns why; the manager closes the link afterwards.
type Handler interface {
	Header() http.Header
	Serve(ctx context.Context, ctl *Controller, link Link) error
}

// Endpoints offers a lower-latency alternate to the default endpoint.
type Endpoints interface {
	Alternate(def string) (string, bool)
	Block(url string)
}

// Observer receives lifecycle events, for metrics.
type Observer interface {
	OnConnect(name string)
	OnDisconnect(name string, err error)
	OnBackoff(name string, d time.Duration)
}

type Config struct {
	Name    string
	URL     string
	Primary bool
	Backoff BackoffConfig
	// DialTimeout bounds one dial including the websocket upgrade.
	DialTimeout time.Duration

	// RunFor rotates the connection once it is older than RunFor and has
	// been idle for RunForMinIdle. RunForMaxDefer caps how long activity
	// can postpone the rotation. Zero RunFor disables rotation.
	RunFor              time.Duration
	RunForMinIdle       time.Duration
	RunForMaxDefer      time.Duration
	RunForCheckInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:                "tunnel",
		Primary:             true,
		Backoff:             TunnelBackoff(),
		DialTimeout:         30 * time.Second,
		RunForMinIdle:       30 * time.Second,
		RunForMaxDefer:      30 * time.Minute,
		RunForCheckInterval: 5 * time.Second,
	}
}

type Option func(*Manager)

func WithEndpoints(e Endpoints) Option { return func(m *Manager) { m.endpoints = e } }
func WithObserver(o Observer) Option   { return func(m *Manager) { m.observer = o } }

// Manager keeps exactly one connection alive. Run drives it; Close stops it.
type Manager struct {
	cfg       Config
	dialer    Dialer
	handler   Handler
	log       zerolog.Logger
	endpoints Endpoints
	observer  Observer
	policy    Policy
	jitter    *jitterSource
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time

	mu           sync.Mutex
	closed       bool
	cancel       context.CancelFunc
	link         Link
	sessionID    uint64
	disconnected uint64
	extra        time.Duration
	override     time.Duration
	rotate       bool
	attempts     int
	connectedTo  string
}

func New(cfg Config, dialer Dialer, handler Handler, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrURLRequired
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.RunForCheckInterval <= 0 {
		cfg.RunForCheckInterval = def.RunForCheckInterval
	}
	if cfg.Backoff.Kind == "" {
		cfg.Backoff = def.Backoff
	}
	m := &Manager{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		log:     log,
		policy:  cfg.Backoff.NewPolicy(),
		jitter:  newJitterSource(time.Now().UnixNano()),
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Name() string { return m.cfg.Name }

// Status is a point-in-time view for diagnostics.
type Status struct {
	Connected bool
	URL       string
	SessionID uint64
	Attempts  int
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected: m.link != nil,
		URL:       m.connectedTo,
		SessionID: m.sessionID,
		Attempts:  m.attempts,
	}
}

// Run connects and reconnects until ctx ends, Close is called, or the
// RunFor lifetime elapses. It never panics.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel()

	for {
		err := m.runOnce(ctx)
		m.mu.Lock()
		closed, rotate := m.closed, m.rotate
		m.mu.Unlock()
		switch {
		case closed:
			return ErrClosed
		case rotate:
			m.log.Info().Msgf("connmgr.Manager rotated name=%s", m.cfg.Name)
			return ErrRunForElapsed
		case ctx.Err() != nil:
			return ctx.Err()
		}

		delay := m.nextDelay()
		m.log.Info().Msgf("connmgr.Manager reconnect name=%s delay=%s err=%v", m.cfg.Name, delay, err)
		if m.observer != nil {
			m.observer.OnBackoff(m.cfg.Name, delay)
		}
		if err := m.sleep(ctx, delay); err != nil {
			if m.isClosed() {
				return ErrClosed
			}
			return err
		}
	}
}

// runOnce is one dial plus one served connection. Panics are converted to
// errors so the loop survives them.
func (m *Manager) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			m.log.Error().Msgf("connmgr.Manager panic name=%s err=%v\n%s", m.cfg.Name, r, debug.Stack())
			m.dropLink()
		}
	}()

	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	link, url, err := m.connect(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	m.sessionID++
	m.link = link
	m.connectedTo = url
	m.extra, m.override = 0, 0
	ctl := &Controller{m: m, id: m.sessionID}
	m.mu.Unlock()

	m.log.Info().Msgf("connmgr.Manager connected name=%s url=%s session=%d", m.cfg.Name, url, ctl.id)
	if m.observer != nil {
		m.observer.OnConnect(m.cfg.Name)
	}

	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	if m.cfg.RunFor > 0 {
		go m.watchRunFor(serveCtx, ctl, link)
	}
	err = m.handler.Serve(serveCtx, ctl, link)
	if err == nil {
		err = link.Err()
	}
	m.dropLink()
	if m.observer != nil {
		m.observer.OnDisconnect(m.cfg.Name, err)
	}
	return err
}

// connect dials the alternate endpoint first when one is offered, falling
// back to the default endpoint for this attempt only.
func (m *Manager) connect(ctx context.Context) (Link, string, error) {
	header := m.handler.Header()
	if m.cfg.Primary && m.endpoints != nil {
		if alt, ok := m.endpoints.Alternate(m.cfg.URL); ok && alt != m.cfg.URL {
			link, err := m.dial(ctx, alt, header)
			if err == nil {
				return link, alt, nil
			}
			m.log.Warn().Msgf("connmgr.Manager alternate failed name=%s url=%s err=%v; using default", m.cfg.Name, alt, err)
			m.endpoints.Block(alt)
		}
	}
	link, err := m.dial(ctx, m.cfg.URL, header)
	if err != nil {
		return nil, "", err
	}
	return link, m.cfg.URL, nil
}

func (m *Manager) dial(ctx context.Context, url string, header http.Header) (Link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	return m.dialer.Dial(dialCtx, url, header)
}

func (m *Manager) dropLink() {
	m.mu.Lock()
	link := m.link
	m.link = nil
	m.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}

func (m *Manager) nextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.policy.Next()
	if m.override > 0 {
		base = m.override
	}
	base += m.extra
	m.extra, m.override = 0, 0
	return base + m.jitter.between(m.cfg.Backoff.JitterMin, m.cfg.Backoff.JitterMax)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close stops Run permanently and closes the live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		link := m.link
		m.mu.Unlock()
		if link != nil {
			_ = link.Close()
		}
		return
	}
	m.closed = true
	cancel := m.cancel
	link := m.link
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if link != nil {
		_ = link.Close()
	}
	m.log.Debug().Msgf("connmgr.Manager close name=%s", m.cfg.Name)
}

func (m *Manager) watchRunFor(ctx context.Context, ctl *Controller, link Link) {
	connectedAt := m.now()
	ticker := time.NewTicker(m.cfg.RunForCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Done():
			return
		case <-ticker.C:
		}
		if m.runForExpired(connectedAt, link.LastActivity()) {
			m.mu.Lock()
			if ctl.id == m.sessionID {
				m.rotate = true
			}
			m.mu.Unlock()
			m.log.Info().Msgf("connmgr.Manager run-for elapsed name=%s age=%s", m.cfg.Name, m.now().Sub(connectedAt))
			ctl.Disconnect(ErrRunForElapsed)
			return
		}
	}
}

// runForExpired reports whether a connection opened at connectedAt should
// rotate given its most recent traffic.
func (m *Manager) runForExpired(connectedAt, lastActivity time.Time) bool {
	now := m.now()
	age := now.Sub(connectedAt)
	if age < m.cfg.RunFor {
		return false
	}
	if m.cfg.RunForMaxDefer > 0 && age >= m.cfg.RunFor+m.cfg.RunForMaxDefer {
		return true
	}
	return now.Sub(lastActivity) >= m.cfg.RunForMinIdle
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
