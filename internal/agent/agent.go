// Package agent runs the client: the primary tunnel, summoned secondary
// tunnels, the fiber channel and endpoint probing, under one lifecycle.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/config"
	"github.com/danmuck/homelink/internal/connmgr"
	"github.com/danmuck/homelink/internal/endpoint"
	"github.com/danmuck/homelink/internal/fiber"
	"github.com/danmuck/homelink/internal/logging"
	"github.com/danmuck/homelink/internal/observability"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/transport"
	"github.com/danmuck/homelink/internal/tunnel"
	"github.com/danmuck/homelink/internal/webstream"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyRunning = errors.New("agent: already running")
	ErrClosed         = errors.New("agent: closed")
)

const heartbeatInterval = time.Minute

type Option func(*Agent)

// WithDialer replaces the relay websocket dialer.
func WithDialer(d connmgr.Dialer) Option { return func(a *Agent) { a.dialer = d } }

func WithMetrics(m *observability.Metrics) Option { return func(a *Agent) { a.metrics = m } }
func WithNotifier(n Notifier) Option              { return func(a *Agent) { a.notifier = n } }

// Agent implements tunnel.Host for every tunnel session it owns and
// fiber.Credentials for the fiber connection.
type Agent struct {
	cfg       config.Config
	tunnelCfg tunnel.Config
	log       zerolog.Logger
	dialer    connmgr.Dialer
	metrics   *observability.Metrics
	notifier  Notifier
	notices   *cache.Cache

	pool     *compression.Pool
	selector *endpoint.Selector
	prober   *endpoint.Prober
	primary  *connmgr.Manager
	fiber    *fiber.Client
	fiberMgr *connmgr.Manager

	authOnce sync.Once
	authed   chan struct{}

	mu       sync.Mutex
	running  bool
	closed   bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	apiKey   string
	accounts []string
	summons  map[string]*connmgr.Manager
}

func New(cfg config.Config, log zerolog.Logger, opts ...Option) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tunnelCfg, err := cfg.Tunnel()
	if err != nil {
		return nil, err
	}
	if err := tunnelCfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		tunnelCfg: tunnelCfg,
		log:       log,
		notices:   cache.New(noticeEvery, time.Hour),
		authed:    make(chan struct{}),
		summons:   make(map[string]*connmgr.Manager),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.notifier == nil {
		a.notifier = LogNotifier{Log: logging.Component(log, "notice")}
	}
	if a.dialer == nil {
		a.dialer = connmgr.WebSocket(transport.NewWebSocketDialer(cfg.Dial(), logging.Component(log, "transport")))
	}

	a.pool = compression.NewPool(cfg.Compression(), logging.Component(log, "compression"))
	a.selector = endpoint.NewSelector(endpoint.DefaultSelectorConfig(), logging.Component(log, "endpoint"))
	a.prober = endpoint.NewProber(endpoint.DefaultProberConfig(), nil, logging.Component(log, "endpoint"))

	a.primary, err = connmgr.New(cfg.TunnelManager(), a.dialer,
		a.tunnelHandler(wire.SummonMethodNone), logging.Component(log, "tunnel"),
		append(a.managerOptions(), connmgr.WithEndpoints(a.selector))...)
	if err != nil {
		a.pool.Close()
		return nil, err
	}

	a.fiber = fiber.NewClient(cfg.Fiber(), a.pool, logging.Component(log, "fiber"))
	if cfg.FiberURL != "" {
		handler := fiber.NewHandler(a.fiber, a, tunnelCfg.Limits, logging.Component(log, "fiber"))
		a.fiberMgr, err = connmgr.New(cfg.FiberManager(), a.dialer, handler, logging.Component(log, "fiber"), a.managerOptions()...)
		if err != nil {
			a.pool.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) managerOptions() []connmgr.Option {
	if a.metrics == nil {
		return nil
	}
	return []connmgr.Option{connmgr.WithObserver(a.metrics)}
}

// tunnelHandler binds sessions to this agent. Each session gets its own web
// stream protocol.
func (a *Agent) tunnelHandler(summon wire.SummonMethod) *tunnel.Handler {
	var rec tunnel.Recorder
	var wsOpts []webstream.Option
	if a.metrics != nil {
		rec = a.metrics
		wsOpts = append(wsOpts, webstream.WithObserver(a.metrics))
	}
	wsCfg := a.cfg.WebStream()
	wsLog := logging.Component(a.log, "webstream")
	newStreams := func(s tunnel.Sender) tunnel.Streams {
		return webstream.NewProtocol(wsCfg, s, a.pool, wsLog, wsOpts...)
	}
	return tunnel.NewHandler(a.tunnelCfg, summon, a.pool, a, newStreams, rec, logging.Component(a.log, "tunnel"))
}

// Fiber is the speech and chat client. Calls fail with ErrNotConnected until
// the fiber connection is up.
func (a *Agent) Fiber() *fiber.Client { return a.fiber }

// Run blocks until ctx ends or Close is called. Only one Run is allowed.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.running = true
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	a.cancel = cancel
	a.group = g
	a.groupCtx = gctx
	a.mu.Unlock()
	defer cancel()
	defer a.pool.Close()

	a.log.Info().Msgf("agent.Agent start plugin=%s relay=%s fiber=%t alternates=%d",
		a.cfg.PluginID, a.cfg.RelayURL, a.fiberMgr != nil, len(a.cfg.Alternates))

	g.Go(func() error {
		return ended(a.primary.Run(gctx))
	})
	if a.fiberMgr != nil {
		g.Go(func() error {
			select {
			case <-a.authed:
			case <-gctx.Done():
				return nil
			}
			return ended(a.fiberMgr.Run(gctx))
		})
	}
	if len(a.cfg.Alternates) > 0 {
		urls := append([]string{a.cfg.RelayURL}, a.cfg.Alternates...)
		g.Go(func() error {
			a.prober.Refresh(gctx, a.selector, urls, a.cfg.ProbeInterval)
			return nil
		})
	}
	g.Go(func() error {
		a.heartbeat(gctx)
		return nil
	})

	<-gctx.Done()
	a.shutdown()
	err := g.Wait()
	a.log.Info().Msgf("agent.Agent stop err=%v", err)
	return err
}

// ended maps a manager's normal exits to nil.
func ended(err error) error {
	if errors.Is(err, connmgr.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (a *Agent) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		st := a.Status()
		a.log.Info().Msgf("agent.Agent heartbeat tunnel_connected=%t tunnel_url=%s fiber_connected=%t summons=%d",
			st.Tunnel.Connected, st.Tunnel.URL, st.FiberConnected, st.Summons)
	}
}

// Close stops every connection. Run returns once they have ended.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cancel := a.cancel
	running := a.running
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !running {
		a.shutdown()
		a.pool.Close()
	}
}

func (a *Agent) shutdown() {
	a.primary.Close()
	if a.fiberMgr != nil {
		a.fiberMgr.Close()
	}
	a.mu.Lock()
	summons := make([]*connmgr.Manager, 0, len(a.summons))
	for _, m := range a.summons {
		summons = append(summons, m)
	}
	a.mu.Unlock()
	for _, m := range summons {
		m.Close()
	}
}

type Status struct {
	Tunnel         connmgr.Status
	FiberConnected bool
	Authenticated  bool
	Accounts       []string
	Summons        int
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Tunnel:         a.primary.Status(),
		FiberConnected: a.fiber.Connected(),
		Authenticated:  a.apiKey != "",
		Accounts:       append([]string(nil), a.accounts...),
		Summons:        len(a.summons),
	}
}

// OnSessionError logs why a tunnel session ended. The owning manager
// reconnects on its own.
func (a *Agent) OnSessionError(reason error) {
	a.log.Warn().Msgf("agent.Agent session error err=%v", reason)
}

func (a *Agent) OnHandshakeComplete(apiKey string, connectedAccounts []string) {
	a.mu.Lock()
	a.apiKey = apiKey
	a.accounts = append([]string(nil), connectedAccounts...)
	a.mu.Unlock()
	a.authOnce.Do(func() { close(a.authed) })
	a.log.Info().Msgf("agent.Agent authenticated accounts=%d", len(connectedAccounts))
}

// OnSummonRequest opens a secondary tunnel to url. Requests for a url that
// already has one are ignored.
func (a *Agent) OnSummonRequest(url string, method wire.SummonMethod) {
	a.mu.Lock()
	if a.group == nil || a.closed || a.groupCtx.Err() != nil {
		a.mu.Unlock()
		return
	}
	if url == a.cfg.RelayURL || a.summons[url] != nil {
		a.mu.Unlock()
		a.log.Debug().Msgf("agent.Agent summon ignored url=%s", url)
		return
	}
	mcfg := a.cfg.SummonManager(url)
	m, err := connmgr.New(mcfg, a.dialer, a.tunnelHandler(wire.SummonMethodSummoned),
		logging.Component(a.log, "summon"), a.managerOptions()...)
	if err != nil {
		a.mu.Unlock()
		a.log.Warn().Msgf("agent.Agent summon rejected url=%s err=%v", url, err)
		return
	}
	a.summons[url] = m
	g, gctx := a.group, a.groupCtx
	a.mu.Unlock()

	a.log.Info().Msgf("agent.Agent summon url=%s method=%d run_for=%s", url, method, mcfg.RunFor)
	g.Go(func() error {
		// a summoned connection never outlives its rotation ceiling, even
		// when it cannot connect
		ctx, cancel := context.WithTimeout(gctx, mcfg.RunFor+mcfg.RunForMaxDefer)
		defer cancel()
		err := m.Run(ctx)
		m.Close()
		a.mu.Lock()
		if a.summons[url] == m {
			delete(a.summons, url)
		}
		a.mu.Unlock()
		a.log.Info().Msgf("agent.Agent summon ended url=%s err=%v", url, err)
		return nil
	})
}

func (a *Agent) OnPluginUpdateRequired() {
	a.notifyUpgrade()
}

// FiberAuth reports the identity from the latest successful handshake.
func (a *Agent) FiberAuth() (string, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.apiKey == "" {
		return "", "", false
	}
	return a.cfg.PluginID, a.apiKey, true
}
