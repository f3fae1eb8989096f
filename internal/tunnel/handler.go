package tunnel

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/connmgr"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/rs/zerolog"
)

// MustUpgradeBackoff is the reconnect delay after the server demands a
// newer plugin.
const MustUpgradeBackoff = 24 * time.Hour

// StreamsFactory builds the web stream protocol for one session.
type StreamsFactory func(sender Sender) Streams

// Recorder observes handshake outcomes and frame counts.
type Recorder interface {
	HandshakeResult(result string)
	FrameReceived(channel string, bytes int)
}

type nopRecorder struct{}

func (nopRecorder) HandshakeResult(string)    {}
func (nopRecorder) FrameReceived(string, int) {}

// Handler binds a new Session to every connection a connmgr.Manager opens.
type Handler struct {
	cfg          Config
	summon       wire.SummonMethod
	pool         *compression.Pool
	host         Host
	newStreams   StreamsFactory
	rec          Recorder
	log          zerolog.Logger
	newChallenge func() (string, error)
}

func NewHandler(cfg Config, summon wire.SummonMethod, pool *compression.Pool, host Host, newStreams StreamsFactory, rec Recorder, log zerolog.Logger) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Handler{
		cfg:        cfg,
		summon:     summon,
		pool:       pool,
		host:       host,
		newStreams: newStreams,
		rec:        rec,
		log:        log,
	}
}

func (h *Handler) Header() http.Header { return nil }

// Serve runs the handshake and the receive loop for one connection. Frames
// are handled one at a time in receipt order.
func (h *Handler) Serve(ctx context.Context, ctl *connmgr.Controller, link connmgr.Link) error {
	log := h.log.With().Uint64("session", ctl.SessionID()).Logger()
	sess := NewSession(h.cfg, Params{
		Primary:            ctl.Primary(),
		SummonMethod:       h.summon,
		ReceiveCompression: h.pool.ReceiveMethod(),
	}, h.host, link, h.newStreams(link), log)
	if h.newChallenge != nil {
		sess.newChallenge = h.newChallenge
	}
	defer sess.Close()

	if err := sess.StartHandshake(); err != nil {
		h.rec.HandshakeResult("error")
		return err
	}
	timeout := time.NewTimer(h.cfg.HandshakeTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			sess.Fail(ctx.Err())
			return ctx.Err()
		case <-link.Done():
			err := link.Err()
			sess.Fail(err)
			return err
		case <-timeout.C:
			if sess.State() != StateAuthenticated {
				h.rec.HandshakeResult("timeout")
				sess.Fail(ErrHandshakeTimeout)
				return ErrHandshakeTimeout
			}
		case buf := <-link.Recv():
			h.rec.FrameReceived(ctl.Name(), len(buf))
			before := sess.State()
			if err := sess.HandleMessage(buf); err != nil {
				h.applyBackoff(ctl, err)
				return err
			}
			if before != StateAuthenticated && sess.State() == StateAuthenticated {
				h.rec.HandshakeResult("accepted")
				ctl.MarkHealthy()
				timeout.Stop()
			}
		}
	}
}

func (h *Handler) applyBackoff(ctl *connmgr.Controller, err error) {
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr) && authErr.MustUpgrade:
		h.rec.HandshakeResult("upgrade_required")
		ctl.OverrideBackoff(MustUpgradeBackoff)
	case errors.As(err, &authErr):
		h.rec.HandshakeResult("rejected")
		ctl.ExtendBackoff(authErr.Backoff)
	case errors.Is(err, ErrChallengeMismatch):
		h.rec.HandshakeResult("challenge_mismatch")
	}
}
