// Package tunnel runs the authenticated session on each relay connection:
// the challenge handshake, then demultiplexing frames to web streams and
// control handlers.
package tunnel

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/homelink/internal/auth"
	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/protocol/frame"
	"github.com/danmuck/homelink/internal/protocol/schema"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/rs/zerolog"
)

var (
	ErrChallengeMismatch  = auth.ErrChallengeMismatch
	ErrNotAuthenticated   = errors.New("tunnel: message before authentication")
	ErrUnexpectedMessage  = errors.New("tunnel: unexpected message kind")
	ErrHandshakeState     = errors.New("tunnel: handshake in wrong state")
	ErrHandshakeTimeout   = errors.New("tunnel: handshake timeout")
	ErrSessionClosed      = errors.New("tunnel: session closed")
	ErrServerKeyRequired  = errors.New("tunnel: server public key required")
	ErrInvalidServerKey   = auth.ErrInvalidKey
	ErrCredentialsMissing = errors.New("tunnel: plugin id and private key required")
)

type State int32

const (
	StateUnauthenticated State = iota
	StateChallengeSent
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateChallengeSent:
		return "challenge_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// AuthError is a handshake rejection from the server.
type AuthError struct {
	Message     string
	Backoff     time.Duration
	MustUpgrade bool
}

func (e *AuthError) Error() string {
	if e.MustUpgrade {
		return "tunnel: handshake rejected: plugin update required"
	}
	if e.Message == "" {
		return "tunnel: handshake rejected"
	}
	return "tunnel: handshake rejected: " + e.Message
}

// Host receives session events. Calls happen on the session's receive
// goroutine and must not block for long.
type Host interface {
	OnSessionError(reason error)
	OnHandshakeComplete(apiKey string, connectedAccounts []string)
	OnSummonRequest(url string, method wire.SummonMethod)
	OnPluginUpdateRequired()
}

// Sender queues one encoded frame on the connection.
type Sender interface {
	Send(msg []byte) error
}

// Streams is the web stream protocol bound to one session.
type Streams interface {
	HandleMessage(msg *wire.WebStreamMsg) error
	Close()
}

type Config struct {
	PluginID            string
	PrivateKey          string
	PluginVersion       string
	LocalHTTPProxyPort  uint32
	LocalDeviceIP       string
	AddonType           wire.AddonType
	ServerKey           *rsa.PublicKey
	RsaChallengeVersion uint8
	HandshakeTimeout    time.Duration
	Limits              frame.Limits
}

func (c Config) Validate() error {
	if c.PluginID == "" || c.PrivateKey == "" {
		return ErrCredentialsMissing
	}
	if c.ServerKey == nil {
		return ErrServerKeyRequired
	}
	return nil
}

// Params are the per-connection handshake inputs.
type Params struct {
	Primary            bool
	SummonMethod       wire.SummonMethod
	ReceiveCompression compression.Method
}

// Session is one authenticated logical session bound to one connection.
type Session struct {
	cfg     Config
	params  Params
	host    Host
	streams Streams
	log     zerolog.Logger

	newChallenge func() (string, error)

	mu        sync.Mutex
	state     State
	sender    Sender
	challenge string
	closed    bool
	failed    bool
}

func NewSession(cfg Config, params Params, host Host, sender Sender, streams Streams, log zerolog.Logger) *Session {
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Session{
		cfg:          cfg,
		params:       params,
		host:         host,
		streams:      streams,
		log:          log,
		sender:       sender,
		newChallenge: auth.NewChallenge,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartHandshake sends the challenge and credentials.
func (s *Session) StartHandshake() error {
	if err := s.cfg.Validate(); err != nil {
		return s.fail(err)
	}
	challenge, err := s.newChallenge()
	if err != nil {
		return s.fail(err)
	}
	cipher, err := auth.EncryptChallenge(s.cfg.ServerKey, challenge)
	if err != nil {
		return s.fail(err)
	}
	buf, err := wire.EncodeHandshakeSyn(wire.HandshakeSyn{
		PluginID:               s.cfg.PluginID,
		PrivateKey:             s.cfg.PrivateKey,
		IsPrimaryConnection:    s.params.Primary,
		PluginVersion:          s.cfg.PluginVersion,
		LocalHTTPProxyPort:     s.cfg.LocalHTTPProxyPort,
		LocalDeviceIP:          s.cfg.LocalDeviceIP,
		RsaChallenge:           cipher,
		RsaChallengeVersion:    s.cfg.RsaChallengeVersion,
		SummonMethod:           s.params.SummonMethod,
		AddonType:              s.cfg.AddonType,
		ReceiveCompressionType: s.params.ReceiveCompression,
	})
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateUnauthenticated {
		state := s.state
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: start from %s", ErrHandshakeState, state))
	}
	s.challenge = challenge
	s.state = StateChallengeSent
	sender := s.sender
	s.mu.Unlock()

	if err := sender.Send(buf); err != nil {
		return s.fail(err)
	}
	s.log.Debug().Msgf("tunnel.Session handshake sent primary=%t summon=%d", s.params.Primary, s.params.SummonMethod)
	return nil
}

// HandleMessage decodes and dispatches one frame. Any returned error is
// fatal to the connection.
func (s *Session) HandleMessage(buf []byte) error {
	msg, err := wire.Decode(buf, s.cfg.Limits)
	if err != nil {
		return s.fail(err)
	}
	switch msg.Kind {
	case schema.KindHandshakeAck:
		return s.handleAck(msg.HandshakeAck)
	case schema.KindWebStream:
		if err := s.requireAuth(msg.Kind); err != nil {
			return err
		}
		if err := s.streams.HandleMessage(msg.WebStream); err != nil {
			return s.fail(err)
		}
		return nil
	case schema.KindSummon:
		if err := s.requireAuth(msg.Kind); err != nil {
			return err
		}
		s.host.OnSummonRequest(msg.Summon.ServerConnectURL, msg.Summon.SummonMethod)
		return nil
	default:
		return s.fail(fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind))
	}
}

func (s *Session) requireAuth(kind schema.Kind) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateAuthenticated {
		return s.fail(fmt.Errorf("%w: kind=%s state=%s", ErrNotAuthenticated, kind, state))
	}
	return nil
}

func (s *Session) handleAck(ack *wire.HandshakeAck) error {
	s.mu.Lock()
	if s.state != StateChallengeSent {
		state := s.state
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: ack in %s", ErrHandshakeState, state))
	}
	challenge := s.challenge
	s.mu.Unlock()

	if ack.RequiresPluginUpdate {
		s.host.OnPluginUpdateRequired()
		return s.fail(&AuthError{Message: ack.ErrorMessage, MustUpgrade: true})
	}
	if !ack.Accepted {
		return s.fail(&AuthError{
			Message: ack.ErrorMessage,
			Backoff: time.Duration(ack.BackoffSeconds) * time.Second,
		})
	}
	if err := auth.VerifyChallenge(challenge, ack.RsaChallengeResult); err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.log.Info().Msgf("tunnel.Session authenticated primary=%t accounts=%d", s.params.Primary, len(ack.ConnectedAccounts))
	s.host.OnHandshakeComplete(ack.APIKey, ack.ConnectedAccounts)
	return nil
}

// Fail marks the session failed because its connection ended.
func (s *Session) Fail(reason error) {
	_ = s.fail(reason)
}

// fail moves to StateFailed and reports the first failure to the host.
func (s *Session) fail(reason error) error {
	s.mu.Lock()
	first := !s.failed && !s.closed
	s.failed = true
	s.state = StateFailed
	s.mu.Unlock()
	if first {
		s.log.Warn().Msgf("tunnel.Session error err=%v", reason)
		s.host.OnSessionError(reason)
	}
	return reason
}

// Close tears the session down exactly once, closing every live stream.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.sender = nil
	s.mu.Unlock()

	if s.streams != nil {
		s.streams.Close()
	}
}
