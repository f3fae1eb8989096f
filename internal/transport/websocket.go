package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrURLRequired             = errors.New("transport: url required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed in production")
	ErrUnsupportedScheme       = errors.New("transport: unsupported url scheme")
)

// TLSConfig controls how the relay certificate is verified.
type TLSConfig struct {
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	// Production forbids InsecureSkipVerify.
	Production bool
}

func (t TLSConfig) Validate() error {
	if t.Production && t.InsecureSkipVerify {
		return ErrTLSInsecureSkipNotAllow
	}
	return nil
}

// ClientConfig builds the tls.Config for dialing host. An empty CAFile
// uses the system roots.
func (t TLSConfig) ClientConfig(host string) (*tls.Config, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
	serverName := strings.TrimSpace(t.ServerName)
	if serverName == "" {
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(t.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

type DialConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	TLS              TLSConfig
	Conn             Config
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		HandshakeTimeout: 20 * time.Second,
		WriteTimeout:     30 * time.Second,
		ReadLimit:        64 << 20,
		Conn:             DefaultConfig(),
	}
}

// WebSocketDialer opens relay connections over gorilla/websocket.
type WebSocketDialer struct {
	cfg DialConfig
	log zerolog.Logger
}

func NewWebSocketDialer(cfg DialConfig, log zerolog.Logger) *WebSocketDialer {
	def := DefaultDialConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	return &WebSocketDialer{cfg: cfg, log: log}
}

// Dial connects to rawURL and returns an open Conn.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, ErrURLRequired
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	switch u.Scheme {
	case "wss":
		tlsCfg, err := d.cfg.TLS.ClientConfig(u.Hostname())
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	case "ws":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	conn := NewPending(u.Host, d.cfg.Conn, d.log)
	ws, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status=%d)", err, resp.StatusCode)
		}
		_ = conn.Close()
		return nil, err
	}
	ws.SetReadLimit(d.cfg.ReadLimit)
	if err := conn.Start(&WSConn{Conn: ws, WriteTimeout: d.cfg.WriteTimeout}); err != nil {
		return nil, err
	}
	return conn, nil
}

// WSConn adapts a gorilla connection to MessageConn using binary frames.
type WSConn struct {
	*websocket.Conn
	WriteTimeout time.Duration
}

func (w *WSConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := w.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
			return data, nil
		}
	}
}

func (w *WSConn) WriteMessage(data []byte) error {
	if w.WriteTimeout > 0 {
		_ = w.Conn.SetWriteDeadline(time.Now().Add(w.WriteTimeout))
	}
	return w.Conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a best-effort close frame before closing the socket.
func (w *WSConn) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.Conn.Close()
}
