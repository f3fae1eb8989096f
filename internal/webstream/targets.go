package webstream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/danmuck/homelink/internal/protocol/wire"
)

var (
	ErrNoContext     = errors.New("webstream: open message without http context")
	ErrBadTarget     = errors.New("webstream: unusable target")
	ErrNoCandidates  = errors.New("webstream: no websocket candidates")
	ErrAllCandidates = errors.New("webstream: every websocket candidate failed")
)

// Targets are the local services streams may reach.
type Targets struct {
	// Host is the loopback address of Home Assistant and the local proxy.
	Host              string
	HomeAssistantPort uint32
	// ProxyPort is the local HTTP proxy, tried after the direct port.
	ProxyPort   uint32
	LocalUIPort uint32
	// LANIP is tried after loopback when the direct ports refuse.
	LANIP string
}

func DefaultTargets() Targets {
	return Targets{Host: "127.0.0.1", HomeAssistantPort: 8123}
}

// httpURL resolves the local URL an HTTP stream requests.
func (t Targets) httpURL(c *wire.HTTPInitialContext) (string, error) {
	if c.PathType == wire.PathAbsolute || c.Target == wire.TargetAbsolute {
		return absoluteURL(c.Path, "http", "https")
	}
	var port uint32
	switch c.Target {
	case wire.TargetHomeAssistant:
		port = t.HomeAssistantPort
	case wire.TargetLocalUI:
		port = t.LocalUIPort
	default:
		return "", fmt.Errorf("%w: target=%d", ErrBadTarget, c.Target)
	}
	if port == 0 {
		return "", fmt.Errorf("%w: no port for target=%d", ErrBadTarget, c.Target)
	}
	return "http://" + hostPort(t.host(), port) + relPath(c.Path), nil
}

// wsCandidates lists local WebSocket URLs in the order they are tried:
// direct port, local proxy port, then the same two on the LAN address.
func (t Targets) wsCandidates(c *wire.HTTPInitialContext) ([]string, error) {
	if c.PathType == wire.PathAbsolute || c.Target == wire.TargetAbsolute {
		u, err := absoluteURL(c.Path, "ws", "wss")
		if err != nil {
			return nil, err
		}
		return []string{u}, nil
	}
	path := relPath(c.Path)
	var ports []uint32
	switch c.Target {
	case wire.TargetHomeAssistant:
		ports = []uint32{t.HomeAssistantPort, t.ProxyPort}
	case wire.TargetLocalUI:
		ports = []uint32{t.LocalUIPort}
	default:
		return nil, fmt.Errorf("%w: target=%d", ErrBadTarget, c.Target)
	}
	hosts := []string{t.host()}
	if t.LANIP != "" {
		hosts = append(hosts, t.LANIP)
	}

	seen := make(map[string]bool)
	var out []string
	for _, h := range hosts {
		for _, p := range ports {
			if p == 0 {
				continue
			}
			u := "ws://" + hostPort(h, p) + path
			if !seen[u] {
				seen[u] = true
				out = append(out, u)
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

func (t Targets) host() string {
	if t.Host == "" {
		return "127.0.0.1"
	}
	return t.Host
}

func hostPort(host string, port uint32) string {
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10))
}

func relPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// absoluteURL accepts an absolute URL and maps http(s) and ws(s) onto the
// scheme family the caller wants.
func absoluteURL(raw, plain, secure string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadTarget, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = plain
	case "https", "wss":
		u.Scheme = secure
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadTarget, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrBadTarget, raw)
	}
	return u.String(), nil
}
