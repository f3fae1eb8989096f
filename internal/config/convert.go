package config

import (
	"fmt"
	"os"

	"github.com/danmuck/homelink/internal/auth"
	"github.com/danmuck/homelink/internal/compression"
	"github.com/danmuck/homelink/internal/connmgr"
	"github.com/danmuck/homelink/internal/fiber"
	"github.com/danmuck/homelink/internal/transport"
	"github.com/danmuck/homelink/internal/tunnel"
	"github.com/danmuck/homelink/internal/webstream"
)

// Tunnel reads the server key and builds the session config.
func (c Config) Tunnel() (tunnel.Config, error) {
	pem, err := os.ReadFile(c.ServerKeyFile)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("read server key: %w", err)
	}
	key, err := auth.ParsePublicKeyPEM(pem)
	if err != nil {
		return tunnel.Config{}, fmt.Errorf("%s: %w", c.ServerKeyFile, err)
	}
	return tunnel.Config{
		PluginID:           c.PluginID,
		PrivateKey:         c.PrivateKey,
		PluginVersion:      c.PluginVersion,
		LocalHTTPProxyPort: c.LocalHTTPProxyPort,
		LocalDeviceIP:      c.LocalDeviceIP,
		AddonType:          c.AddonType,
		ServerKey:          key,
		HandshakeTimeout:   c.HandshakeTimeout,
	}, nil
}

// TunnelManager is the primary relay connection.
func (c Config) TunnelManager() connmgr.Config {
	m := connmgr.DefaultConfig()
	m.Name = "tunnel"
	m.URL = c.RelayURL
	m.Primary = true
	m.DialTimeout = c.DialTimeout
	return m
}

// SummonManager is a secondary connection opened on the server's request.
// It rotates away once idle for RunForMinIdle past SummonRunFor.
func (c Config) SummonManager(url string) connmgr.Config {
	m := connmgr.DefaultConfig()
	m.Name = "summon"
	m.URL = url
	m.Primary = false
	m.DialTimeout = c.DialTimeout
	m.RunFor = c.SummonRunFor
	return m
}

func (c Config) FiberManager() connmgr.Config {
	m := connmgr.DefaultConfig()
	m.Name = "fiber"
	m.URL = c.FiberURL
	m.Primary = false
	m.Backoff = connmgr.FiberBackoff()
	m.DialTimeout = c.DialTimeout
	return m
}

func (c Config) Dial() transport.DialConfig {
	d := transport.DefaultDialConfig()
	d.TLS = c.TLS
	return d
}

func (c Config) Compression() compression.Config {
	cc := compression.DefaultConfig()
	cc.DisableZstd = c.DisableZstd
	return cc
}

func (c Config) WebStream() webstream.Config {
	w := webstream.DefaultConfig()
	w.Targets = webstream.Targets{
		Host:              c.HomeAssistantHost,
		HomeAssistantPort: c.HomeAssistantPort,
		ProxyPort:         c.LocalHTTPProxyPort,
		LocalUIPort:       c.LocalUIPort,
		LANIP:             c.LocalDeviceIP,
	}
	w.RequestTimeout = c.RequestTimeout
	return w
}

func (c Config) Fiber() fiber.Config {
	f := fiber.DefaultConfig()
	f.Timeout = c.FiberTimeout
	return f
}
