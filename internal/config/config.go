// Package config loads the homelinkd TOML file on top of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/homelink/internal/protocol/wire"
	"github.com/danmuck/homelink/internal/transport"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved client configuration.
type Config struct {
	PluginID      string
	PrivateKey    string
	PluginVersion string
	AddonType     wire.AddonType
	// ServerKeyFile holds the relay's RSA public key in PEM form.
	ServerKeyFile string

	RelayURL      string
	FiberURL      string
	Alternates    []string
	ProbeInterval time.Duration

	LocalDeviceIP      string
	LocalHTTPProxyPort uint32
	HomeAssistantHost  string
	HomeAssistantPort  uint32
	LocalUIPort        uint32

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	SummonRunFor     time.Duration
	RequestTimeout   time.Duration
	FiberTimeout     time.Duration
	DisableZstd      bool

	TLS transport.TLSConfig

	// MetricsAddr enables the prometheus listener when set.
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		PluginVersion:     "dev",
		AddonType:         wire.AddonTypeStandalone,
		ProbeInterval:     10 * time.Minute,
		HomeAssistantHost: "127.0.0.1",
		HomeAssistantPort: 8123,
		HandshakeTimeout:  30 * time.Second,
		DialTimeout:       30 * time.Second,
		SummonRunFor:      5 * time.Minute,
		RequestTimeout:    5 * time.Minute,
		FiberTimeout:      20 * time.Second,
	}
}

type fileConfig struct {
	PluginID      string   `toml:"plugin_id"`
	PrivateKey    string   `toml:"private_key"`
	PluginVersion string   `toml:"plugin_version"`
	AddonType     string   `toml:"addon_type"`
	ServerKeyFile string   `toml:"server_key_file"`
	RelayURL      string   `toml:"relay_url"`
	FiberURL      string   `toml:"fiber_url"`
	Alternates    []string `toml:"alternates"`
	ProbeInterval string   `toml:"probe_interval"`
	MetricsAddr   string   `toml:"metrics_addr"`

	Local struct {
		DeviceIP          string `toml:"device_ip"`
		ProxyPort         uint32 `toml:"proxy_port"`
		HomeAssistantHost string `toml:"home_assistant_host"`
		HomeAssistantPort uint32 `toml:"home_assistant_port"`
		UIPort            uint32 `toml:"ui_port"`
	} `toml:"local"`

	Timeouts struct {
		Handshake string `toml:"handshake"`
		Dial      string `toml:"dial"`
		SummonRun string `toml:"summon_run_for"`
		Request   string `toml:"request"`
		Fiber     string `toml:"fiber"`
	} `toml:"timeouts"`

	Compression struct {
		DisableZstd bool `toml:"disable_zstd"`
	} `toml:"compression"`

	TLS struct {
		CAFile             string `toml:"ca_file"`
		ServerName         string `toml:"server_name"`
		InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
		Production         bool   `toml:"production"`
	} `toml:"tls"`
}

// Load reads path and applies every key it defines over DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}

	setString := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	setPort := func(dst *uint32, v uint32, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	var durErr error
	setDuration := func(dst *time.Duration, v string, key ...string) {
		if durErr != nil || !meta.IsDefined(key...) {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			durErr = fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
			return
		}
		*dst = d
	}

	setString(&cfg.PluginID, raw.PluginID, "plugin_id")
	setString(&cfg.PrivateKey, raw.PrivateKey, "private_key")
	setString(&cfg.PluginVersion, raw.PluginVersion, "plugin_version")
	setString(&cfg.ServerKeyFile, raw.ServerKeyFile, "server_key_file")
	setString(&cfg.RelayURL, raw.RelayURL, "relay_url")
	setString(&cfg.FiberURL, raw.FiberURL, "fiber_url")
	setString(&cfg.MetricsAddr, raw.MetricsAddr, "metrics_addr")
	if meta.IsDefined("addon_type") {
		t, err := ParseAddonType(raw.AddonType)
		if err != nil {
			return Config{}, err
		}
		cfg.AddonType = t
	}
	if meta.IsDefined("alternates") {
		cfg.Alternates = normalizeURLs(raw.Alternates)
	}
	setDuration(&cfg.ProbeInterval, raw.ProbeInterval, "probe_interval")

	setString(&cfg.LocalDeviceIP, raw.Local.DeviceIP, "local", "device_ip")
	setPort(&cfg.LocalHTTPProxyPort, raw.Local.ProxyPort, "local", "proxy_port")
	setString(&cfg.HomeAssistantHost, raw.Local.HomeAssistantHost, "local", "home_assistant_host")
	setPort(&cfg.HomeAssistantPort, raw.Local.HomeAssistantPort, "local", "home_assistant_port")
	setPort(&cfg.LocalUIPort, raw.Local.UIPort, "local", "ui_port")

	setDuration(&cfg.HandshakeTimeout, raw.Timeouts.Handshake, "timeouts", "handshake")
	setDuration(&cfg.DialTimeout, raw.Timeouts.Dial, "timeouts", "dial")
	setDuration(&cfg.SummonRunFor, raw.Timeouts.SummonRun, "timeouts", "summon_run_for")
	setDuration(&cfg.RequestTimeout, raw.Timeouts.Request, "timeouts", "request")
	setDuration(&cfg.FiberTimeout, raw.Timeouts.Fiber, "timeouts", "fiber")
	if durErr != nil {
		return Config{}, durErr
	}

	if meta.IsDefined("compression", "disable_zstd") {
		cfg.DisableZstd = raw.Compression.DisableZstd
	}

	setString(&cfg.TLS.CAFile, raw.TLS.CAFile, "tls", "ca_file")
	setString(&cfg.TLS.ServerName, raw.TLS.ServerName, "tls", "server_name")
	if meta.IsDefined("tls", "insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLS.InsecureSkipVerify
	}
	if meta.IsDefined("tls", "production") {
		cfg.TLS.Production = raw.TLS.Production
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate returns the first problem found.
func (c Config) Validate() error {
	if c.PluginID == "" {
		return fmt.Errorf("%w: plugin_id is required", ErrInvalid)
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("%w: private_key is required", ErrInvalid)
	}
	if c.ServerKeyFile == "" {
		return fmt.Errorf("%w: server_key_file is required", ErrInvalid)
	}
	if err := validateRelayURL("relay_url", c.RelayURL); err != nil {
		return err
	}
	if c.FiberURL != "" {
		if err := validateRelayURL("fiber_url", c.FiberURL); err != nil {
			return err
		}
	}
	for i, alt := range c.Alternates {
		if err := validateRelayURL(fmt.Sprintf("alternates[%d]", i), alt); err != nil {
			return err
		}
	}
	if c.HomeAssistantPort == 0 || c.HomeAssistantPort > 65535 {
		return fmt.Errorf("%w: local.home_assistant_port out of range", ErrInvalid)
	}
	if c.LocalHTTPProxyPort > 65535 || c.LocalUIPort > 65535 {
		return fmt.Errorf("%w: local port out of range", ErrInvalid)
	}
	if c.LocalDeviceIP != "" && net.ParseIP(c.LocalDeviceIP) == nil {
		return fmt.Errorf("%w: local.device_ip %q is not an ip", ErrInvalid, c.LocalDeviceIP)
	}
	for name, d := range map[string]time.Duration{
		"probe_interval":          c.ProbeInterval,
		"timeouts.handshake":      c.HandshakeTimeout,
		"timeouts.dial":           c.DialTimeout,
		"timeouts.summon_run_for": c.SummonRunFor,
		"timeouts.request":        c.RequestTimeout,
		"timeouts.fiber":          c.FiberTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validateRelayURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalid, key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: %s scheme must be ws or wss", ErrInvalid, key)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s has no host", ErrInvalid, key)
	}
	return nil
}

func ParseAddonType(s string) (wire.AddonType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ha_addon", "addon":
		return wire.AddonTypeHAAddon, nil
	case "standalone", "":
		return wire.AddonTypeStandalone, nil
	case "docker":
		return wire.AddonTypeDocker, nil
	default:
		return wire.AddonTypeUnknown, fmt.Errorf("%w: unknown addon_type %q", ErrInvalid, s)
	}
}

func normalizeURLs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, u := range in {
		v := strings.TrimSpace(u)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
