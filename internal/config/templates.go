package config

import (
	"fmt"
	"os"
)

func Template() string { return clientTemplate }

// WriteTemplate writes the example config to path. An existing file is kept
// unless overwrite is set.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(clientTemplate), 0o600)
}

const clientTemplate = `plugin_id = "replace-me"
private_key = "replace-me"
plugin_version = "dev"
addon_type = "standalone"
server_key_file = "relay.pub"

relay_url = "wss://relay.example.com/tunnel"
fiber_url = "wss://relay.example.com/fiber"
alternates = []
probe_interval = "10m"
metrics_addr = ""

[local]
home_assistant_host = "127.0.0.1"
home_assistant_port = 8123
proxy_port = 0
ui_port = 0
device_ip = ""

[timeouts]
handshake = "30s"
dial = "30s"
summon_run_for = "5m"
request = "5m"
fiber = "20s"

[compression]
disable_zstd = false

[tls]
ca_file = ""
server_name = ""
insecure_skip_verify = false
production = true
`
