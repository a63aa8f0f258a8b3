// Package config holds the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores all daemon parameters, loaded from a YAML file and
// optionally overridden by CLI flags.
type Config struct {
	// ServerURL is the management server's websocket endpoint. Tunnel open
	// requests arrive on this connection.
	ServerURL string `yaml:"serverUrl"`

	// ServerTLSHash, when non-empty, pins the server certificate by its
	// SHA-384 hash instead of using the system trust store.
	ServerTLSHash string `yaml:"serverTlsHash"`

	// HubListen is the listen address of the local broadcast hub.
	// "unix:/path/sock" or "tcp:127.0.0.1:port".
	HubListen string `yaml:"hubListen"`

	// ConsentTimeout bounds how long a local consent prompt may stay open
	// before it counts as a rejection.
	ConsentTimeout time.Duration `yaml:"consentTimeout"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HubListen:      "tcp:127.0.0.1:63354",
		ConsentTimeout: 30 * time.Second,
	}
}

// Load reads and parses the YAML config file at path, applied on top of
// the defaults. A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = 30 * time.Second
	}
	return cfg, nil
}
