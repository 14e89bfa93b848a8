// Package config loads and validates the server's JSON configuration
// file. spec.md §6 fixes the external shape as { port, key, method }; this
// package is that loader's concrete, host-side home (spec.md keeps config
// loading out of the protocol core's scope).
package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/mist-net/ss2022d/ss2022"
)

// Config is the on-disk JSON configuration.
type Config struct {
	// Port is the TCP port to listen on. Ignored if Listen is set.
	Port int `json:"port,omitempty"`
	// Listen is a host:port listen address; takes precedence over Port.
	Listen string `json:"listen,omitempty"`
	// Key is the pre-shared key, base64 or hex encoded.
	Key string `json:"key"`
	// Method selects the cipher suite.
	Method string `json:"method"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `json:"log_level,omitempty"`
	// LogFormat is one of text, json. Default: text.
	LogFormat string `json:"log_format,omitempty"`
	// MetricsAddr, if set, serves Prometheus metrics on this address.
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// ReplayWindowSeconds overrides the default 60s salt-cache window.
	ReplayWindowSeconds int `json:"replay_window_seconds,omitempty"`
	// TimestampSkewSeconds overrides the default 30s freshness tolerance.
	TimestampSkewSeconds int `json:"timestamp_skew_seconds,omitempty"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config is self-consistent and the method/key pair is
// usable, without touching the network.
func (c *Config) Validate() error {
	if c.Listen == "" && c.Port == 0 {
		return fmt.Errorf("config: one of listen or port is required")
	}
	if _, err := c.ListenAddr(); err != nil {
		return err
	}
	if _, err := c.CipherSuite(); err != nil {
		return err
	}
	if _, err := c.PSK(); err != nil {
		return err
	}
	return nil
}

// ListenAddr resolves the effective listen address.
func (c *Config) ListenAddr() (string, error) {
	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			return "", fmt.Errorf("config: invalid listen address %q: %w", c.Listen, err)
		}
		return c.Listen, nil
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port)), nil
}

// CipherSuite resolves Method to a ss2022.CipherSuite.
func (c *Config) CipherSuite() (*ss2022.CipherSuite, error) {
	suite, err := ss2022.SuiteByMethod(ss2022.Method(c.Method))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return suite, nil
}

// PSK decodes Key as base64 (preferred, matching this ecosystem's
// NewServiceWithPassword convention) or, when Key is not valid base64 or
// does not decode to the method's key length, hex, and checks its length
// against the configured method.
func (c *Config) PSK() ([]byte, error) {
	suite, err := c.CipherSuite()
	if err != nil {
		return nil, err
	}

	psk, decodeErr := base64.StdEncoding.DecodeString(c.Key)
	if decodeErr != nil || len(psk) != suite.KeyLength {
		if hexPSK, hexErr := hex.DecodeString(c.Key); hexErr == nil {
			psk, decodeErr = hexPSK, nil
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("config: key is neither valid base64 nor hex")
	}
	if len(psk) != suite.KeyLength {
		return nil, fmt.Errorf("config: key must be %d bytes for %s, got %d", suite.KeyLength, c.Method, len(psk))
	}
	return psk, nil
}

// ReplayWindow returns the configured or default salt-cache window.
func (c *Config) ReplayWindow() time.Duration {
	if c.ReplayWindowSeconds <= 0 {
		return ss2022.DefaultReplayWindow
	}
	return time.Duration(c.ReplayWindowSeconds) * time.Second
}

// TimestampSkew returns the configured or default freshness tolerance.
func (c *Config) TimestampSkew() time.Duration {
	if c.TimestampSkewSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimestampSkewSeconds) * time.Second
}
