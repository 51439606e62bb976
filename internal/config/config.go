// Package config loads the node configuration from a TOML file, applying
// defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "15s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents a node's config.toml.
type Config struct {
	NodeID     string   `toml:"node_id"`
	ListenAddr string   `toml:"listen_addr"`
	StorePath  string   `toml:"store_path"`
	Peers      []string `toml:"peers"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	// PresenceMultiplier scales the heartbeat interval into the presence TTL.
	PresenceMultiplier float64 `toml:"presence_multiplier"`

	AckWindow    Duration `toml:"ack_window"`
	LockWait     Duration `toml:"lock_wait"`
	RetentionTTL Duration `toml:"retention_ttl"`

	RetryBase        Duration `toml:"retry_base"`
	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	QueuePollEvery   Duration `toml:"queue_poll_every"`
}

// Default returns the built-in defaults for a node.
func Default(nodeID string) *Config {
	return &Config{
		NodeID:             nodeID,
		ListenAddr:         "127.0.0.1:7420",
		HeartbeatInterval:  Duration(10 * time.Second),
		PresenceMultiplier: 1.5,
		AckWindow:          Duration(5 * time.Second),
		LockWait:           Duration(3 * time.Second),
		RetentionTTL:       Duration(24 * time.Hour),
		RetryBase:          Duration(2 * time.Second),
		RetryMaxAttempts:   5,
		QueuePollEvery:     Duration(500 * time.Millisecond),
	}
}

// PresenceTTL returns the window after which an un-refreshed presence record
// is treated as offline.
func (c *Config) PresenceTTL() time.Duration {
	mult := c.PresenceMultiplier
	if mult <= 1 {
		mult = 1.5
	}
	return time.Duration(float64(c.HeartbeatInterval.Std()) * mult)
}

// Load reads config from the given path, layered over Default. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default("")
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if len(meta.Undecoded()) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", meta.Undecoded())
	}
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("config %s: node_id is required", path)
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
