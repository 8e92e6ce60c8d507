package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.dmsync/config.toml.
type Config struct {
	DefaultProfile string       `toml:"default_profile"`
	Server         ServerConfig `toml:"server"`
	Sync           SyncConfig   `toml:"sync"`
	Outbox         OutboxConfig `toml:"outbox"`
	Log            LogConfig    `toml:"log"`
}

// ServerConfig locates the message server.
type ServerConfig struct {
	BaseURL        string   `toml:"base_url"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// SyncConfig tunes the per-conversation sync engines.
type SyncConfig struct {
	BaseInterval Duration `toml:"base_interval"`
	MaxInterval  Duration `toml:"max_interval"`
	FetchTimeout Duration `toml:"fetch_timeout"`
	PageSize     int      `toml:"page_size"`
	MaxActive    int      `toml:"max_active"`
}

// OutboxConfig tunes sending and confirmation of local messages.
type OutboxConfig struct {
	ConfirmTimeout Duration `toml:"confirm_timeout"`
	MaxAttempts    int      `toml:"max_attempts"`
	SendsPerSecond float64  `toml:"sends_per_second"`
}

// LogConfig selects the log level ("debug", "info", "warn", "error").
type LogConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string such as "2s" or "1m30s".
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://localhost:5000/api",
			RequestTimeout: D(10 * time.Second),
		},
		Sync: SyncConfig{
			BaseInterval: D(2 * time.Second),
			MaxInterval:  D(time.Minute),
			FetchTimeout: D(10 * time.Second),
			PageSize:     100,
			MaxActive:    16,
		},
		Outbox: OutboxConfig{
			ConfirmTimeout: D(30 * time.Second),
			MaxAttempts:    5,
			SendsPerSecond: 5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server.base_url %q must be an http(s) URL", c.Server.BaseURL)
	}
	if c.Sync.BaseInterval.Duration <= 0 {
		return errors.New("sync.base_interval must be positive")
	}
	if c.Sync.MaxInterval.Duration < c.Sync.BaseInterval.Duration {
		return errors.New("sync.max_interval must not be below sync.base_interval")
	}
	// A page starts with the message at the cursor, so one entry never
	// makes progress.
	if c.Sync.PageSize < 0 || c.Sync.PageSize == 1 {
		return errors.New("sync.page_size must be 0 (server default) or at least 2")
	}
	if c.Sync.MaxActive <= 0 {
		return errors.New("sync.max_active must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox.max_attempts must be positive")
	}
	if c.Outbox.SendsPerSecond < 0 {
		return errors.New("outbox.sends_per_second must not be negative")
	}
	return nil
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
