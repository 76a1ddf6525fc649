// Package config loads sigvault's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/sigvault/internal/appdir"
)

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents ~/.config/sigvault/config.toml.
type Config struct {
	// PhoneNumber is this account's E.164 number, used as the sender of
	// imported outgoing messages.
	PhoneNumber       string   `toml:"phone_number"`
	MessagesDBPath    string   `toml:"messages_db_path"`
	AutoImportEnabled bool     `toml:"auto_import_enabled"`
	DesktopDir        string   `toml:"desktop_dir"`
	KeychainTimeout   Duration `toml:"keychain_timeout"`
	LogLevel          string   `toml:"log_level"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		MessagesDBPath:    appdir.MessagesDBPath(),
		AutoImportEnabled: true,
		KeychainTimeout:   Duration{10 * time.Second},
		LogLevel:          "info",
	}
}

// Load reads config from the given path, on top of Default. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{1,14}$`)

// Validate checks field formats.
func (c *Config) Validate() error {
	if c.PhoneNumber != "" && !e164.MatchString(c.PhoneNumber) {
		return fmt.Errorf("invalid phone_number %q: must be E.164, e.g. +14155550123", c.PhoneNumber)
	}
	if c.MessagesDBPath == "" {
		return errors.New("messages_db_path must not be empty")
	}
	if c.KeychainTimeout.Duration < 0 {
		return fmt.Errorf("keychain_timeout must not be negative, got %s", c.KeychainTimeout)
	}
	return nil
}
