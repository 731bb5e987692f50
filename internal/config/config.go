package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a profile's config.toml.
type Config struct {
	// ClientUserID is the signed-in user this daemon syncs for.
	ClientUserID string `toml:"client_user_id"`
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `toml:"listen_addr"`
	// PageSize overrides the message fetch size; 0 keeps the default.
	PageSize int `toml:"page_size"`
}

// Defaults for fields left empty in config.toml.
const (
	DefaultListenAddr = "127.0.0.1:7340"
)

// Load reads config from the given path. Returns an error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	return &cfg, nil
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
