// Copyright 2026 VenueKit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the venuesync CLI configuration, loaded from a TOML file with
// sensible defaults for everything but the remote endpoint and identity.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Remote   RemoteConfig   `toml:"remote"`
	Sync     SyncConfig     `toml:"sync"`
	Log      LogConfig      `toml:"log"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RemoteConfig struct {
	BaseURL   string `toml:"base_url"`
	JWTSecret string `toml:"jwt_secret"`
	CuratorID string `toml:"curator_id"`
	DeviceID  string `toml:"device_id"`
}

type SyncConfig struct {
	Workers       int      `toml:"workers"`
	BackoffMin    duration `toml:"backoff_min"`
	BackoffMax    duration `toml:"backoff_max"`
	MaxAttempts   int      `toml:"max_attempts"`
	PullLimit     int      `toml:"pull_limit"`
	AuditDelay    duration `toml:"audit_delay"`
	AuditInterval duration `toml:"audit_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

// duration lets TOML carry Go duration strings like "60s".
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "venues.db"},
		Sync: SyncConfig{
			Workers:     1,
			BackoffMin:  duration{1 * time.Second},
			BackoffMax:  duration{60 * time.Second},
			MaxAttempts: 5,
			PullLimit:   100,
			AuditDelay:  duration{2 * time.Second},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// loadConfig reads path over the defaults. A missing file is fine when path
// is the default location; an explicitly named file must exist.
func loadConfig(path string, explicit bool) (*Config, error) {
	cfg := defaultConfig()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Remote.CuratorID == "" {
		return fmt.Errorf("remote.curator_id is required")
	}
	return nil
}
