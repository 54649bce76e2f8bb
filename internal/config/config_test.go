// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Feed.URL = "wss://stats.example.uz/feed"
	return cfg
}

func TestDefaultsAreValidWithURL(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with feed URL should validate: %v", err)
	}
	if cfg.Feed.Interval != 25*time.Second {
		t.Errorf("default feed interval = %s, want 25s", cfg.Feed.Interval)
	}
	if cfg.Feed.BufferSize != 100 {
		t.Errorf("default buffer size = %d, want 100", cfg.Feed.BufferSize)
	}
	if cfg.Cycle.Interval != 30*time.Second {
		t.Errorf("default cycle interval = %s, want 30s", cfg.Cycle.Interval)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing feed url", func(c *Config) { c.Feed.URL = "" }},
		{"http feed url", func(c *Config) { c.Feed.URL = "http://stats.example.uz" }},
		{"interval below contract", func(c *Config) { c.Feed.Interval = 5 * time.Second }},
		{"interval above contract", func(c *Config) { c.Feed.Interval = 10 * time.Minute }},
		{"shift out of range", func(c *Config) { c.Feed.Shift = 4 }},
		{"bad date", func(c *Config) { c.Feed.Date = "04.12.2025" }},
		{"zero buffer", func(c *Config) { c.Feed.BufferSize = 0 }},
		{"reconnect max below base", func(c *Config) {
			c.Feed.ReconnectBase = 10 * time.Second
			c.Feed.ReconnectMax = time.Second
		}},
		{"zero cycle interval", func(c *Config) { c.Cycle.Interval = 0 }},
		{"missing store path", func(c *Config) { c.Store.Path = "" }},
		{"gc ratio out of range", func(c *Config) { c.Store.GCRatio = 1.5 }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DAVOMAT_FEED_URL", "feed.url"},
		{"DAVOMAT_FEED_RECONNECT_BASE", "feed.reconnect_base"},
		{"DAVOMAT_STORE_GC_RATIO", "store.gc_ratio"},
		{"DAVOMAT_SERVER_PORT", "server.port"},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadLayering(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	yaml := `
feed:
  url: wss://stats.example.uz/feed
  interval: 40s
server:
  port: 9001
store:
  path: ` + filepath.Join(dir, "store") + `
`
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, cfgFile)
	t.Setenv("DAVOMAT_SERVER_PORT", "9002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Feed.Interval != 40*time.Second {
		t.Errorf("file layer not applied, interval = %s", cfg.Feed.Interval)
	}
	if cfg.Server.Port != 9002 {
		t.Errorf("env should beat file, port = %d", cfg.Server.Port)
	}
	// Untouched key keeps its default.
	if cfg.Cycle.Interval != 30*time.Second {
		t.Errorf("default layer lost, cycle interval = %s", cfg.Cycle.Interval)
	}
}

func TestLoadCORSFromEnv(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.yaml")
	yaml := "feed:\n  url: wss://stats.example.uz/feed\nstore:\n  path: " + filepath.Join(dir, "store") + "\n"
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, cfgFile)
	t.Setenv("DAVOMAT_SERVER_CORS_ORIGINS", "https://a.example.uz, https://b.example.uz")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example.uz" {
		t.Errorf("comma-separated origins not split: %v", cfg.Server.CORSOrigins)
	}
}
