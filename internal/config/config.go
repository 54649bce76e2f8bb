// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads application configuration from layered sources:
// built-in defaults, an optional YAML file, and environment variables, with
// environment taking the highest precedence.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root application configuration.
type Config struct {
	Feed       FeedConfig       `koanf:"feed"`
	Cycle      CycleConfig      `koanf:"cycle"`
	Store      StoreConfig      `koanf:"store"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
}

// FeedConfig configures the upstream attendance feed connection.
type FeedConfig struct {
	// URL is the upstream WebSocket endpoint, e.g. wss://stats.example.uz/feed.
	URL string `koanf:"url"`

	// Interval is the baseline push interval requested from upstream.
	// The upstream contract accepts 25s to 120s.
	Interval time.Duration `koanf:"interval"`

	// Shift pins a specific shift (1-3). 0 means no pin: the cycler
	// rotates through all shift scopes instead.
	Shift int `koanf:"shift"`

	// Date pins a specific date (YYYY-MM-DD). Empty means today.
	Date string `koanf:"date"`

	// TumanID scopes the subscription to one sub-region. 0 means the
	// whole region.
	TumanID int `koanf:"tuman_id"`

	// ReconnectBase is the initial reconnect delay; the delay doubles per
	// attempt up to ReconnectMax.
	ReconnectBase time.Duration `koanf:"reconnect_base"`
	ReconnectMax  time.Duration `koanf:"reconnect_max"`

	// MaxReconnectAttempts bounds reconnection before the client gives up
	// and requires supervisor restart. 0 means unlimited.
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts"`

	// BufferSize is the capacity of the realtime snapshot ring buffer.
	BufferSize int `koanf:"buffer_size"`

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// CycleConfig configures the shift-rotation scheduler.
type CycleConfig struct {
	// Interval is the cadence between subscription rotations.
	Interval time.Duration `koanf:"interval"`
}

// StoreConfig configures the BadgerDB day-document store.
type StoreConfig struct {
	Path       string        `koanf:"path"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
	GCRatio    float64       `koanf:"gc_ratio"`

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool `koanf:"in_memory"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimitReqs requests per RateLimitWindow per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig configures the suture supervision tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the host:port the HTTP server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks configuration consistency. It is called after all layers
// are merged, so a config file cannot smuggle invalid values past env
// overrides.
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// endpoint, got %q", c.Feed.URL)
	}
	if c.Feed.Interval < 25*time.Second || c.Feed.Interval > 120*time.Second {
		return fmt.Errorf("feed.interval must be between 25s and 120s, got %s", c.Feed.Interval)
	}
	if c.Feed.Shift < 0 || c.Feed.Shift > 3 {
		return fmt.Errorf("feed.shift must be 0 (unpinned) or 1-3, got %d", c.Feed.Shift)
	}
	if c.Feed.Date != "" {
		if _, err := time.Parse("2006-01-02", c.Feed.Date); err != nil {
			return fmt.Errorf("feed.date must be YYYY-MM-DD: %w", err)
		}
	}
	if c.Feed.BufferSize <= 0 {
		return fmt.Errorf("feed.buffer_size must be positive, got %d", c.Feed.BufferSize)
	}
	if c.Feed.ReconnectBase <= 0 {
		return fmt.Errorf("feed.reconnect_base must be positive, got %s", c.Feed.ReconnectBase)
	}
	if c.Feed.ReconnectMax < c.Feed.ReconnectBase {
		return fmt.Errorf("feed.reconnect_max must be >= feed.reconnect_base")
	}
	if c.Cycle.Interval <= 0 {
		return fmt.Errorf("cycle.interval must be positive, got %s", c.Cycle.Interval)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Store.GCRatio <= 0 || c.Store.GCRatio >= 1 {
		return fmt.Errorf("store.gc_ratio must be in (0, 1), got %v", c.Store.GCRatio)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	return nil
}
