// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package main is the entry point for the Davomat server.
//
// Davomat ingests live school-attendance statistics for one region from an
// upstream municipal telemetry feed, merges the shift-scoped snapshots into
// per-day documents, and serves them over a small HTTP API plus a dashboard
// WebSocket stream.
//
// The server initializes components in this order:
//
//  1. Configuration: koanf v2 layering defaults, an optional YAML file, and
//     DAVOMAT_-prefixed environment variables
//  2. Logging: zerolog global logger
//  3. Store: BadgerDB day-document store
//  4. Pipeline: watermill pub/sub, aggregator, feed client, shift cycler
//  5. Dashboard hub and HTTP API
//  6. Supervision: a suture tree runs everything and restarts what crashes
//
// Shutdown is signal-driven: SIGINT or SIGTERM cancels the tree's context,
// the HTTP server drains, the feed connection closes, and the store is
// closed last.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/davomat-uz/davomat/internal/api"
	"github.com/davomat-uz/davomat/internal/bus"
	"github.com/davomat-uz/davomat/internal/config"
	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/ingest"
	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/readside"
	"github.com/davomat-uz/davomat/internal/store"
	"github.com/davomat-uz/davomat/internal/supervisor"
	"github.com/davomat-uz/davomat/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.Config{Level: "info"})
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("feed_url", cfg.Feed.URL).Msg("Davomat starting")

	st, err := store.Open(store.Config{
		Path:       cfg.Store.Path,
		SyncWrites: cfg.Store.SyncWrites,
		InMemory:   cfg.Store.InMemory,
	})
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Store close failed")
		}
	}()

	// Pipeline: feed client -> pub/sub -> aggregator -> store, with the
	// dashboard hub notified after every merge.
	hub := websocket.NewHub()
	aggregator := ingest.NewAggregator(st, ingest.WithOnMerge(hub.BroadcastAttendanceUpdate))
	pubsub := bus.NewPubSub(int64(cfg.Feed.BufferSize))
	defer func() {
		if err := pubsub.Close(); err != nil {
			logging.Error().Err(err).Msg("Pub/sub close failed")
		}
	}()

	client := feed.NewClient(feed.Options{
		URL:                  cfg.Feed.URL,
		HandshakeTimeout:     cfg.Feed.HandshakeTimeout,
		ReconnectBase:        cfg.Feed.ReconnectBase,
		ReconnectMax:         cfg.Feed.ReconnectMax,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		BufferSize:           cfg.Feed.BufferSize,
		CycleInterval:        cfg.Cycle.Interval,
		Baseline:             baselineFromConfig(cfg.Feed),
		OnStateChange:        hub.BroadcastFeedStatus,
	}, pubsub)

	selector := readside.NewSelector(st, client.Buffer())
	handler := api.NewRouter(cfg.Server, selector, client, st, hub).Setup()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	tree.AddDataService(supervisor.NewGCService(st, cfg.Store.GCInterval, cfg.Store.GCRatio))
	tree.AddIngestService(supervisor.NewHubService(hub))
	tree.AddIngestService(supervisor.NewBusService(pubsub, aggregator))
	tree.AddIngestService(supervisor.NewFeedService(client))
	tree.AddAPIService(supervisor.NewHTTPService(cfg.Server, handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("Starting supervisor tree")
	// ServeBackground delivers exactly one terminal error and never closes
	// the channel, so receive once rather than ranging.
	errCh := tree.ServeBackground(ctx)
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Davomat stopped")
}

// baselineFromConfig maps the static feed configuration onto the
// subscription baseline the cycler and intent methods build from.
func baselineFromConfig(fc config.FeedConfig) feed.BuildOptions {
	opts := feed.BuildOptions{
		Interval: fc.Interval,
		Date:     fc.Date,
		TumanID:  fc.TumanID,
	}
	if fc.Shift > 0 {
		opts.Shift = feed.ShiftNumber(fc.Shift)
	}
	return opts
}
