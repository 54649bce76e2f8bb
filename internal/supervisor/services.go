// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/thejerf/suture/v4"

	"github.com/davomat-uz/davomat/internal/api"
	"github.com/davomat-uz/davomat/internal/bus"
	"github.com/davomat-uz/davomat/internal/config"
	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/ingest"
	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/store"
	"github.com/davomat-uz/davomat/internal/websocket"
)

// FeedService runs the upstream feed client under supervision.
type FeedService struct {
	client *feed.Client
}

// NewFeedService wraps a feed client.
func NewFeedService(client *feed.Client) *FeedService {
	return &FeedService{client: client}
}

// Serve runs the client's reconnect loop. When the backoff ceiling is
// exhausted the service stops for good: external intervention is required,
// a supervisor restart would just burn the same attempts again.
func (s *FeedService) Serve(ctx context.Context) error {
	err := s.client.Run(ctx)
	if errors.Is(err, feed.ErrReconnectExhausted) {
		logging.Error().Err(err).Msg("Feed client gave up, not restarting")
		return errors.Join(err, suture.ErrDoNotRestart)
	}
	return err
}

func (s *FeedService) String() string { return "feed-client" }

// BusService runs the snapshot router. Each Serve call builds a fresh
// router because a watermill router cannot be reused after it stops.
type BusService struct {
	subscriber message.Subscriber
	aggregator *ingest.Aggregator
}

// NewBusService wraps the subscriber side of the snapshot pipeline.
func NewBusService(subscriber message.Subscriber, aggregator *ingest.Aggregator) *BusService {
	return &BusService{subscriber: subscriber, aggregator: aggregator}
}

// Serve builds the router, registers the merge handler, and runs until
// the context is canceled.
func (s *BusService) Serve(ctx context.Context) error {
	router, err := bus.NewRouter()
	if err != nil {
		return err
	}
	ingest.RegisterHandlers(router, s.subscriber, s.aggregator)
	return router.Run(ctx)
}

func (s *BusService) String() string { return "snapshot-router" }

// HubService runs the dashboard WebSocket hub.
type HubService struct {
	hub *websocket.Hub
}

// NewHubService wraps a hub.
func NewHubService(hub *websocket.Hub) *HubService {
	return &HubService{hub: hub}
}

// Serve pumps the hub until the context is canceled.
func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.Run(ctx)
}

func (s *HubService) String() string { return "dashboard-hub" }

// HTTPService runs the API server. A fresh http.Server is built per Serve
// call so a supervisor restart gets a clean listener.
type HTTPService struct {
	cfg     config.ServerConfig
	handler http.Handler
}

// NewHTTPService wraps the router's handler tree.
func NewHTTPService(cfg config.ServerConfig, handler http.Handler) *HTTPService {
	return &HTTPService{cfg: cfg, handler: handler}
}

// Serve listens until the context is canceled.
func (s *HTTPService) Serve(ctx context.Context) error {
	return api.NewServer(s.cfg, s.handler).Serve(ctx)
}

func (s *HTTPService) String() string { return "http-server" }

// GCService periodically runs Badger value-log garbage collection.
type GCService struct {
	store    *store.Store
	interval time.Duration
	ratio    float64
}

// NewGCService wraps the store's GC loop. interval defaults to 10 minutes.
func NewGCService(st *store.Store, interval time.Duration, ratio float64) *GCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}
	return &GCService{store: st, interval: interval, ratio: ratio}
}

// Serve runs GC on a ticker until the context is canceled.
func (s *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(s.ratio); err != nil {
				logging.Warn().Err(err).Msg("Store GC pass failed")
			}
		}
	}
}

func (s *GCService) String() string { return "store-gc" }
