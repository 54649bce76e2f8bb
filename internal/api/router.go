// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package api exposes the read-side HTTP surface: attendance queries,
// feed status, health probes, Prometheus metrics, and the dashboard
// WebSocket endpoint.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davomat-uz/davomat/internal/config"
	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/readside"
	"github.com/davomat-uz/davomat/internal/store"
	"github.com/davomat-uz/davomat/internal/websocket"
)

// Router builds the HTTP handler tree.
type Router struct {
	cfg      config.ServerConfig
	handlers *Handlers
}

// NewRouter wires the API over the read-side selector, the feed client,
// the store, and the dashboard hub.
func NewRouter(cfg config.ServerConfig, selector *readside.Selector, client *feed.Client, st *store.Store, hub *websocket.Hub) *Router {
	return &Router{
		cfg:      cfg,
		handlers: NewHandlers(selector, client, st, hub),
	}
}

// Setup returns the fully assembled chi handler.
func (ro *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ro.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/live", ro.handlers.HealthLive)
		r.Get("/ready", ro.handlers.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		rateReqs := ro.cfg.RateLimitReqs
		if rateReqs <= 0 {
			rateReqs = 300
		}
		window := ro.cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(rateReqs, window))
		r.Use(prometheusMiddleware)

		r.Get("/attendance", ro.handlers.Attendance)
		r.Get("/attendance/summary", ro.handlers.AttendanceSummary)
		r.Get("/attendance/dates", ro.handlers.AttendanceDates)
		r.Get("/feed/status", ro.handlers.FeedStatus)
		r.Get("/ws", ro.handlers.Dashboard)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
