// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/davomat-uz/davomat/internal/config"
	"github.com/davomat-uz/davomat/internal/logging"
)

// Server runs the HTTP API with graceful shutdown.
type Server struct {
	httpServer *http.Server
}

// NewServer binds the router to the configured address.
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       timeout,
			// No WriteTimeout: the dashboard WebSocket endpoint holds
			// its connection open indefinitely.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Serve blocks until the context is canceled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("HTTP server shutdown failed")
			return err
		}
		logging.Info().Msg("HTTP server stopped")
		return ctx.Err()
	}
}
