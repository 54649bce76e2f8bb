// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"net/http"

	gorilla "github.com/gorilla/websocket"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/websocket"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin enforcement happens in the CORS layer; the dashboard is
	// served from the same host in deployment.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Dashboard upgrades the request and attaches the client to the hub.
//
// GET /api/v1/ws
func (h *Handlers) Dashboard(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("Dashboard upgrade failed")
		return
	}
	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}
