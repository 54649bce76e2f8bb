// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/metrics"
	"github.com/davomat-uz/davomat/internal/models"
)

// Outbound message types pushed to dashboard clients.
const (
	MessageTypeAttendanceUpdate = "attendance_update"
	MessageTypeFeedStatus       = "feed_status"
	MessageTypePing             = "ping"
	MessageTypePong             = "pong"
)

// Message is one frame pushed to dashboard clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub fans merged attendance updates out to connected dashboard clients.
// A slow client never blocks a broadcast: its queue fills and it is dropped.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex
}

// NewHub creates an empty hub. Call Run before registering clients.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// Run services the hub until the context is canceled, then closes every
// client and returns ctx.Err(). Lifecycle events are drained before
// broadcasts so client state is settled when a message goes out.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case client := <-h.Register:
			h.addClient(client)
		case client := <-h.Unregister:
			h.removeClient(client)
		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("Dashboard client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.WSClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("Dashboard client disconnected")
}

// broadcastToClients delivers one message to every client in ID order.
// Stable ordering keeps delivery reproducible under test.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}
	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
	}
	if len(toRemove) > 0 {
		metrics.WSClients.Set(float64(len(h.clients)))
		logging.Warn().Int("dropped", len(toRemove)).Msg("Dropped slow dashboard clients")
	}
}

func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	count := len(h.clients)
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.WSClients.Set(0)
	logging.Info().
		Str("component", "dashboard-hub").
		AnErr("reason", ctx.Err()).
		Int("clients_closed", count).
		Msg("Dashboard hub stopped")
}

// BroadcastAttendanceUpdate pushes a freshly merged day document to every
// dashboard client. Called from the aggregator's merge callback; drops the
// frame when the broadcast queue is full rather than stalling ingestion.
func (h *Hub) BroadcastAttendanceUpdate(doc *models.DayDocument) {
	select {
	case h.broadcast <- Message{Type: MessageTypeAttendanceUpdate, Data: doc}:
	default:
		logging.Warn().Msg("Broadcast queue full, dropping attendance update")
	}
}

// FeedStatusData is the payload of a feed_status frame.
type FeedStatusData struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// BroadcastFeedStatus notifies clients of upstream feed state changes.
func (h *Hub) BroadcastFeedStatus(state string) {
	data := FeedStatusData{State: state, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	select {
	case h.broadcast <- Message{Type: MessageTypeFeedStatus, Data: data}:
	default:
		logging.Warn().Msg("Broadcast queue full, dropping feed status")
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
