// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package websocket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return hub, cancel
}

// fakeClient registers a hub client without a real connection.
func fakeClient(hub *Hub, queue int) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		send: make(chan Message, queue),
	}
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", hub.ClientCount(), want)
}

func TestHubRegisterUnregister(t *testing.T) {
	hub, _ := runHub(t)

	client := fakeClient(hub, 1)
	hub.Register <- client
	waitForCount(t, hub, 1)

	hub.Unregister <- client
	waitForCount(t, hub, 0)

	if _, ok := <-client.send; ok {
		t.Error("unregister must close the client's send channel")
	}
}

func TestHubBroadcastAttendanceUpdate(t *testing.T) {
	hub, _ := runHub(t)

	a := fakeClient(hub, 4)
	b := fakeClient(hub, 4)
	hub.Register <- a
	hub.Register <- b
	waitForCount(t, hub, 2)

	doc := &models.DayDocument{Date: "2025-12-02"}
	hub.BroadcastAttendanceUpdate(doc)

	for _, client := range []*Client{a, b} {
		select {
		case msg := <-client.send:
			if msg.Type != MessageTypeAttendanceUpdate {
				t.Errorf("message type = %q", msg.Type)
			}
			got, ok := msg.Data.(*models.DayDocument)
			if !ok || got.Date != "2025-12-02" {
				t.Errorf("payload = %#v", msg.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("client never received the broadcast")
		}
	}
}

func TestHubBroadcastFeedStatus(t *testing.T) {
	hub, _ := runHub(t)

	client := fakeClient(hub, 4)
	hub.Register <- client
	waitForCount(t, hub, 1)

	hub.BroadcastFeedStatus("reconnect_scheduled")

	select {
	case msg := <-client.send:
		if msg.Type != MessageTypeFeedStatus {
			t.Errorf("message type = %q", msg.Type)
		}
		data, ok := msg.Data.(FeedStatusData)
		if !ok || data.State != "reconnect_scheduled" {
			t.Errorf("payload = %#v", msg.Data)
		}
		if data.Timestamp == "" {
			t.Error("feed status frame missing timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the feed status frame")
	}
}

func TestHubDropsSlowClients(t *testing.T) {
	hub, _ := runHub(t)

	slow := fakeClient(hub, 1)
	hub.Register <- slow
	waitForCount(t, hub, 1)

	// First fills the queue, second forces the drop.
	hub.BroadcastAttendanceUpdate(&models.DayDocument{Date: "2025-12-02"})
	hub.BroadcastAttendanceUpdate(&models.DayDocument{Date: "2025-12-03"})

	waitForCount(t, hub, 0)
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, cancel := runHub(t)

	client := fakeClient(hub, 1)
	hub.Register <- client
	waitForCount(t, hub, 1)

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected closed channel on shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}
}

func TestClientRoundTrip(t *testing.T) {
	hub, _ := runHub(t)

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := NewClient(hub, conn)
		hub.Register <- client
		client.Start()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	waitForCount(t, hub, 1)

	hub.BroadcastAttendanceUpdate(&models.DayDocument{Date: "2025-12-02"})

	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != MessageTypeAttendanceUpdate {
		t.Errorf("frame type = %q", msg.Type)
	}

	// Application-level ping gets a pong back.
	if err := conn.WriteJSON(Message{Type: MessageTypePing}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != MessageTypePong {
		t.Errorf("expected pong, got %q", msg.Type)
	}

	_ = conn.Close()
	waitForCount(t, hub, 0)
}
