// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"

	"github.com/davomat-uz/davomat/internal/config"
	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/ingest"
	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/models"
	"github.com/davomat-uz/davomat/internal/readside"
	"github.com/davomat-uz/davomat/internal/store"
	"github.com/davomat-uz/davomat/internal/websocket"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, ...*message.Message) error { return nil }
func (nopPublisher) Close() error                              { return nil }

type fixture struct {
	server *httptest.Server
	store  *store.Store
	client *feed.Client
	hub    *websocket.Hub
}

func newAPIFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(store.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	client := feed.NewClient(feed.Options{URL: "ws://upstream.invalid/stats"}, nopPublisher{})
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)

	selector := readside.NewSelector(st, client.Buffer())
	router := NewRouter(config.ServerConfig{
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	}, selector, client, st, hub)

	server := httptest.NewServer(router.Setup())
	t.Cleanup(server.Close)

	return &fixture{server: server, store: st, client: client, hub: hub}
}

func (f *fixture) seed(t *testing.T, snap *models.AttendanceSnapshot, tumanID *int) {
	t.Helper()
	agg := ingest.NewAggregator(f.store)
	if _, err := agg.Ingest(context.Background(), snap, tumanID); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, models.APIResponse) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	var envelope models.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return resp, envelope
}

func intPtr(n int) *int { return &n }

func seedSnapshot(shiftNo *int, total, present int) *models.AttendanceSnapshot {
	return &models.AttendanceSnapshot{
		Date:       "2025-12-02",
		ShiftNo:    shiftNo,
		RegionID:   6,
		RegionName: "Tashkent Region",
		Students:   &models.StudentsSummary{Total: total, PresentToday: present},
	}
}

func dataAs(t *testing.T, envelope models.APIResponse, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(envelope.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatal(err)
	}
}

func TestAttendanceArchive(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedSnapshot(intPtr(2), 445000, 418000), nil)

	resp, envelope := f.get(t, "/api/v1/attendance?mode=archive&date=2025-12-02&shift=2")
	if resp.StatusCode != http.StatusOK || envelope.Status != "success" {
		t.Fatalf("status = %d / %s", resp.StatusCode, envelope.Status)
	}

	var view models.AttendanceView
	dataAs(t, envelope, &view)
	if !view.HasData || view.Source != models.ViewSourceArchive {
		t.Errorf("view = %+v", view)
	}
	if view.Students == nil || view.Students.PresentToday != 418000 {
		t.Errorf("students = %+v", view.Students)
	}
}

func TestAttendanceNoDataIsSuccess(t *testing.T) {
	f := newAPIFixture(t)

	resp, envelope := f.get(t, "/api/v1/attendance?mode=archive&date=2024-01-01")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("no data must be 200, got %d", resp.StatusCode)
	}

	var view models.AttendanceView
	dataAs(t, envelope, &view)
	if view.HasData {
		t.Error("expected has_data=false")
	}
}

func TestAttendanceValidation(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		path string
	}{
		{"bad mode", "/api/v1/attendance?mode=streaming"},
		{"bad date", "/api/v1/attendance?mode=archive&date=12-02-2025"},
		{"shift out of range", "/api/v1/attendance?shift=4"},
		{"shift not a number", "/api/v1/attendance?shift=two"},
		{"tuman not a number", "/api/v1/attendance?tuman=x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, envelope := f.get(t, tt.path)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if envelope.Error == nil || envelope.Error.Code != models.ErrCodeValidation {
				t.Errorf("error = %+v", envelope.Error)
			}
		})
	}
}

func TestAttendanceSummary(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedSnapshot(intPtr(1), 450000, 425000), nil)
	f.seed(t, seedSnapshot(intPtr(2), 445000, 418000), nil)

	_, envelope := f.get(t, "/api/v1/attendance/summary?date=2025-12-02")

	var summary struct {
		HasData bool           `json:"has_data"`
		Totals  *models.Totals `json:"totals"`
		Shifts  []string       `json:"shifts_received"`
	}
	dataAs(t, envelope, &summary)
	if !summary.HasData || summary.Totals == nil {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.Totals.OverallRate != 94.19 {
		t.Errorf("overall rate = %v", summary.Totals.OverallRate)
	}
	if len(summary.Shifts) != 2 {
		t.Errorf("shifts received = %v", summary.Shifts)
	}
}

func TestAttendanceSummaryRequiresDate(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/attendance/summary")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAttendanceDates(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedSnapshot(intPtr(1), 100, 90), nil)

	_, envelope := f.get(t, "/api/v1/attendance/dates")

	var payload struct {
		Dates []string `json:"dates"`
		Count int      `json:"count"`
	}
	dataAs(t, envelope, &payload)
	if payload.Count != 1 || len(payload.Dates) != 1 || payload.Dates[0] != "2025-12-02" {
		t.Errorf("dates payload = %+v", payload)
	}
}

func TestFeedStatus(t *testing.T) {
	f := newAPIFixture(t)

	_, envelope := f.get(t, "/api/v1/feed/status")

	var status struct {
		State   string `json:"state"`
		Cycling bool   `json:"cycling"`
	}
	dataAs(t, envelope, &status)
	if status.State != "disconnected" {
		t.Errorf("state = %q", status.State)
	}
	if status.Cycling {
		t.Error("cycler must not run while disconnected")
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.get(t, "/api/v1/health/live")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d", resp.StatusCode)
	}

	resp, envelope := f.get(t, "/api/v1/health/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d", resp.StatusCode)
	}
	var ready struct {
		FeedConnected bool `json:"feed_connected"`
	}
	dataAs(t, envelope, &ready)
	if ready.FeedConnected {
		t.Error("feed must report disconnected")
	}
}

func TestHealthReadyFailsWhenStoreClosed(t *testing.T) {
	f := newAPIFixture(t)
	_ = f.store.Close()

	resp, _ := f.get(t, "/api/v1/health/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready after close = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "feed_connected") {
		t.Errorf("metrics endpoint status=%d", resp.StatusCode)
	}
}

// Request metrics label the endpoint with the chi route pattern, not the
// raw URL path, so the label cardinality stays bounded.
func TestRequestMetricsUseRoutePattern(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/api/v1/attendance/dates")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `endpoint="/api/v1/attendance/dates"`) {
		t.Error("api_requests_total missing the route-pattern endpoint label")
	}
}

func TestDashboardEndpointUpgrades(t *testing.T) {
	f := newAPIFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/ws"
	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("hub never saw the dashboard client")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
