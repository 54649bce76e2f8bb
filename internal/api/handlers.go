// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/models"
	"github.com/davomat-uz/davomat/internal/readside"
	"github.com/davomat-uz/davomat/internal/store"
	"github.com/davomat-uz/davomat/internal/websocket"
)

// Handlers serves the read-side endpoints.
type Handlers struct {
	selector *readside.Selector
	client   *feed.Client
	store    *store.Store
	hub      *websocket.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(selector *readside.Selector, client *feed.Client, st *store.Store, hub *websocket.Hub) *Handlers {
	return &Handlers{selector: selector, client: client, store: st, hub: hub}
}

// Attendance resolves one attendance query.
//
// GET /api/v1/attendance?mode=archive&date=2025-12-02&shift=2&tuman=14
//
// mode defaults to realtime. All parameters are optional; an unmatched
// query returns has_data=false inside a success envelope.
func (h *Handlers) Attendance(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	q := r.URL.Query()

	mode := q.Get("mode")
	if mode != "" && mode != readside.ModeRealtime && mode != readside.ModeArchive {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "mode must be realtime or archive", nil)
		return
	}
	if mode == "" {
		mode = readside.ModeRealtime
	}

	date := q.Get("date")
	if date != "" {
		if _, err := time.Parse(models.DateLayout, date); err != nil {
			respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "date must be YYYY-MM-DD", nil)
			return
		}
	}

	shiftNo, ok := optionalIntParam(r, "shift")
	if !ok || (shiftNo != nil && (*shiftNo < 1 || *shiftNo > 3)) {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "shift must be 1, 2, or 3", nil)
		return
	}
	tumanID, ok := optionalIntParam(r, "tuman")
	if !ok {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "tuman must be an integer", nil)
		return
	}

	view, err := h.selector.Select(r.Context(), readside.Query{
		Mode:    mode,
		Date:    date,
		ShiftNo: shiftNo,
		TumanID: tumanID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, models.ErrCodeInternal, "attendance query failed", err)
		return
	}
	respondSuccess(w, view, started)
}

// summaryResponse is the roll-up shape for one archived day.
type summaryResponse struct {
	Date    string           `json:"date"`
	HasData bool             `json:"has_data"`
	Region  models.RegionRef `json:"region"`
	Totals  *models.Totals   `json:"totals,omitempty"`
	Shifts  []string         `json:"shifts_received"`
}

// AttendanceSummary returns the derived totals for one archived date.
//
// GET /api/v1/attendance/summary?date=2025-12-02&tuman=14
func (h *Handlers) AttendanceSummary(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	date := r.URL.Query().Get("date")
	if date == "" {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "date is required", nil)
		return
	}
	if _, err := time.Parse(models.DateLayout, date); err != nil {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "date must be YYYY-MM-DD", nil)
		return
	}
	tumanID, ok := optionalIntParam(r, "tuman")
	if !ok {
		respondError(w, http.StatusBadRequest, models.ErrCodeValidation, "tuman must be an integer", nil)
		return
	}

	doc, err := h.store.Get(r.Context(), date, tumanID)
	if errors.Is(err, store.ErrNotFound) {
		respondSuccess(w, summaryResponse{Date: date}, started)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, models.ErrCodeInternal, "summary query failed", err)
		return
	}

	shifts := make([]string, 0, len(models.SlotKeys))
	for _, key := range models.SlotKeys {
		if doc.Slots.Get(key) != nil {
			shifts = append(shifts, key)
		}
	}
	respondSuccess(w, summaryResponse{
		Date:    doc.Date,
		HasData: true,
		Region:  doc.Region,
		Totals:  &doc.Totals,
		Shifts:  shifts,
	}, started)
}

// AttendanceDates lists every date with at least one merged document.
//
// GET /api/v1/attendance/dates
func (h *Handlers) AttendanceDates(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	dates, err := h.store.Dates(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, models.ErrCodeInternal, "dates query failed", err)
		return
	}
	respondSuccess(w, map[string]interface{}{"dates": dates, "count": len(dates)}, started)
}

// feedStatusResponse describes the upstream connection.
type feedStatusResponse struct {
	State         string                 `json:"state"`
	Cycling       bool                   `json:"cycling"`
	CurrentConfig *models.ControlMessage `json:"current_config,omitempty"`
	BufferedCount int                    `json:"buffered_snapshots"`
}

// FeedStatus reports the upstream feed connection state.
//
// GET /api/v1/feed/status
func (h *Handlers) FeedStatus(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	respondSuccess(w, feedStatusResponse{
		State:         h.client.State().String(),
		Cycling:       h.client.Cycler().Running(),
		CurrentConfig: h.client.CurrentConfig(),
		BufferedCount: h.client.Buffer().Len(),
	}, started)
}

// HealthLive is the liveness probe: the process is up.
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status:   "success",
		Data:     map[string]string{"status": "alive"},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}

// HealthReady is the readiness probe: the store answers. The feed being
// down does not fail readiness, the read side still serves archive data.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, models.ErrCodeInternal, "store unavailable", err)
		return
	}
	respondJSON(w, http.StatusOK, &models.APIResponse{
		Status: "success",
		Data: map[string]interface{}{
			"status":         "ready",
			"feed_connected": h.client.IsConnected(),
		},
		Metadata: models.Metadata{Timestamp: time.Now()},
	})
}
