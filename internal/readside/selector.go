// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package readside answers attendance queries from two sources behind one
// shape: the feed client's live ring buffer for realtime mode, the merged
// day documents for archive mode. "No data" is a valid result here, never
// an error.
package readside

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davomat-uz/davomat/internal/feed"
	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/models"
	"github.com/davomat-uz/davomat/internal/store"
)

// Query modes.
const (
	ModeRealtime = "realtime"
	ModeArchive  = "archive"
)

// Query describes one read request. ShiftNo nil means "no specific shift":
// the archive path then prefers the combined slot and falls back to the
// first populated individual shift.
type Query struct {
	Mode    string
	Date    string
	ShiftNo *int
	TumanID *int
}

// Selector resolves queries against the buffer and the store.
type Selector struct {
	store  *store.Store
	buffer *feed.RingBuffer
	now    func() time.Time
}

// NewSelector creates a selector over the given store and live buffer.
func NewSelector(st *store.Store, buffer *feed.RingBuffer) *Selector {
	return &Selector{store: st, buffer: buffer, now: time.Now}
}

// Select resolves one query. Archive mode requires a date; a query without
// one drops to realtime regardless of the requested mode.
func (s *Selector) Select(ctx context.Context, q Query) (*models.AttendanceView, error) {
	if q.Mode == ModeArchive && q.Date != "" {
		return s.fromArchive(ctx, q)
	}
	return s.fromBuffer(q), nil
}

func (s *Selector) fromArchive(ctx context.Context, q Query) (*models.AttendanceView, error) {
	doc, err := s.store.Get(ctx, q.Date, q.TumanID)
	if errors.Is(err, store.ErrNotFound) {
		return models.NoDataView(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read day document: %w", err)
	}

	shiftKey, slot := s.pickSlot(doc, q.ShiftNo)
	if slot == nil {
		return models.NoDataView(), nil
	}

	view := viewFromSlot(shiftKey, slot)
	view.Source = models.ViewSourceArchive
	view.Date = doc.Date
	view.Region = doc.Region
	view.Totals = &doc.Totals
	return view, nil
}

// pickSlot applies the archive slot preference: exact shift when requested,
// otherwise the combined slot, otherwise the first populated shift in
// canonical order.
func (s *Selector) pickSlot(doc *models.DayDocument, shiftNo *int) (string, *models.ShiftSlot) {
	if shiftNo != nil {
		key := models.ShiftKeyFor(shiftNo)
		return key, doc.Slots.Get(key)
	}
	for _, key := range models.SlotKeys {
		if slot := doc.Slots.Get(key); slot != nil {
			return key, slot
		}
	}
	return "", nil
}

func (s *Selector) fromBuffer(q Query) *models.AttendanceView {
	var entry *feed.BufferedSnapshot
	if q.ShiftNo == nil && q.Date == "" {
		entry = s.buffer.Latest()
	} else {
		entry = s.buffer.Find(func(snap *models.AttendanceSnapshot) bool {
			if q.Date != "" && snap.Date != q.Date {
				return false
			}
			if q.ShiftNo != nil && snap.ShiftKey() != models.ShiftKeyFor(q.ShiftNo) {
				return false
			}
			return true
		})
	}
	if entry == nil {
		logging.Debug().Str("mode", q.Mode).Msg("Realtime buffer has no matching entry")
		return models.NoDataView()
	}

	snap := entry.Snapshot
	view := viewFromSlot(snap.ShiftKey(), snap.Slot(entry.ReceivedAt))
	view.Source = models.ViewSourceRealtime
	view.Date = snap.Date
	view.Region = models.RegionRef{ID: snap.RegionID, Name: snap.RegionName}
	return view
}

// viewFromSlot reshapes one slot into the normalized view.
func viewFromSlot(shiftKey string, slot *models.ShiftSlot) *models.AttendanceView {
	return &models.AttendanceView{
		HasData:    true,
		ShiftKey:   shiftKey,
		Schools:    slot.Schools,
		Students:   slot.Students,
		Teachers:   slot.Teachers,
		Districts:  slot.Districts,
		Cities:     slot.Cities,
		ReceivedAt: slot.ReceivedAt,
	}
}
