// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"math"
	"time"
)

// Document type tags. The tag is advisory: nothing in the ingestion pipeline
// flips it, the read side decides freshness by comparing the requested date
// against "today" at query time.
const (
	DocTypeRealtime  = "realtime"
	DocTypeFinalized = "finalized"
)

// RegionRef identifies the region a document belongs to.
type RegionRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ShiftSlot holds one shift's worth of statistics inside a DayDocument.
// A nil slot means that shift has never been observed for the date.
type ShiftSlot struct {
	Schools    *SchoolsSummary  `json:"schools,omitempty"`
	Students   *StudentsSummary `json:"students,omitempty"`
	Teachers   *TeachersSummary `json:"teachers,omitempty"`
	Districts  []GeoStat        `json:"districts,omitempty"`
	Cities     []GeoStat        `json:"cities,omitempty"`
	ReceivedAt time.Time        `json:"received_at"`
}

// ShiftSlots groups the four independently nullable slots of a day.
type ShiftSlots struct {
	All    *ShiftSlot `json:"all,omitempty"`
	Shift1 *ShiftSlot `json:"shift1,omitempty"`
	Shift2 *ShiftSlot `json:"shift2,omitempty"`
	Shift3 *ShiftSlot `json:"shift3,omitempty"`
}

// Get returns the slot for a key, nil when the key is unknown or unset.
func (s *ShiftSlots) Get(key string) *ShiftSlot {
	switch key {
	case ShiftKeyAll:
		return s.All
	case ShiftKeyShift1:
		return s.Shift1
	case ShiftKeyShift2:
		return s.Shift2
	case ShiftKeyShift3:
		return s.Shift3
	default:
		return nil
	}
}

// Set stores a slot under its key. Unknown keys are ignored.
func (s *ShiftSlots) Set(key string, slot *ShiftSlot) {
	switch key {
	case ShiftKeyAll:
		s.All = slot
	case ShiftKeyShift1:
		s.Shift1 = slot
	case ShiftKeyShift2:
		s.Shift2 = slot
	case ShiftKeyShift3:
		s.Shift3 = slot
	}
}

// SlotKeys lists every slot key in canonical order: the combined session
// first, then the individual shifts.
var SlotKeys = []string{ShiftKeyAll, ShiftKeyShift1, ShiftKeyShift2, ShiftKeyShift3}

// Totals is the derived roll-up over the currently populated shift slots.
// It is recomputed from scratch after every slot write, never patched
// incrementally, so it cannot drift from the slots it summarizes.
type Totals struct {
	TotalPresent  int     `json:"totalPresent"`
	TotalStudents int     `json:"totalStudents"`
	OverallRate   float64 `json:"overallRate"`
}

// DayDocument is the persisted merged record for one (date, region, optional
// sub-region) tuple. Exactly one document exists per tuple; writes are
// idempotent keyed upserts.
type DayDocument struct {
	ID        string     `json:"id"`
	Date      string     `json:"date"`
	Type      string     `json:"type"`
	Region    RegionRef  `json:"region"`
	TumanID   *int       `json:"tuman_id,omitempty"`
	Slots     ShiftSlots `json:"shiftSlots"`
	Totals    Totals     `json:"totals"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RecomputeTotals derives Totals from whichever slots currently carry
// student figures. The overall rate is present/total*100 rounded to two
// decimals, and zero when no students have been recorded (never a division
// by zero).
func (d *DayDocument) RecomputeTotals() {
	var t Totals
	for _, key := range SlotKeys {
		slot := d.Slots.Get(key)
		if slot == nil || slot.Students == nil {
			continue
		}
		t.TotalPresent += slot.Students.PresentToday
		t.TotalStudents += slot.Students.Total
	}
	if t.TotalStudents > 0 {
		t.OverallRate = Round2(float64(t.TotalPresent) / float64(t.TotalStudents) * 100)
	}
	d.Totals = t
}

// Round2 rounds to two decimal places.
func Round2(f float64) float64 {
	return math.Round(f*100) / 100
}
