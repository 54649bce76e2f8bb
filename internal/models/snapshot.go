// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Shift slot keys. "all" is the combined session as reported by the upstream
// feed, not a merge of the individual shifts.
const (
	ShiftKeyAll    = "all"
	ShiftKeyShift1 = "shift1"
	ShiftKeyShift2 = "shift2"
	ShiftKeyShift3 = "shift3"
)

// DateLayout is the wire format for attendance dates.
const DateLayout = "2006-01-02"

// FeedMessage is the inbound envelope from the upstream attendance feed.
// Only messages with Type == "stats" carry a payload the pipeline consumes;
// every other type is dropped by the feed client.
type FeedMessage struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageTypeStats is the only inbound message type the pipeline consumes.
const MessageTypeStats = "stats"

// SchoolsSummary aggregates school counts for one snapshot scope.
type SchoolsSummary struct {
	Total  int `json:"total"`
	Active int `json:"active"`
}

// StudentsSummary aggregates student attendance for one snapshot scope.
type StudentsSummary struct {
	Total          int     `json:"total"`
	PresentToday   int     `json:"present_today"`
	AbsentToday    int     `json:"absent_today"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// TeachersSummary aggregates teacher attendance for one snapshot scope.
type TeachersSummary struct {
	Total          int     `json:"total"`
	PresentToday   int     `json:"present_today"`
	AbsentToday    int     `json:"absent_today"`
	AttendanceRate float64 `json:"attendance_rate"`
}

// GeoStat is a per-district or per-city attendance line item.
type GeoStat struct {
	Name            string  `json:"name"`
	SchoolsCount    int     `json:"schools_count"`
	StudentsTotal   int     `json:"students_total"`
	StudentsPresent int     `json:"students_present"`
	AttendanceRate  float64 `json:"attendance_rate"`
}

// AttendanceSnapshot is one inbound stats payload, scoped to a date and an
// optional shift. ShiftNo == nil means "all shifts combined" as reported
// upstream. Sub-object pointers are nil when the upstream omitted that
// section; merge logic checks population explicitly instead of guessing
// from zero values.
type AttendanceSnapshot struct {
	Date       string           `json:"date" validate:"required,datetime=2006-01-02"`
	ShiftNo    *int             `json:"shift_no" validate:"omitempty,min=1,max=3"`
	RegionID   int              `json:"region_id"`
	RegionName string           `json:"region_name"`
	Schools    *SchoolsSummary  `json:"schools,omitempty"`
	Students   *StudentsSummary `json:"students,omitempty"`
	Teachers   *TeachersSummary `json:"teachers,omitempty"`
	Districts  []GeoStat        `json:"districts,omitempty"`
	Cities     []GeoStat        `json:"cities,omitempty"`
}

// ShiftKey maps the snapshot's shift number onto its document slot key.
func (s *AttendanceSnapshot) ShiftKey() string {
	return ShiftKeyFor(s.ShiftNo)
}

// ShiftKeyFor maps an optional shift number onto a slot key.
// nil means the combined "all" session.
func ShiftKeyFor(shiftNo *int) string {
	if shiftNo == nil {
		return ShiftKeyAll
	}
	switch *shiftNo {
	case 1:
		return ShiftKeyShift1
	case 2:
		return ShiftKeyShift2
	case 3:
		return ShiftKeyShift3
	default:
		return ShiftKeyAll
	}
}

// Slot converts the snapshot's statistical content into a document shift
// slot. The upstream always sends a complete replacement for the slot's
// contents, so no per-field merging happens here.
func (s *AttendanceSnapshot) Slot(receivedAt time.Time) *ShiftSlot {
	return &ShiftSlot{
		Schools:    s.Schools,
		Students:   s.Students,
		Teachers:   s.Teachers,
		Districts:  s.Districts,
		Cities:     s.Cities,
		ReceivedAt: receivedAt,
	}
}
