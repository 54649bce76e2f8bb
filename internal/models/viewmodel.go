// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import "time"

// View sources. Realtime views come from the in-memory feed buffer, archive
// views from the persisted day document.
const (
	ViewSourceRealtime = "realtime"
	ViewSourceArchive  = "archive"
)

// AttendanceView is the single normalized shape handed to the presentation
// layer regardless of whether the data came from the live buffer or the
// merged document. HasData false is a defined empty-but-valid result, not
// an error.
type AttendanceView struct {
	HasData    bool             `json:"has_data"`
	Source     string           `json:"source,omitempty"`
	Date       string           `json:"date,omitempty"`
	ShiftKey   string           `json:"shift,omitempty"`
	Region     RegionRef        `json:"region"`
	Schools    *SchoolsSummary  `json:"schools,omitempty"`
	Students   *StudentsSummary `json:"students,omitempty"`
	Teachers   *TeachersSummary `json:"teachers,omitempty"`
	Districts  []GeoStat        `json:"districts,omitempty"`
	Cities     []GeoStat        `json:"cities,omitempty"`
	Totals     *Totals          `json:"totals,omitempty"`
	ReceivedAt time.Time        `json:"received_at,omitempty"`
}

// NoDataView is the canonical empty result.
func NoDataView() *AttendanceView {
	return &AttendanceView{HasData: false}
}
