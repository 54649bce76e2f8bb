// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"github.com/goccy/go-json"
)

// ControlMessage is the outbound subscription config the feed client sends
// upstream. Absent optional fields are omitted from the wire entirely,
// except shift_no: an explicit JSON null there means "all shifts combined",
// which is different from not filtering on shift at all.
//
// ShiftNo is raw JSON so the three states survive marshaling:
//   - len == 0  -> field omitted (no shift filter)
//   - "null"    -> all shifts combined
//   - "2"       -> that specific shift
type ControlMessage struct {
	Type     string          `json:"type"`
	Interval int             `json:"interval"`
	ShiftNo  json.RawMessage `json:"shift_no,omitempty"`
	Date     string          `json:"date,omitempty"`
	TumanID  int             `json:"tuman_id,omitempty"`
}

// MessageTypeConfig is the outbound control message type.
const MessageTypeConfig = "config"

// ShiftValue decodes the tri-state shift field. ok reports whether the
// field is present at all; a present field with nil value means "all".
func (m *ControlMessage) ShiftValue() (shiftNo *int, ok bool) {
	if len(m.ShiftNo) == 0 {
		return nil, false
	}
	var n *int
	if err := json.Unmarshal(m.ShiftNo, &n); err != nil {
		return nil, false
	}
	return n, true
}
