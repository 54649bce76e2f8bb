// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/davomat-uz/davomat/internal/models"
)

// Upstream contract bounds for the push interval.
const (
	DefaultInterval = 25 * time.Second
	MinInterval     = 25 * time.Second
	MaxInterval     = 120 * time.Second
)

// shiftKind enumerates the three states of the shift dimension.
type shiftKind int

const (
	shiftUnspecified shiftKind = iota // no filter, field omitted
	shiftAll                          // explicit null, combined session
	shiftSpecific                     // one numbered shift
)

// ShiftSelector expresses the caller's intent on the shift dimension.
// "Unspecified" and "all" serialize differently: the former omits shift_no
// entirely, the latter sends an explicit null.
type ShiftSelector struct {
	kind shiftKind
	no   int
}

// ShiftUnspecified leaves the shift dimension unfiltered.
func ShiftUnspecified() ShiftSelector { return ShiftSelector{kind: shiftUnspecified} }

// ShiftAll requests the combined all-shifts session.
func ShiftAll() ShiftSelector { return ShiftSelector{kind: shiftAll} }

// ShiftNumber requests one specific shift (1-3).
func ShiftNumber(n int) ShiftSelector { return ShiftSelector{kind: shiftSpecific, no: n} }

// Specific returns the pinned shift number, ok when the selector names one.
func (s ShiftSelector) Specific() (int, bool) {
	return s.no, s.kind == shiftSpecific
}

// IsAll reports whether the selector asks for the combined session.
func (s ShiftSelector) IsAll() bool { return s.kind == shiftAll }

// BuildOptions are the high-level inputs the builder maps onto the upstream
// control-message contract.
type BuildOptions struct {
	// Interval between pushes. Zero defaults to DefaultInterval; out-of-range
	// values are clamped to the upstream's accepted window.
	Interval time.Duration

	Shift ShiftSelector

	// Date filter (YYYY-MM-DD). Empty means no date filter.
	Date string

	// TumanID scopes the subscription to one sub-region. Zero means the
	// whole region.
	TumanID int
}

// BuildConfig deterministically maps options onto the wire contract.
// Identical inputs always produce an identical message; the function has no
// side effects, which keeps the cycler and the intent methods trivially
// testable.
func BuildConfig(opts BuildOptions) models.ControlMessage {
	msg := models.ControlMessage{
		Type:     models.MessageTypeConfig,
		Interval: int(clampInterval(opts.Interval).Seconds()),
	}

	switch opts.Shift.kind {
	case shiftAll:
		msg.ShiftNo = json.RawMessage("null")
	case shiftSpecific:
		msg.ShiftNo = json.RawMessage(strconv.Itoa(opts.Shift.no))
	}

	if opts.Date != "" {
		msg.Date = opts.Date
	}
	if opts.TumanID > 0 {
		msg.TumanID = opts.TumanID
	}
	return msg
}

func clampInterval(d time.Duration) time.Duration {
	if d == 0 {
		return DefaultInterval
	}
	if d < MinInterval {
		return MinInterval
	}
	if d > MaxInterval {
		return MaxInterval
	}
	return d
}
