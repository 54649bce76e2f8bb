// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"sync"
	"time"

	"github.com/davomat-uz/davomat/internal/models"
)

// BufferedSnapshot pairs a snapshot with its local arrival time.
type BufferedSnapshot struct {
	Snapshot   *models.AttendanceSnapshot
	ReceivedAt time.Time
}

// RingBuffer is a bounded, newest-first mirror of recently received
// snapshots. The read side serves "realtime" queries from it without
// touching storage.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []*BufferedSnapshot
	capacity int
}

// NewRingBuffer creates a buffer holding at most capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &RingBuffer{capacity: capacity}
}

// Push prepends an entry, evicting the oldest when full.
func (b *RingBuffer) Push(snap *models.AttendanceSnapshot, receivedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := &BufferedSnapshot{Snapshot: snap, ReceivedAt: receivedAt}
	b.entries = append([]*BufferedSnapshot{entry}, b.entries...)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[:b.capacity]
	}
}

// Latest returns the newest entry, nil when empty.
func (b *RingBuffer) Latest() *BufferedSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[0]
}

// Find returns the newest entry matching the predicate, nil when none does.
func (b *RingBuffer) Find(match func(*models.AttendanceSnapshot) bool) *BufferedSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if match(e.Snapshot) {
			return e
		}
	}
	return nil
}

// Len returns the current number of buffered entries.
func (b *RingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
