// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"sync"
	"time"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/models"
)

// ConfigSender is the part of the feed client the cycler drives.
type ConfigSender interface {
	SendConfig(ctx context.Context, cfg models.ControlMessage) error
}

// cycleSequence is the rotation order. The upstream only pushes one shift
// scope at a time, so rotating through all four scopes accumulates a
// complete picture of the day within one full cycle.
var cycleSequence = []ShiftSelector{
	ShiftAll(),
	ShiftNumber(1),
	ShiftNumber(2),
	ShiftNumber(3),
}

// ShiftCycler rotates the upstream subscription through the combined
// session and the three individual shifts on a fixed cadence. It is a pure
// scheduler: it knows nothing about persisted data, and a send while the
// client is disconnected simply queues the config.
//
// Cycling and pinning a specific shift are mutually exclusive; the feed
// client stops the cycler whenever a caller pins a shift.
type ShiftCycler struct {
	sender   ConfigSender
	interval time.Duration
	baseline BuildOptions

	mu      sync.Mutex
	idx     int
	stopCh  chan struct{}
	running bool
}

// NewShiftCycler creates a cycler with the given rotation cadence and
// baseline build options. The baseline's Shift field is ignored; the
// rotation supplies it.
func NewShiftCycler(sender ConfigSender, interval time.Duration, baseline BuildOptions) *ShiftCycler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ShiftCycler{
		sender:   sender,
		interval: interval,
		baseline: baseline,
	}
}

// Start begins rotation from index 0, advancing immediately and then on
// every tick. A running cycler is restarted, which resets the rotation to
// the top of the sequence.
func (c *ShiftCycler) Start() {
	c.mu.Lock()
	if c.running {
		close(c.stopCh)
	}
	c.idx = 0
	c.stopCh = make(chan struct{})
	c.running = true
	stopCh := c.stopCh
	c.mu.Unlock()

	c.Advance()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				c.Advance()
			}
		}
	}()
}

// Advance sends the config for the current rotation position and moves to
// the next one.
func (c *ShiftCycler) Advance() {
	c.mu.Lock()
	shift := cycleSequence[c.idx]
	c.idx = (c.idx + 1) % len(cycleSequence)
	c.mu.Unlock()

	opts := c.baseline
	opts.Shift = shift
	cfg := BuildConfig(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sender.SendConfig(ctx, cfg); err != nil {
		logging.Warn().Err(err).Msg("shift cycler: config send failed")
	}
}

// Stop cancels the rotation. Safe to call when not running.
func (c *ShiftCycler) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		close(c.stopCh)
		c.running = false
	}
}

// Running reports whether the cycler is rotating.
func (c *ShiftCycler) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
