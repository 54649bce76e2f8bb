// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ingest turns validated feed snapshots into persisted day
// documents. Each snapshot replaces exactly one shift slot of the document
// for its (date, region, optional sub-region) tuple; the other slots are
// never touched, and the roll-up totals are recomputed after every write.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/metrics"
	"github.com/davomat-uz/davomat/internal/models"
	"github.com/davomat-uz/davomat/internal/store"
)

// Drop reasons recorded on the snapshots_dropped_total counter.
const (
	dropReasonInvalid = "invalid"
	dropReasonStore   = "store_error"
	dropReasonBreaker = "breaker_open"
)

// BreakerConfig tunes the circuit breaker guarding store writes.
type BreakerConfig struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig matches a store that recovers within seconds
// (Badger stalls during value-log GC or disk pressure, not for minutes).
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
	}
}

// Aggregator merges attendance snapshots into day documents.
type Aggregator struct {
	store    *store.Store
	validate *validator.Validate
	breaker  *gobreaker.CircuitBreaker[*models.DayDocument]

	// onMerge, when set, is called with the merged document after every
	// successful write. The dashboard hub hangs off this.
	onMerge func(*models.DayDocument)

	now func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithOnMerge registers a callback invoked after every successful merge.
func WithOnMerge(fn func(*models.DayDocument)) Option {
	return func(a *Aggregator) { a.onMerge = fn }
}

// WithBreakerConfig overrides the store-write circuit breaker settings.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(a *Aggregator) { a.breaker = newStoreBreaker(cfg) }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator writing to the given store.
func NewAggregator(st *store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:    st,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		breaker:  newStoreBreaker(DefaultBreakerConfig()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func newStoreBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[*models.DayDocument] {
	return gobreaker.NewCircuitBreaker[*models.DayDocument](gobreaker.Settings{
		Name:        "day-document-store",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state changed")
		},
	})
}

// IngestRaw decodes, validates, and merges one snapshot payload. tumanID is
// the subscription's sub-region scope at receive time, nil for region-wide.
// A dropped snapshot is not an error for the pipeline: the shift cycler
// re-requests the same shift on its next rotation, so IngestRaw reports the
// reason and the caller moves on.
func (a *Aggregator) IngestRaw(ctx context.Context, payload []byte, tumanID *int) (*models.DayDocument, error) {
	var snap models.AttendanceSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		metrics.SnapshotsDropped.WithLabelValues(dropReasonInvalid).Inc()
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return a.Ingest(ctx, &snap, tumanID)
}

// Ingest merges one decoded snapshot into its day document.
func (a *Aggregator) Ingest(ctx context.Context, snap *models.AttendanceSnapshot, tumanID *int) (*models.DayDocument, error) {
	if err := a.validate.Struct(snap); err != nil {
		metrics.SnapshotsDropped.WithLabelValues(dropReasonInvalid).Inc()
		logging.Warn().Err(err).Str("date", snap.Date).Msg("Dropping invalid snapshot")
		return nil, fmt.Errorf("validate snapshot: %w", err)
	}

	shiftKey := snap.ShiftKey()
	receivedAt := a.now()
	start := receivedAt

	doc, err := a.breaker.Execute(func() (*models.DayDocument, error) {
		return a.store.Upsert(ctx, snap.Date, tumanID, func(doc *models.DayDocument) {
			if snap.RegionID != 0 || snap.RegionName != "" {
				doc.Region = models.RegionRef{ID: snap.RegionID, Name: snap.RegionName}
			}
			doc.Slots.Set(shiftKey, snap.Slot(receivedAt))
			doc.RecomputeTotals()
		})
	})
	if err != nil {
		reason := dropReasonStore
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = dropReasonBreaker
		} else {
			metrics.StoreErrors.Inc()
		}
		metrics.SnapshotsDropped.WithLabelValues(reason).Inc()
		logging.Error().Err(err).
			Str("date", snap.Date).
			Str("shift", shiftKey).
			Msg("Snapshot merge failed, dropping")
		return nil, fmt.Errorf("merge snapshot: %w", err)
	}

	metrics.RecordMerge(shiftKey, time.Since(start))
	logging.Debug().
		Str("date", doc.Date).
		Str("shift", shiftKey).
		Float64("overall_rate", doc.Totals.OverallRate).
		Msg("Snapshot merged")

	if a.onMerge != nil {
		a.onMerge(doc)
	}
	return doc, nil
}
