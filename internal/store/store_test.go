// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

func TestKeyScoping(t *testing.T) {
	regionKey := string(Key("2025-12-02", nil))
	tumanKey := string(Key("2025-12-02", intPtr(14)))

	if regionKey != "day:2025-12-02:region" {
		t.Errorf("region key = %q", regionKey)
	}
	if tumanKey != "day:2025-12-02:tuman:14" {
		t.Errorf("tuman key = %q", tumanKey)
	}
	if regionKey == tumanKey {
		t.Error("sub-region documents must have distinct keys")
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "2025-12-02", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on empty store = %v, want ErrNotFound", err)
	}
}

func TestUpsertCreatesThenMutates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc, err := s.Upsert(ctx, "2025-12-02", nil, func(d *models.DayDocument) {
		d.Region = models.RegionRef{ID: 1, Name: "Tashkent"}
		d.Slots.Set(models.ShiftKeyShift1, &models.ShiftSlot{
			Students:   &models.StudentsSummary{Total: 450000, PresentToday: 425000},
			ReceivedAt: time.Now(),
		})
		d.RecomputeTotals()
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if doc.ID == "" || doc.Type != models.DocTypeRealtime || doc.CreatedAt.IsZero() {
		t.Errorf("created document not initialized: %+v", doc)
	}

	// Second upsert touches a different slot only.
	_, err = s.Upsert(ctx, "2025-12-02", nil, func(d *models.DayDocument) {
		d.Slots.Set(models.ShiftKeyShift2, &models.ShiftSlot{
			Students:   &models.StudentsSummary{Total: 445000, PresentToday: 418000},
			ReceivedAt: time.Now(),
		})
		d.RecomputeTotals()
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.Get(ctx, "2025-12-02", nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != doc.ID {
		t.Error("second upsert created a new document instead of mutating")
	}
	if got.Slots.Shift1 == nil || got.Slots.Shift1.Students.Total != 450000 {
		t.Error("sibling slot was clobbered by second upsert")
	}
	if got.Slots.Shift2 == nil || got.Slots.Shift2.Students.PresentToday != 418000 {
		t.Error("second slot not persisted")
	}
	if got.Totals.TotalStudents != 895000 || got.Totals.OverallRate != 94.19 {
		t.Errorf("totals = %+v", got.Totals)
	}
}

func TestUpsertTumanScopeIsSeparate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, "2025-12-02", nil, func(d *models.DayDocument) {
		d.Slots.Set(models.ShiftKeyAll, &models.ShiftSlot{
			Students: &models.StudentsSummary{Total: 100, PresentToday: 90},
		})
		d.RecomputeTotals()
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Upsert(ctx, "2025-12-02", intPtr(7), func(d *models.DayDocument) {
		d.Slots.Set(models.ShiftKeyAll, &models.ShiftSlot{
			Students: &models.StudentsSummary{Total: 10, PresentToday: 9},
		})
		d.RecomputeTotals()
	})
	if err != nil {
		t.Fatal(err)
	}

	region, err := s.Get(ctx, "2025-12-02", nil)
	if err != nil {
		t.Fatal(err)
	}
	tuman, err := s.Get(ctx, "2025-12-02", intPtr(7))
	if err != nil {
		t.Fatal(err)
	}

	if region.Totals.TotalStudents != 100 {
		t.Errorf("region totals picked up tuman data: %+v", region.Totals)
	}
	if tuman.Totals.TotalStudents != 10 {
		t.Errorf("tuman totals = %+v", tuman.Totals)
	}
	if tuman.TumanID == nil || *tuman.TumanID != 7 {
		t.Errorf("tuman document missing scope: %+v", tuman.TumanID)
	}
}

func TestConcurrentUpsertsSameKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	slots := []string{models.ShiftKeyAll, models.ShiftKeyShift1, models.ShiftKeyShift2, models.ShiftKeyShift3}
	for i, key := range slots {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, err := s.Upsert(ctx, "2025-12-03", nil, func(d *models.DayDocument) {
				d.Slots.Set(key, &models.ShiftSlot{
					Students: &models.StudentsSummary{Total: 1000 * (i + 1), PresentToday: 900 * (i + 1)},
				})
				d.RecomputeTotals()
			})
			if err != nil {
				t.Errorf("upsert %s: %v", key, err)
			}
		}(i, key)
	}
	wg.Wait()

	doc, err := s.Get(ctx, "2025-12-03", nil)
	if err != nil {
		t.Fatalf("get after concurrent upserts: %v", err)
	}
	for _, key := range slots {
		if doc.Slots.Get(key) == nil {
			t.Errorf("slot %s lost in concurrent merge", key)
		}
	}
	// 1000+2000+3000+4000
	if doc.Totals.TotalStudents != 10000 {
		t.Errorf("totals after concurrent merges = %+v", doc.Totals)
	}
}

func TestDates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, date := range []string{"2025-12-01", "2025-12-02"} {
		if _, err := s.Upsert(ctx, date, nil, func(d *models.DayDocument) {}); err != nil {
			t.Fatal(err)
		}
	}
	// Tuman document on an existing date must not duplicate the date.
	if _, err := s.Upsert(ctx, "2025-12-02", intPtr(3), func(d *models.DayDocument) {}); err != nil {
		t.Fatal(err)
	}

	dates, err := s.Dates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dates) != 2 {
		t.Fatalf("dates = %v, want 2 entries", dates)
	}
}

func TestClosedStore(t *testing.T) {
	s := openTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(context.Background(), "2025-12-02", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed store = %v, want ErrClosed", err)
	}
	if _, err := s.Upsert(context.Background(), "2025-12-02", nil, func(*models.DayDocument) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Upsert on closed store = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}
