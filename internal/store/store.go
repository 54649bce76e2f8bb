// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists day documents in BadgerDB.
//
// Every document lives under one key derived from its (date, sub-region)
// tuple, so the keyed upsert itself enforces the one-document-per-tuple
// invariant. Upserts are read-modify-write inside a single Badger
// transaction; Badger's SSI detects conflicting writers to the same key and
// the losing transaction is retried, which serializes same-key merges
// without any external lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/metrics"
	"github.com/davomat-uz/davomat/internal/models"
)

var (
	// ErrNotFound is returned when no document exists for the requested
	// date and scope. Callers treat this as a valid empty state, not a
	// failure.
	ErrNotFound = errors.New("day document not found")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// maxTxnRetries bounds retries of upserts that lose a transaction conflict.
// Conflicts only happen when two merges race on the same day key, so a few
// retries are always enough at feed arrival rates.
const maxTxnRetries = 10

const dayPrefix = "day:"

// Config holds store configuration. The value-log GC ratio is not part of
// it: that knob belongs to whoever drives RunGC.
type Config struct {
	Path       string
	SyncWrites bool

	// InMemory runs Badger without touching disk. Used by tests.
	InMemory bool
}

// Store is a BadgerDB-backed day-document store.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the store at the configured path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	// Badger's own logger is noisy at info level
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("in_memory", cfg.InMemory).
		Msg("day document store opened")

	return &Store{db: db}, nil
}

// Key derives the storage key for a (date, sub-region) tuple. Sub-region
// scoped documents are distinct keys from the region-wide document and never
// roll up into it.
func Key(date string, tumanID *int) []byte {
	if tumanID != nil {
		return []byte(dayPrefix + date + ":tuman:" + strconv.Itoa(*tumanID))
	}
	return []byte(dayPrefix + date + ":region")
}

// Get returns the document for the date and scope, or ErrNotFound.
func (s *Store) Get(ctx context.Context, date string, tumanID *int) (*models.DayDocument, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var doc models.DayDocument
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(Key(date, tumanID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get day document: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Upsert applies mutate to the document for the date and scope, creating it
// first if absent, and persists the result. The whole read-modify-write runs
// in one transaction; on a same-key conflict the transaction is retried with
// a fresh read, so a slot written by a concurrent merge is never blanked.
func (s *Store) Upsert(ctx context.Context, date string, tumanID *int, mutate func(doc *models.DayDocument)) (*models.DayDocument, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	key := Key(date, tumanID)

	var result *models.DayDocument
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			doc, err := readDoc(txn, key)
			if errors.Is(err, ErrNotFound) {
				doc = newDayDocument(date, tumanID)
			} else if err != nil {
				return err
			}

			mutate(doc)
			doc.UpdatedAt = time.Now().UTC()

			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("marshal day document: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("set day document: %w", err)
			}
			result = doc
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			metrics.StoreConflictRetries.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("upsert %s: gave up after %d transaction conflicts", key, maxTxnRetries)
}

// Dates lists every date with at least one stored document, ascending.
func (s *Store) Dates(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var dates []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(dayPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			// day:<date>:<scope>
			if len(key) < len(dayPrefix)+len(models.DateLayout) {
				continue
			}
			date := key[len(dayPrefix) : len(dayPrefix)+len(models.DateLayout)]
			if _, ok := seen[date]; !ok {
				seen[date] = struct{}{}
				dates = append(dates, date)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dates, nil
}

// RunGC triggers one value-log garbage collection cycle. Badger returns
// ErrNoRewrite when there was nothing to collect; that is not a failure.
func (s *Store) RunGC(ratio float64) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	s.mu.RUnlock()

	err := s.db.RunValueLogGC(ratio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close shuts down the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping reports whether the store can serve requests. Used by the
// readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.check(ctx)
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func readDoc(txn *badger.Txn, key []byte) (*models.DayDocument, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get day document: %w", err)
	}
	doc := &models.DayDocument{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal day document: %w", err)
	}
	return doc, nil
}

func newDayDocument(date string, tumanID *int) *models.DayDocument {
	doc := &models.DayDocument{
		ID:        uuid.NewString(),
		Date:      date,
		Type:      models.DocTypeRealtime,
		CreatedAt: time.Now().UTC(),
	}
	if tumanID != nil {
		id := *tumanID
		doc.TumanID = &id
	}
	return doc
}
