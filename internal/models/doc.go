// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package models defines the wire and storage types shared across the
// ingestion pipeline: the upstream feed envelope and snapshot payloads, the
// persisted per-date day documents with their shift slots and derived
// totals, the outbound subscription control message, and the normalized
// view handed to the presentation layer.
package models
