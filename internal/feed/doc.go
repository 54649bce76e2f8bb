// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package feed owns the upstream side of the ingestion pipeline: the
// reconnecting WebSocket client, the subscription config builder, the shift
// rotation scheduler, and the realtime ring buffer.
//
// The upstream only pushes one shift scope at a time. Absent an explicit
// pinned shift, the cycler rotates the subscription through the combined
// session and shifts 1-3 so a complete per-day picture accumulates over a
// full rotation. Individual lost messages are never retried; the next
// rotation of the same scope replaces them.
package feed
