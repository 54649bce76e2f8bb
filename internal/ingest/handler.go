// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/davomat-uz/davomat/internal/bus"
	"github.com/davomat-uz/davomat/internal/logging"
)

// RegisterHandlers attaches the merge handler to the router. The handler
// never returns an error upward: a snapshot that cannot be merged is logged
// and dropped, and the next cycler rotation re-requests the shift. Returning
// the error would make the router nack and redeliver stale data instead.
func RegisterHandlers(router *message.Router, subscriber message.Subscriber, agg *Aggregator) {
	router.AddNoPublisherHandler(
		"snapshot-merge",
		bus.TopicSnapshots,
		subscriber,
		func(msg *message.Message) error {
			tumanID := tumanScope(msg)
			if _, err := agg.IngestRaw(msg.Context(), msg.Payload, tumanID); err != nil {
				logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Snapshot not merged")
			}
			return nil
		},
	)
}

// tumanScope reads the subscription's sub-region scope from message
// metadata, nil when the subscription was region-wide.
func tumanScope(msg *message.Message) *int {
	raw := msg.Metadata.Get(bus.MetadataTumanID)
	if raw == "" {
		return nil
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		logging.Warn().Str("tuman_id", raw).Msg("Ignoring malformed tuman scope metadata")
		return nil
	}
	return &id
}
