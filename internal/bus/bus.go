// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bus wires the in-process Watermill pipeline that decouples the
// feed client from the merge engine. The feed client publishes validated
// stats payloads to the snapshot topic; a router handler hands them to the
// aggregator. The go-channel Pub/Sub keeps ordering per subscriber, which
// preserves the socket's arrival order through to the merge path.
package bus

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/davomat-uz/davomat/internal/logging"
)

// TopicSnapshots carries raw validated attendance snapshots from the feed
// client to the aggregator.
const TopicSnapshots = "attendance.snapshots"

// MetadataTumanID is the message metadata key carrying the subscription's
// sub-region scope at receive time. The snapshot payload itself only names
// the region, so the scope must travel alongside it.
const MetadataTumanID = "tuman_id"

// NewPubSub creates the in-process go-channel Pub/Sub.
func NewPubSub(buffer int64) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: buffer},
		NewLoggerAdapter(logging.With().Str("component", "bus").Logger()),
	)
}

// NewRouter creates the message router with the standard middleware stack.
// There is deliberately no retry middleware: a failed merge is dropped and
// the shift cycler re-requests that shift on its next rotation.
func NewRouter() (*message.Router, error) {
	logger := NewLoggerAdapter(logging.With().Str("component", "bus-router").Logger())

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 10 * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		middleware.CorrelationID,
		middleware.Recoverer,
	)
	return router, nil
}

// NewMessage builds a bus message with a fresh UUID and the given payload.
func NewMessage(payload []byte) *message.Message {
	return message.NewMessage(watermill.NewUUID(), payload)
}
