// Davomat - Municipal School Attendance Ingestion and Analytics
// Copyright 2026 The Davomat Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/davomat-uz/davomat/internal/bus"
	"github.com/davomat-uz/davomat/internal/logging"
	"github.com/davomat-uz/davomat/internal/metrics"
	"github.com/davomat-uz/davomat/internal/models"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 75 * time.Second
	pingInterval = 30 * time.Second
)

// ErrReconnectExhausted is returned by Run when the reconnect attempt
// ceiling is reached. The supervisor treats it as a service failure and
// restarts the client with a clean slate.
var ErrReconnectExhausted = errors.New("feed: reconnect attempts exhausted")

// State is the connection state of the feed client.
type State int32

// Connection states. Reconnection is modeled as explicit transitions
// through these states rather than recursive timer callbacks, so the policy
// is testable on its own.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectScheduled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectScheduled:
		return "reconnect_scheduled"
	default:
		return "unknown"
	}
}

// Options configures a feed client instance. Each client owns exactly one
// upstream connection, its own buffer, and its own config state, so
// multiple independent subscriptions (or tests) can coexist.
type Options struct {
	// URL is the upstream WebSocket endpoint.
	URL string

	HandshakeTimeout time.Duration

	// ReconnectBase doubles per failed attempt up to ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects before Run
	// gives up. 0 means unlimited.
	MaxReconnectAttempts int

	// BufferSize is the realtime ring buffer capacity.
	BufferSize int

	// CycleInterval is the shift rotation cadence.
	CycleInterval time.Duration

	// Baseline carries the subscription's interval, date, and sub-region
	// scope. Its Shift field seeds the initial pin: a specific shift there
	// disables cycling.
	Baseline BuildOptions

	// OnStateChange, when set, is called with the new state name on every
	// connection transition. The dashboard hub's feed_status frames hang
	// off this. Called from client goroutines; must not block.
	OnStateChange func(state string)
}

// Client maintains the single long-lived connection to the upstream
// attendance feed. Valid stats payloads are published to the snapshot topic
// for the merge engine and mirrored into the realtime ring buffer; every
// other message is dropped.
type Client struct {
	opts      Options
	publisher message.Publisher
	buffer    *RingBuffer
	cycler    *ShiftCycler

	// limiter paces outbound config messages toward the shared upstream.
	limiter *rate.Limiter

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	connDone chan struct{}
	attempts int
	closed   bool

	// current is the last config actually sent; pending is queued while
	// disconnected and flushed on the next successful open.
	current *models.ControlMessage
	pending *models.ControlMessage

	// writeMu serializes data-frame writers on the shared connection.
	writeMu sync.Mutex
}

// NewClient creates a feed client. Call Run (typically under the
// supervisor) to connect and start consuming.
func NewClient(opts Options, publisher message.Publisher) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = 32 * time.Second
	}

	c := &Client{
		opts:      opts,
		publisher: publisher,
		buffer:    NewRingBuffer(opts.BufferSize),
		limiter:   rate.NewLimiter(rate.Every(time.Second), 3),
	}
	c.cycler = NewShiftCycler(c, opts.CycleInterval, opts.Baseline)
	return c
}

// Buffer exposes the realtime ring buffer for the read side.
func (c *Client) Buffer() *RingBuffer { return c.buffer }

// Cycler exposes the shift cycler, mainly for tests.
func (c *Client) Cycler() *ShiftCycler { return c.cycler }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the upstream connection is established.
func (c *Client) IsConnected() bool { return c.State() == StateConnected }

// Run connects and consumes until the context is canceled, reconnecting
// with exponential backoff on every disconnect. It returns
// ErrReconnectExhausted once MaxReconnectAttempts consecutive attempts have
// failed, handing recovery to the supervisor.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.Connect(ctx)
		if err == nil {
			c.mu.Lock()
			done := c.connDone
			c.mu.Unlock()
			if done != nil {
				select {
				case <-done:
					err = errors.New("connection closed")
				case <-ctx.Done():
					c.teardown()
					return ctx.Err()
				}
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		c.attempts++
		attempts := c.attempts
		c.state = StateReconnectScheduled
		c.mu.Unlock()

		if c.opts.MaxReconnectAttempts > 0 && attempts > c.opts.MaxReconnectAttempts {
			logging.Error().
				Int("attempts", attempts-1).
				Msg("feed: giving up on reconnection")
			return ErrReconnectExhausted
		}
		c.notifyState(StateReconnectScheduled)

		delay := c.backoffDelay(attempts)
		metrics.FeedReconnectsTotal.Inc()
		logging.Warn().
			Err(err).
			Dur("delay", delay).
			Int("attempt", attempts).
			Msg("feed: connection lost, reconnect scheduled")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connect establishes the upstream connection. It is a no-op when a
// connection is already open or opening. On success it flushes the queued
// or last-known config and starts the shift cycler unless a specific shift
// is pinned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("feed: client closed")
	}
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout:  c.opts.HandshakeTimeout,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		if resp != nil {
			return fmt.Errorf("feed dial (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("feed dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connDone = make(chan struct{})
	c.state = StateConnected
	c.attempts = 0
	replay := c.pending
	if replay == nil {
		replay = c.current
	}
	c.pending = nil
	connDone := c.connDone
	c.mu.Unlock()

	metrics.FeedConnected.Set(1)
	logging.Info().Str("url", c.opts.URL).Msg("feed: connected")
	c.notifyState(StateConnected)

	go c.pingLoop(conn, connDone)
	go func() {
		c.readLoop(conn)
		c.teardown()
	}()

	if replay != nil {
		if err := c.SendConfig(ctx, *replay); err != nil {
			logging.Warn().Err(err).Msg("feed: config replay failed")
		}
	}

	// Cycling only runs when no specific shift is pinned. The cycler always
	// restarts from the top of the sequence after a reconnect.
	if _, pinned := c.opts.Baseline.Shift.Specific(); !pinned {
		c.cycler.Start()
	}
	return nil
}

// readLoop consumes messages in socket arrival order until the connection
// drops. Closing the connection (teardown, Disconnect) unblocks the read.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWait)); err != nil {
			logging.Debug().Err(err).Msg("feed: set read deadline failed")
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warn().Err(err).Msg("feed: unexpected close")
			}
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage parses one inbound frame. Malformed payloads and
// non-"stats" types are expected noise from a shared upstream and are
// dropped without an error-level log.
func (c *Client) handleMessage(data []byte) {
	var msg models.FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.FeedMessagesTotal.WithLabelValues("malformed").Inc()
		return
	}
	if msg.Type != models.MessageTypeStats {
		metrics.FeedMessagesTotal.WithLabelValues("other").Inc()
		return
	}

	var snap models.AttendanceSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		metrics.FeedMessagesTotal.WithLabelValues("malformed").Inc()
		return
	}
	metrics.FeedMessagesTotal.WithLabelValues("stats").Inc()

	m := bus.NewMessage(msg.Data)
	if tumanID := c.currentTumanScope(); tumanID > 0 {
		m.Metadata.Set(bus.MetadataTumanID, strconv.Itoa(tumanID))
	}
	if err := c.publisher.Publish(bus.TopicSnapshots, m); err != nil {
		// The snapshot is lost; the next cycle re-requests this shift.
		logging.Error().Err(err).Msg("feed: snapshot publish failed")
	}

	c.buffer.Push(&snap, time.Now())
}

// SendConfig sends a subscription config upstream, or queues it for the
// next successful open when disconnected. The last config actually sent is
// recorded for replay after reconnects.
func (c *Client) SendConfig(ctx context.Context, cfg models.ControlMessage) error {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		queued := cfg
		c.pending = &queued
		c.mu.Unlock()
		logging.Debug().Msg("feed: config queued until connected")
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("feed: set write deadline: %w", err)
	}
	if err := conn.WriteJSON(cfg); err != nil {
		return fmt.Errorf("feed: config send: %w", err)
	}

	c.mu.Lock()
	sent := cfg
	c.current = &sent
	c.mu.Unlock()
	metrics.FeedConfigsSent.Inc()
	return nil
}

// CurrentConfig returns the last config sent upstream, nil when none yet.
func (c *Client) CurrentConfig() *models.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	cfg := *c.current
	return &cfg
}

// CollectAllData pins the subscription to the combined all-shifts session.
func (c *Client) CollectAllData(ctx context.Context) error {
	return c.Collect(ctx, c.baselineWith(func(o *BuildOptions) { o.Shift = ShiftAll() }))
}

// CollectShiftData pins the subscription to one specific shift.
func (c *Client) CollectShiftData(ctx context.Context, shiftNo int) error {
	return c.Collect(ctx, c.baselineWith(func(o *BuildOptions) { o.Shift = ShiftNumber(shiftNo) }))
}

// CollectDateData pins the subscription to one date, all shift scopes
// unfiltered.
func (c *Client) CollectDateData(ctx context.Context, date string) error {
	return c.Collect(ctx, c.baselineWith(func(o *BuildOptions) {
		o.Date = date
		o.Shift = ShiftUnspecified()
	}))
}

// CollectTumanData pins the subscription to one sub-region.
func (c *Client) CollectTumanData(ctx context.Context, tumanID int) error {
	return c.Collect(ctx, c.baselineWith(func(o *BuildOptions) { o.TumanID = tumanID }))
}

// Collect sends an explicit subscription intent. Explicit intents and
// cycling are mutually exclusive, so the cycler stops first. ResumeCycling
// hands control back to the rotation.
func (c *Client) Collect(ctx context.Context, opts BuildOptions) error {
	c.cycler.Stop()
	return c.SendConfig(ctx, BuildConfig(opts))
}

// ResumeCycling restarts the shift rotation after an explicit intent.
func (c *Client) ResumeCycling() {
	c.cycler.Start()
}

// Disconnect closes the connection and stops reconnection. After
// Disconnect the client cannot be reused; build a new one.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.teardown()
}

func (c *Client) notifyState(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s.String())
	}
}

func (c *Client) baselineWith(mutate func(*BuildOptions)) BuildOptions {
	opts := c.opts.Baseline
	mutate(&opts)
	return opts
}

func (c *Client) currentTumanScope() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return c.current.TumanID
	}
	return c.opts.Baseline.TumanID
}

// teardown marks the client disconnected, stops the cycler and closes the
// socket. Safe to call repeatedly.
func (c *Client) teardown() {
	c.cycler.Stop()

	c.mu.Lock()
	conn := c.conn
	connDone := c.connDone
	c.conn = nil
	c.connDone = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	metrics.FeedConnected.Set(0)
	if connDone != nil {
		// Only an actual connection teardown is a transition; repeated
		// calls on an already-disconnected client stay silent.
		close(connDone)
		c.notifyState(StateDisconnected)
	}
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}
}

// backoffDelay computes the exponential reconnect delay for the given
// attempt number (1-based): base * 2^(attempt-1), capped at the maximum.
func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt > 30 {
		return c.opts.ReconnectMax
	}
	delay := c.opts.ReconnectBase << uint(attempt-1)
	if delay <= 0 || delay > c.opts.ReconnectMax {
		return c.opts.ReconnectMax
	}
	return delay
}

// pingLoop keeps the connection alive; a failing ping is left for the read
// loop to observe as a closed connection.
func (c *Client) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
