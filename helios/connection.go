// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aionbuilders/helios/internal/clock"
	"github.com/aionbuilders/helios/internal/wire"
)

// ConnState is a Connection's lifecycle state. It is monotonic within one
// transport generation (OPEN -> CLOSING -> CLOSED) but may be reset to OPEN
// by a successful reconnect.
type ConnState int32

const (
	StateOpen ConnState = iota
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Response is the result of a completed Connection.Request call.
type Response struct {
	Result json.RawMessage
	Error  *ErrorPayload
}

type pendingRequest struct {
	timer clock.Timer
	ch    chan requestOutcome
}

type requestOutcome struct {
	msg *wire.Message
	err error
}

// healthState holds the ping/pong liveness counters and timers described in
// spec.md §4.5. It is guarded by the owning Connection's mutex.
type healthState struct {
	lastPingAt   time.Time
	lastPongAt   time.Time
	missedPongs  int
	pingTicker   clock.Ticker
	timeoutTimer clock.Timer
	// pongWaiters are one-shot listeners installed by Coordinator.Ping,
	// keyed by an opaque id, fired and removed on the next pong.
	pongWaiters map[string]func(latency time.Duration)
}

// Connection is the per-client entity whose identity and state survive
// transport reconnects within the session TTL. See spec.md §3.
type Connection struct {
	id string

	clock  clock.Clock
	logger Logger
	bus    *eventBus

	// handlers dispatch parsed Requests/Events; set once at construction.
	methodDispatcher MethodDispatcher
	topicDispatcher  TopicDispatcher

	defaultRequestTimeout time.Duration

	UserData *UserData

	mu                 sync.Mutex
	sessionID          string // empty until assigned; assigned at most once
	state              ConnState
	transport          Transport
	subscriptions      map[string]struct{}
	pendingRequests    map[string]*pendingRequest
	health             healthState
	lastTokenRefreshAt time.Time
	lastRefreshTTL     time.Duration
}

func newConnection(id string, t Transport, clk clock.Clock, logger Logger, bus *eventBus, methodDispatcher MethodDispatcher, topicDispatcher TopicDispatcher, requestTimeout time.Duration) *Connection {
	return &Connection{
		id:                    id,
		clock:                 clk,
		logger:                logger,
		bus:                   bus,
		methodDispatcher:      methodDispatcher,
		topicDispatcher:       topicDispatcher,
		defaultRequestTimeout: requestTimeout,
		UserData:              newUserData(),
		transport:             t,
		subscriptions:         make(map[string]struct{}),
		pendingRequests:       make(map[string]*pendingRequest),
		health:                healthState{pongWaiters: make(map[string]func(time.Duration))},
	}
}

// ID returns the Connection's stable, process-unique identifier.
func (c *Connection) ID() string { return c.id }

// SessionID returns the Connection's recoverable session identifier, or ""
// if session recovery has not assigned one.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) setSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

// State returns the Connection's current lifecycle state. Callers outside
// the Connection's own serialization domain (the goroutine that delivers
// its inbound transport events) must treat this as a possibly-stale
// snapshot and re-check within that domain before acting on it, per
// spec.md §5.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) currentTransport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// SendRaw writes data to the current transport. It fails fast with
// ErrConnClosed if the Connection is not OPEN, and never blocks
// indefinitely on transport back-pressure.
func (c *Connection) SendRaw(data []byte) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrConnClosed
	}
	t := c.transport
	c.mu.Unlock()
	return t.Send(data)
}

// SendMessage serializes and writes msg.
func (c *Connection) SendMessage(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// Emit wraps data as a wire-level Event addressed to topic and sends it to
// the client. This is the wire-level "emit" spec.md distinguishes from the
// internal event bus — see SPEC_FULL.md §9.
func (c *Connection) Emit(topic string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.SendMessage(&wire.Message{
		ID:    uuid.NewString(),
		Kind:  wire.KindEvent,
		Topic: topic,
		Data:  raw,
	})
}

// Request sends a Request and returns an awaitable Response. If timeout is
// zero, the Connection's default request timeout applies. Exactly one of
// {resolve with Response, reject with TIMEOUT, reject with
// CONNECTION_CLOSED} occurs, per spec.md §8.
func (c *Connection) Request(ctx context.Context, method string, payload any, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.defaultRequestTimeout
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	id := uuid.NewString()
	ch := make(chan requestOutcome, 1)
	c.pendingRequests[id] = &pendingRequest{ch: ch}
	t := c.transport
	c.mu.Unlock()

	msg := &wire.Message{ID: id, Kind: wire.KindRequest, Method: method, Payload: raw}
	data, err := wire.Encode(msg)
	if err != nil {
		c.resolvePending(id, requestOutcome{err: err})
		return nil, err
	}

	timer := c.clock.AfterFunc(timeout, func() {
		c.resolvePending(id, requestOutcome{err: ErrReqTimeout})
	})
	c.mu.Lock()
	if pr, ok := c.pendingRequests[id]; ok {
		pr.timer = timer
	} else {
		// Already resolved (e.g. raced with a close) between installing
		// the record and arming the timer; the timer fired nothing, but
		// make sure it doesn't leak.
		timer.Stop()
	}
	c.mu.Unlock()

	if err := t.Send(data); err != nil {
		timer.Stop()
		c.resolvePending(id, requestOutcome{})
		return nil, fmt.Errorf("helios: send request: %w", err)
	}

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		return &Response{Result: outcome.msg.Result, Error: outcome.msg.Error}, nil
	case <-ctx.Done():
		c.resolvePending(id, requestOutcome{})
		return nil, ctx.Err()
	}
}

// resolvePending completes the pending request named by id with outcome,
// if (and only if) it is still pending. Returns whether it resolved one.
// This is the single idempotent removal point for the response, timeout,
// and close-rejection paths, guaranteeing each pending request completes
// exactly once.
func (c *Connection) resolvePending(id string, outcome requestOutcome) bool {
	c.mu.Lock()
	pr, ok := c.pendingRequests[id]
	if ok {
		delete(c.pendingRequests, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	select {
	case pr.ch <- outcome:
	default:
	}
	return true
}

// HandleIncoming dispatches a parsed message by genre, per spec.md §4.3.
// Callers (the Coordinator) must invoke this serially per Connection, in
// the order the transport delivered the underlying frames — Helios relies
// on that external ordering rather than an internal queue, matching the
// single-reader-goroutine-per-socket model most WebSocket transports
// already provide.
func (c *Connection) HandleIncoming(ctx context.Context, msg *wire.Message) {
	switch msg.Kind {
	case wire.KindRequest:
		c.dispatchRequest(ctx, msg)
	case wire.KindResponse:
		if c.State() != StateOpen {
			c.logger.Printf("helios: dropping response %s for non-open connection %s", msg.RequestID, c.id)
			return
		}
		c.resolvePending(msg.RequestID, requestOutcome{msg: msg})
	case wire.KindEvent:
		if c.topicDispatcher != nil {
			c.topicDispatcher.Dispatch(ctx, c, msg.Topic, msg.Data)
		}
	}
}

func (c *Connection) dispatchRequest(ctx context.Context, msg *wire.Message) {
	var result json.RawMessage
	var errp *ErrorPayload

	func() {
		defer func() {
			if r := recover(); r != nil {
				errp = &ErrorPayload{Kind: ErrHandlerError.String(), Message: fmt.Sprintf("handler panic: %v", r)}
			}
		}()
		if c.methodDispatcher == nil {
			errp = &ErrorPayload{Kind: ErrHandlerError.String(), Message: "no method dispatcher configured"}
			return
		}
		result, errp = c.methodDispatcher.Dispatch(ctx, c, msg.Method, msg.Payload)
	}()

	resp := &wire.Message{
		ID:        uuid.NewString(),
		Kind:      wire.KindResponse,
		RequestID: msg.ID,
		Result:    result,
		Error:     errp,
	}
	if err := c.SendMessage(resp); err != nil {
		c.logger.Printf("helios: failed to send response for request %s: %v", msg.ID, err)
	}
}

// reconnect replaces the transport, resets to OPEN, and clears health
// counters/timers. userData, subscriptions, and pendingRequests are left
// untouched. Health-check restart is the Coordinator's responsibility
// (it owns the HealthCheckConfig).
func (c *Connection) reconnect(newTransport Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHealthTimersLocked()
	c.transport = newTransport
	c.state = StateOpen
	c.health.missedPongs = 0
	c.health.lastPongAt = c.clock.Now()
	c.health.lastPingAt = time.Time{}
}

// beginClosing transitions OPEN -> CLOSING and stops health-check timers.
func (c *Connection) beginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosing
	c.stopHealthTimersLocked()
}

// markClosed transitions to CLOSED without tearing down userData,
// subscriptions, or pendingRequests (the session-recovery disconnect path).
func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
}

// teardown performs the full-teardown disconnect path: eagerly cancels
// every pending request's timer, then rejects it with CONNECTION_CLOSED,
// clears the pending map, clears userData, and marks CLOSED. Room Broker
// cleanup and Registry removal are the Coordinator's responsibility (they
// require locks this package does not want Connection reaching across).
func (c *Connection) teardown() {
	c.mu.Lock()
	prs := c.pendingRequests
	c.pendingRequests = make(map[string]*pendingRequest)
	c.mu.Unlock()

	// Cancel every timer before rejecting any waiter, per spec.md §5: a
	// later timer firing must never touch the (already-cleared) map.
	for _, pr := range prs {
		if pr.timer != nil {
			pr.timer.Stop()
		}
	}
	for _, pr := range prs {
		select {
		case pr.ch <- requestOutcome{err: ErrConnClosed}:
		default:
		}
	}

	c.UserData.clear()

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// subscriptionsSnapshot returns a copy of the concrete topics this
// Connection is currently subscribed to, for O(1) per-connection
// enumeration on cleanup.
func (c *Connection) subscriptionsSnapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

func (c *Connection) addSubscriptionLocal(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = struct{}{}
}

func (c *Connection) removeSubscriptionLocal(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, topic)
}

// CanRefreshToken reports whether a session-token refresh is currently
// allowed: sessionID must be set and at least ttl/2 must have elapsed since
// the last refresh.
func (c *Connection) CanRefreshToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return false
	}
	return c.clock.Now().Sub(c.lastTokenRefreshAt) >= c.lastRefreshTTL/2
}

// TimeUntilRefreshAllowed returns the nonnegative remaining time before
// CanRefreshToken becomes true.
func (c *Connection) TimeUntilRefreshAllowed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" || c.lastRefreshTTL == 0 {
		return 0
	}
	allowedAt := c.lastTokenRefreshAt.Add(c.lastRefreshTTL / 2)
	rem := allowedAt.Sub(c.clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

func (c *Connection) recordTokenRefresh(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastTokenRefreshAt = c.clock.Now()
	c.lastRefreshTTL = ttl
}
