// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/aionbuilders/helios/internal/clock"
	"github.com/aionbuilders/helios/internal/wire"
	"github.com/aionbuilders/helios/token"
)

// pingTimeout is the fixed deadline spec.md §4.5 gives the Coordinator's
// manual Ping operation, distinct from the health-check loop's configurable
// Timeout.
const pingTimeout = 10 * time.Second

// Coordinator wires the Registry, Room Broker, Token Codec, and wire codec
// together into the transport-event handlers described in spec.md §4.7. It
// is the one type application code constructs directly; everything else in
// this package is reached through it or through the Connection it hands
// back from HandleOpen.
type Coordinator struct {
	cfg    Config
	clock  clock.Clock
	logger Logger
	bus    *eventBus

	registry *Registry
	broker   *RoomBroker

	// codec is nil when SessionRecovery.Enabled is false.
	codec *token.Codec

	mu       sync.Mutex
	limiters map[*Connection]*rate.Limiter
}

// NewCoordinator builds a Coordinator from DefaultConfig overridden by opts.
// It returns an error only for a synchronous configuration failure (e.g. a
// session-recovery secret shorter than 32 bytes).
func NewCoordinator(opts ...Option) (*Coordinator, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var codec *token.Codec
	if cfg.SessionRecovery.Enabled {
		c, err := token.NewCodec(cfg.SessionRecovery.Secret)
		if err != nil {
			return nil, newError(ErrValidation, "%v", err)
		}
		codec = c
	}

	bus := newEventBus()
	registry := NewRegistry(cfg.Clock, cfg.Logger, bus, cfg.MethodDispatcher, cfg.TopicDispatcher, cfg.RequestTimeout, cfg.RegistrySweepInterval)
	broker := NewRoomBroker(cfg.Logger, bus)

	co := &Coordinator{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		bus:      bus,
		registry: registry,
		broker:   broker,
		codec:    codec,
		limiters: make(map[*Connection]*rate.Limiter),
	}
	registry.SetCleanupHook(co.cleanupExpired)
	return co, nil
}

// cleanupExpired runs the Room Broker and rate-limiter cleanup spec.md
// §4.7's teardown step requires, for a Connection the Registry's periodic
// sweep expired (as opposed to one torn down via HandleClose, which calls
// the same two steps directly).
func (co *Coordinator) cleanupExpired(conn *Connection) {
	co.broker.Cleanup(conn)
	co.stopLimiter(conn)
}

// Registry returns the Coordinator's Connection Registry.
func (co *Coordinator) Registry() *Registry { return co.registry }

// Broker returns the Coordinator's Room Broker.
func (co *Coordinator) Broker() *RoomBroker { return co.broker }

// On subscribes fn to the named server-side observability event (e.g.
// "connection", "session:created", "ping-missed" — see spec.md §6).
func (co *Coordinator) On(name string, fn func(any)) {
	co.bus.On(name, fn)
}

// HandleOpen implements the "open" transport event of spec.md §4.7. If
// sessionToken is non-empty and recovery is enabled, it attempts recovery
// first; on any failure it falls through to creating a fresh Connection
// (and, if recovery is enabled, a fresh session) and emits
// "session:recovery-failed" with the reason.
func (co *Coordinator) HandleOpen(transport Transport, sessionToken string) *Connection {
	if co.cfg.SessionRecovery.Enabled && sessionToken != "" {
		if conn, ok := co.tryRecover(transport, sessionToken); ok {
			return conn
		}
	}

	conn := co.registry.New(transport)
	co.startLimiter(conn)
	if co.cfg.SessionRecovery.Enabled {
		co.createSession(conn)
	}
	conn.startHealthCheck(co.cfg.HealthCheck)
	return conn
}

func (co *Coordinator) tryRecover(transport Transport, sessionToken string) (*Connection, bool) {
	sess, err := co.codec.Verify(sessionToken)
	if err != nil {
		co.failRecovery(err.Error())
		return nil, false
	}

	conn := co.registry.Reconnect(sess.SessionID, transport)
	if conn == nil {
		co.failRecovery("no recoverable session for token")
		return nil, false
	}

	for k, v := range sess.Metadata {
		conn.UserData.Set(k, v)
	}
	co.startLimiter(conn)
	conn.startHealthCheck(co.cfg.HealthCheck)

	if err := conn.Emit("session:recovered", map[string]any{
		"sessionId": sess.SessionID,
		"metadata":  sess.Metadata,
	}); err != nil {
		co.logger.Printf("helios: failed to emit session:recovered for %s: %v", conn.ID(), err)
	}
	if co.bus != nil {
		co.bus.publish("session:recovered", SessionRecoveredEvent{Connection: conn, SessionID: sess.SessionID, Metadata: sess.Metadata})
	}
	return conn, true
}

func (co *Coordinator) failRecovery(reason string) {
	if co.bus != nil {
		co.bus.publish("session:recovery-failed", SessionRecoveryFailedEvent{Reason: reason})
	}
}

// createSession mints a session token for a newly created Connection,
// assigns it in the Registry, and emits "session:created" to the client and
// the bus.
func (co *Coordinator) createSession(conn *Connection) {
	sessionID := uuid.NewString()
	tok, err := co.codec.Mint(sessionID, conn.ID(), nil, co.cfg.SessionRecovery.TTL)
	if err != nil {
		co.logger.Printf("helios: failed to mint session token for %s: %v", conn.ID(), err)
		return
	}
	co.registry.AssignSession(sessionID, conn)
	conn.recordTokenRefresh(co.cfg.SessionRecovery.TTL)

	ttlMillis := co.cfg.SessionRecovery.TTL.Milliseconds()
	if err := conn.Emit("session:created", map[string]any{"token": tok, "ttl": ttlMillis}); err != nil {
		co.logger.Printf("helios: failed to emit session:created for %s: %v", conn.ID(), err)
	}
	if co.bus != nil {
		co.bus.publish("session:created", SessionCreatedEvent{Connection: conn, Token: tok, TTL: co.cfg.SessionRecovery.TTL})
	}
}

// HandleMessage implements the "message" transport event. It looks up the
// Connection for transport (logging and dropping on a race with close),
// applies the configured parseMode, intercepts built-in RPC methods, and
// otherwise hands the parsed Message to the Connection.
func (co *Coordinator) HandleMessage(ctx context.Context, transport Transport, frame []byte, isText bool) error {
	conn, ok := co.registry.Get(transport)
	if !ok {
		co.logger.Printf("helios: message for unknown transport, dropping")
		return nil
	}

	if lim := co.limiterFor(conn); lim != nil && !lim.Allow() {
		return newError(ErrRateLimited, "inbound rate limit exceeded")
	}

	msg, err := co.parseFrame(frame, isText)
	if err != nil {
		if co.cfg.ParseMode == ParseStrict {
			return err
		}
		co.logger.Printf("helios: dropping unparseable frame from %s: %v", conn.ID(), err)
		return nil
	}

	if msg.Kind == wire.KindRequest {
		if handled, result, errp := co.dispatchBuiltin(ctx, conn, msg); handled {
			resp := &wire.Message{ID: uuid.NewString(), Kind: wire.KindResponse, RequestID: msg.ID, Result: result, Error: errp}
			return conn.SendMessage(resp)
		}
	}

	conn.HandleIncoming(ctx, msg)
	return nil
}

func (co *Coordinator) parseFrame(frame []byte, isText bool) (*wire.Message, error) {
	switch co.cfg.ParseMode {
	case ParseStrict:
		return wire.DecodeStrict(frame)
	case ParsePermissive:
		if isText && wire.LooksLikeJSON(frame) {
			if m, err := wire.DecodeLoose(frame); err == nil {
				return m, nil
			}
		}
		return rawMessage(frame, isText), nil
	default: // ParsePassthrough
		return rawMessage(frame, isText), nil
	}
}

// rawMessage wraps a frame the permissive/passthrough modes could not (or
// chose not to) parse as a Message into an Event on a reserved topic, so
// non-core traffic still reaches a TopicDispatcher rather than being
// silently dropped.
func rawMessage(frame []byte, isText bool) *wire.Message {
	topic := "raw:binary"
	var data json.RawMessage
	if isText {
		topic = "raw:text"
		data, _ = json.Marshal(string(frame))
	} else {
		data, _ = json.Marshal(frame)
	}
	return &wire.Message{ID: uuid.NewString(), Kind: wire.KindEvent, Topic: topic, Data: data}
}

// HandlePong implements the "pong" transport event.
func (co *Coordinator) HandlePong(transport Transport) {
	conn, ok := co.registry.Get(transport)
	if !ok {
		return
	}
	conn.onPong()
}

// HandleClose implements the "close" transport event.
func (co *Coordinator) HandleClose(transport Transport, code int, reason string) {
	conn, ok := co.registry.Get(transport)
	if !ok {
		return
	}

	conn.beginClosing()

	if co.cfg.SessionRecovery.Enabled && conn.SessionID() != "" {
		co.registry.MarkDisconnected(transport, co.cfg.SessionRecovery.TTL)
		conn.markClosed()
	} else {
		conn.teardown()
		co.cleanupExpired(conn)
		co.registry.Remove(transport, conn.SessionID())
	}

	if co.bus != nil {
		co.bus.publish("disconnection", DisconnectionEvent{Connection: conn, Code: code, Reason: reason})
	}
}

// Ping performs the manual ping-latency measurement described in spec.md
// §4.5: it installs a one-shot pong listener, sends a ping, and rejects with
// TIMEOUT after 10 seconds if no pong arrives first.
func (co *Coordinator) Ping(ctx context.Context, conn *Connection) (time.Duration, error) {
	type outcome struct {
		latency time.Duration
		err     error
	}
	ch := make(chan outcome, 1)
	var once sync.Once
	complete := func(o outcome) {
		once.Do(func() { ch <- o })
	}

	cancel := conn.installPongWaiter(func(latency time.Duration) {
		complete(outcome{latency: latency})
	})
	defer cancel()

	t := conn.currentTransport()
	if t == nil || conn.State() != StateOpen {
		return 0, ErrConnClosed
	}
	if err := t.SendPing(); err != nil {
		return 0, err
	}

	timer := co.clock.AfterFunc(pingTimeout, func() {
		complete(outcome{err: ErrReqTimeout})
	})
	defer timer.Stop()

	select {
	case o := <-ch:
		return o.latency, o.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Shutdown stops the Registry's periodic sweep and closes every live
// Connection's transport with a normal-closure code, per SPEC_FULL.md §10.
// It does not wait for close events to be delivered back through
// HandleClose; callers that need that should wait for their transport
// layer's own shutdown signal.
func (co *Coordinator) Shutdown(ctx context.Context) error {
	co.registry.Close()

	co.registry.mu.Lock()
	transports := make([]Transport, 0, len(co.registry.byTransport))
	for t := range co.registry.byTransport {
		transports = append(transports, t)
	}
	co.registry.mu.Unlock()

	for _, t := range transports {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_ = t.Close(1000, "Server shutting down")
	}
	return nil
}

func (co *Coordinator) startLimiter(conn *Connection) {
	if co.cfg.InboundRateLimit <= 0 {
		return
	}
	co.mu.Lock()
	defer co.mu.Unlock()
	co.limiters[conn] = rate.NewLimiter(rate.Limit(co.cfg.InboundRateLimit), int(co.cfg.InboundRateLimit)+1)
}

func (co *Coordinator) stopLimiter(conn *Connection) {
	co.mu.Lock()
	defer co.mu.Unlock()
	delete(co.limiters, conn)
}

func (co *Coordinator) limiterFor(conn *Connection) *rate.Limiter {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.limiters[conn]
}

type subscribeRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// dispatchBuiltin intercepts the three built-in RPC methods spec.md §4.6/
// §4.7 register ahead of any application MethodDispatcher: helios.subscribe,
// helios.unsubscribe, session.refresh.
func (co *Coordinator) dispatchBuiltin(ctx context.Context, conn *Connection, msg *wire.Message) (handled bool, result json.RawMessage, errp *ErrorPayload) {
	switch msg.Method {
	case "helios.subscribe":
		r, e := co.handleSubscribe(ctx, conn, msg.Payload)
		return true, r, e
	case "helios.unsubscribe":
		r, e := co.handleUnsubscribe(conn, msg.Payload)
		return true, r, e
	case "session.refresh":
		r, e := co.handleSessionRefresh(conn)
		return true, r, e
	default:
		return false, nil, nil
	}
}

func (co *Coordinator) handleSubscribe(ctx context.Context, conn *Connection, payload json.RawMessage) (json.RawMessage, *ErrorPayload) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &ErrorPayload{Kind: ErrValidation.String(), Message: "invalid subscribe payload"}
	}
	if err := co.broker.Subscribe(ctx, conn, req.Topic, req.Data); err != nil {
		if herr, ok := err.(*Error); ok {
			return nil, &ErrorPayload{Kind: herr.Kind.String(), Message: herr.Message}
		}
		return nil, &ErrorPayload{Kind: ErrHandlerError.String(), Message: err.Error()}
	}
	return mustMarshal(map[string]any{"ok": true})
}

func (co *Coordinator) handleUnsubscribe(conn *Connection, payload json.RawMessage) (json.RawMessage, *ErrorPayload) {
	var req subscribeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &ErrorPayload{Kind: ErrValidation.String(), Message: "invalid unsubscribe payload"}
	}
	ok := co.broker.Unsubscribe(conn, req.Topic)
	return mustMarshal(map[string]any{"ok": ok})
}

// handleSessionRefresh implements spec.md §4.7's session.refresh. All three
// outcomes (no session, rate limited, success) are returned as a successful
// Response carrying a result payload, never as an ErrorPayload, matching the
// spec's structured-result wording.
func (co *Coordinator) handleSessionRefresh(conn *Connection) (json.RawMessage, *ErrorPayload) {
	sessionID := conn.SessionID()
	if sessionID == "" {
		return mustMarshal(map[string]any{"error": "No active session"})
	}
	if !conn.CanRefreshToken() {
		waitMs := conn.TimeUntilRefreshAllowed().Milliseconds()
		return mustMarshal(map[string]any{"error": "Rate limit exceeded", "waitMs": waitMs})
	}

	tok, err := co.codec.Mint(sessionID, conn.ID(), nil, co.cfg.SessionRecovery.TTL)
	if err != nil {
		co.logger.Printf("helios: failed to mint refreshed session token for %s: %v", conn.ID(), err)
		return mustMarshal(map[string]any{"error": "Internal error"})
	}
	conn.recordTokenRefresh(co.cfg.SessionRecovery.TTL)

	if err := conn.Emit("session:refreshed", map[string]any{"token": tok, "sessionId": sessionID}); err != nil {
		co.logger.Printf("helios: failed to emit session:refreshed for %s: %v", conn.ID(), err)
	}
	if co.bus != nil {
		co.bus.publish("session:refreshed", SessionRefreshedEvent{Connection: conn, Token: tok})
	}
	return mustMarshal(map[string]any{"success": true, "token": tok, "sessionId": sessionID})
}

func mustMarshal(v any) (json.RawMessage, *ErrorPayload) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, &ErrorPayload{Kind: ErrHandlerError.String(), Message: err.Error()}
	}
	return raw, nil
}
