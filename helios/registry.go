// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aionbuilders/helios/internal/clock"
	"github.com/aionbuilders/helios/internal/heliosdebug"
)

// disconnectedEntry is a Connection that has lost its transport but whose
// session is still within its recovery TTL.
type disconnectedEntry struct {
	conn      *Connection
	expiresAt time.Time
}

// Registry owns every Connection's lifecycle and provides the two lookup
// indexes spec.md §4.4 requires: by transport handle and by recoverable
// sessionId. A disconnected Connection is indexed by neither transport nor
// the live-session map — only by disconnectedEntry — until either a
// reconnect or the periodic sweep resolves it.
type Registry struct {
	clock  clock.Clock
	logger Logger
	bus    *eventBus

	methodDispatcher MethodDispatcher
	topicDispatcher  TopicDispatcher
	requestTimeout   time.Duration

	mu           sync.Mutex
	byTransport  map[Transport]*Connection
	bySession    map[string]*Connection
	disconnected map[string]disconnectedEntry // keyed by sessionId

	// onExpire runs the Coordinator's final cleanup (Room Broker + rate
	// limiter) for a Connection the sweep tears down, alongside teardown()
	// itself. Installed once by NewCoordinator via SetCleanupHook, before
	// the sweep ticker can plausibly have fired. Nil is valid (no-op) so a
	// bare Registry built without a Coordinator still works for tests.
	onExpire func(*Connection)

	sweepTicker clock.Ticker
	closeOnce   sync.Once
}

// NewRegistry constructs a Registry and starts its periodic sweep goroutine
// at sweepInterval, stopped by Close. Grounded on the teacher's single
// sweep-goroutine-per-transport model (mcp/session_store.go).
func NewRegistry(clk clock.Clock, logger Logger, bus *eventBus, methodDispatcher MethodDispatcher, topicDispatcher TopicDispatcher, requestTimeout, sweepInterval time.Duration) *Registry {
	r := &Registry{
		clock:            clk,
		logger:           logger,
		bus:              bus,
		methodDispatcher: methodDispatcher,
		topicDispatcher:  topicDispatcher,
		requestTimeout:   requestTimeout,
		byTransport:      make(map[Transport]*Connection),
		bySession:        make(map[string]*Connection),
		disconnected:     make(map[string]disconnectedEntry),
	}
	if sweepInterval > 0 {
		r.sweepTicker = clk.NewTicker(sweepInterval, r.sweep)
	}
	return r
}

// New constructs a fresh Connection for transport, indexes it, and emits a
// "connection" event.
func (r *Registry) New(transport Transport) *Connection {
	conn := newConnection(uuid.NewString(), transport, r.clock, r.logger, r.bus, r.methodDispatcher, r.topicDispatcher, r.requestTimeout)

	r.mu.Lock()
	r.byTransport[transport] = conn
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.publish("connection", ConnectionEvent{Connection: conn})
	}
	return conn
}

// SetCleanupHook installs fn to run, in addition to teardown(), on every
// Connection the periodic sweep expires. The Coordinator uses it to wire in
// Broker.Cleanup and its rate-limiter bookkeeping, which the Registry itself
// has no reference to (see spec.md §4.4's "run final cleanup (see §4.7)").
func (r *Registry) SetCleanupHook(fn func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = fn
}

// Get returns the Connection currently bound to transport, if any.
func (r *Registry) Get(transport Transport) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byTransport[transport]
	return c, ok
}

// FindBySession returns an active Connection indexed under sessionId, or an
// unexpired disconnected one, or (nil, false) if neither exists.
func (r *Registry) FindBySession(sessionID string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.bySession[sessionID]; ok {
		return c, true
	}
	if entry, ok := r.disconnected[sessionID]; ok && entry.expiresAt.After(r.clock.Now()) {
		return entry.conn, true
	}
	return nil, false
}

// AssignSession binds sessionID to conn, indexing it for FindBySession and
// Reconnect. Called by the Coordinator once per newly minted session.
func (r *Registry) AssignSession(sessionID string, conn *Connection) {
	conn.setSessionID(sessionID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySession[sessionID] = conn
}

// Reconnect resolves sessionID to a recoverable Connection and rebinds it to
// newTransport, removing any disconnected entry and unindexing the old
// transport if it is still present. Returns nil if no recoverable session
// exists for sessionID.
func (r *Registry) Reconnect(sessionID string, newTransport Transport) *Connection {
	r.mu.Lock()
	conn, ok := r.bySession[sessionID]
	if !ok {
		entry, ok2 := r.disconnected[sessionID]
		if !ok2 || !entry.expiresAt.After(r.clock.Now()) {
			r.mu.Unlock()
			return nil
		}
		conn = entry.conn
		delete(r.disconnected, sessionID)
	}
	for t, c := range r.byTransport {
		if c == conn {
			delete(r.byTransport, t)
			break
		}
	}
	r.byTransport[newTransport] = conn
	r.bySession[sessionID] = conn
	r.mu.Unlock()

	conn.reconnect(newTransport)
	return conn
}

// MarkDisconnected removes transport's index entry and, if the bound
// Connection has a sessionId, inserts a disconnected entry expiring after
// ttl. Returns the Connection and whether it is recoverable (has a
// sessionId); a non-recoverable Connection must be fully torn down by the
// caller instead.
func (r *Registry) MarkDisconnected(transport Transport, ttl time.Duration) (conn *Connection, recoverable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.byTransport[transport]
	if !ok {
		return nil, false
	}
	delete(r.byTransport, transport)

	sessionID := conn.SessionID()
	if sessionID == "" {
		return conn, false
	}
	delete(r.bySession, sessionID)
	r.disconnected[sessionID] = disconnectedEntry{conn: conn, expiresAt: r.clock.Now().Add(ttl)}
	return conn, true
}

// Remove fully unindexes conn, used by the Coordinator's non-recoverable
// close path once teardown has run.
func (r *Registry) Remove(transport Transport, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTransport, transport)
	if sessionID != "" {
		delete(r.bySession, sessionID)
		delete(r.disconnected, sessionID)
	}
}

// sweep runs the periodic expired-disconnected-entry scan described in
// spec.md §4.4. It never holds the Registry lock while running Connection
// teardown, so it cannot starve message processing on other Connections.
func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.Lock()
	var expired []disconnectedEntry
	for sessionID, entry := range r.disconnected {
		if !entry.expiresAt.After(now) {
			expired = append(expired, entry)
			delete(r.disconnected, sessionID)
			delete(r.bySession, sessionID)
		}
	}
	onExpire := r.onExpire
	r.mu.Unlock()

	if heliosdebug.Value("logsweep") != "" && len(expired) > 0 {
		r.logger.Printf("helios: sweep tearing down %d expired session(s)", len(expired))
	}

	for _, entry := range expired {
		entry.conn.teardown()
		if onExpire != nil {
			onExpire(entry.conn)
		}
	}
}

// Close stops the sweep goroutine. Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		if r.sweepTicker != nil {
			r.sweepTicker.Stop()
		}
	})
}

// Len returns the number of actively-transported Connections, for tests and
// diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTransport)
}
