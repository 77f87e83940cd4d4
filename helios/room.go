// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aionbuilders/helios/internal/heliosdebug"
	"github.com/aionbuilders/helios/internal/wire"
	"github.com/aionbuilders/helios/pattern"
)

// RoomKind distinguishes a public room (exact topic, no validator) from a
// protected one (pattern, validator required), per spec.md §4.6.
type RoomKind int

const (
	RoomPublic RoomKind = iota
	RoomProtected
)

// RoomValidator decides whether a Connection may subscribe to a protected
// room. captures are the pattern's wildcard captures in declared order; data
// is the caller-supplied subscribe payload. A panic inside a validator is
// treated the same as a returned error: logged, surfaced as VALIDATOR_ERROR.
type RoomValidator func(ctx context.Context, conn *Connection, captures []string, data json.RawMessage) (bool, error)

// RoomOption configures a declared room.
type RoomOption func(*roomConfig)

type roomConfig struct {
	kind      RoomKind
	validator RoomValidator
}

// WithKind sets the room's kind; defaults to RoomPublic if omitted.
func WithKind(k RoomKind) RoomOption {
	return func(c *roomConfig) { c.kind = k }
}

// WithValidator sets the room's subscribe-time validator; required for
// RoomProtected rooms.
func WithValidator(v RoomValidator) RoomOption {
	return func(c *roomConfig) { c.validator = v }
}

type protectedRoom struct {
	pattern     string
	cfg         roomConfig
	specificity int
	order       int // declaration order, for specificity ties
}

// RoomBroker implements the pub/sub room registry described in spec.md §4.6:
// declared public (exact) and protected (pattern) rooms, subscribe-time
// validation, and broadcast fan-out over the paired byConnection/byTopic
// indexes.
type RoomBroker struct {
	logger Logger
	bus    *eventBus

	mu         sync.Mutex
	public     map[string]roomConfig
	protected  []*protectedRoom
	nextOrder  int
	byTopic    map[string]map[*Connection]struct{}
	byConn     map[*Connection]map[string]struct{}
}

// NewRoomBroker constructs an empty RoomBroker.
func NewRoomBroker(logger Logger, bus *eventBus) *RoomBroker {
	return &RoomBroker{
		logger:  logger,
		bus:     bus,
		public:  make(map[string]roomConfig),
		byTopic: make(map[string]map[*Connection]struct{}),
		byConn:  make(map[*Connection]map[string]struct{}),
	}
}

// Declare registers a room pattern, chainable per spec.md §4.6. It panics on
// a validation failure (empty pattern, wildcard in a public room, protected
// without validator) — callers that want a recoverable error should validate
// before calling Declare, or use DeclareErr.
func (b *RoomBroker) Declare(ptn string, opts ...RoomOption) *RoomBroker {
	if err := b.DeclareErr(ptn, opts...); err != nil {
		panic(err)
	}
	return b
}

// DeclareErr is Declare without the panic, returning a VALIDATION *Error
// instead.
func (b *RoomBroker) DeclareErr(ptn string, opts ...RoomOption) error {
	cfg := roomConfig{kind: RoomPublic}
	for _, opt := range opts {
		opt(&cfg)
	}

	if ptn == "" {
		return newError(ErrValidation, "room pattern must be non-empty")
	}
	if cfg.kind == RoomPublic && pattern.HasWildcard(ptn) {
		return newError(ErrValidation, "public room %q must not contain a wildcard", ptn)
	}
	if cfg.kind == RoomProtected && cfg.validator == nil {
		return newError(ErrValidation, "protected room %q requires a validator", ptn)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.kind == RoomPublic {
		b.public[ptn] = cfg
		return nil
	}
	room := &protectedRoom{pattern: ptn, cfg: cfg, specificity: pattern.Specificity(ptn), order: b.nextOrder}
	b.nextOrder++
	b.protected = append(b.protected, room)
	sort.SliceStable(b.protected, func(i, j int) bool {
		if b.protected[i].specificity != b.protected[j].specificity {
			return b.protected[i].specificity > b.protected[j].specificity
		}
		return b.protected[i].order < b.protected[j].order
	})
	return nil
}

// resolve finds the declared room configuration for a concrete topic,
// preferring an exact public match, then the most specific matching
// protected pattern. Returns the matched pattern string (equal to topic for
// public rooms) and its captures.
func (b *RoomBroker) resolve(topic string) (ptn string, cfg roomConfig, captures []string, found bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg, ok := b.public[topic]; ok {
		return topic, cfg, nil, true
	}
	for _, room := range b.protected {
		if m, ok := pattern.Match(topic, room.pattern); ok {
			return room.pattern, room.cfg, m.Captures, true
		}
	}
	return "", roomConfig{}, nil, false
}

// Subscribe resolves topic to a declared room, validates (if protected), and
// on success indexes conn under topic, emitting "room:subscribed".
func (b *RoomBroker) Subscribe(ctx context.Context, conn *Connection, topic string, data json.RawMessage) error {
	_, cfg, captures, found := b.resolve(topic)
	if !found {
		return newError(ErrRoomUndeclared, "room not declared (deny by default): %s", topic)
	}

	if cfg.kind == RoomProtected {
		ok, err := b.runValidator(ctx, cfg.validator, conn, captures, data)
		if err != nil {
			b.logger.Printf("helios: room validator error for %s: %v", topic, err)
			return newError(ErrValidatorError, "validator error")
		}
		if !ok {
			return newError(ErrPermissionDenied, "permission denied")
		}
	}

	b.mu.Lock()
	if b.byTopic[topic] == nil {
		b.byTopic[topic] = make(map[*Connection]struct{})
	}
	b.byTopic[topic][conn] = struct{}{}
	if b.byConn[conn] == nil {
		b.byConn[conn] = make(map[string]struct{})
	}
	b.byConn[conn][topic] = struct{}{}
	b.mu.Unlock()

	conn.addSubscriptionLocal(topic)
	if b.bus != nil {
		b.bus.publish("room:subscribed", RoomSubscribedEvent{Connection: conn, Topic: topic})
	}
	return nil
}

// runValidator invokes v, converting a panic into an error the same way a
// returned error is handled, per spec.md §4.6 ("on thrown or rejected
// validator").
func (b *RoomBroker) runValidator(ctx context.Context, v RoomValidator, conn *Connection, captures []string, data json.RawMessage) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator panic: %v", r)
		}
	}()
	return v(ctx, conn, captures, data)
}

// Unsubscribe removes the (conn, topic) pair from both indexes, deleting
// now-empty sets to avoid leaks. Returns whether a removal occurred.
func (b *RoomBroker) Unsubscribe(conn *Connection, topic string) bool {
	b.mu.Lock()
	removed := false
	if conns, ok := b.byTopic[topic]; ok {
		if _, ok := conns[conn]; ok {
			delete(conns, conn)
			removed = true
			if len(conns) == 0 {
				delete(b.byTopic, topic)
			}
		}
	}
	if topics, ok := b.byConn[conn]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(b.byConn, conn)
		}
	}
	b.mu.Unlock()

	if removed {
		conn.removeSubscriptionLocal(topic)
		if b.bus != nil {
			b.bus.publish("room:unsubscribed", RoomUnsubscribedEvent{Connection: conn, Topic: topic})
		}
	}
	return removed
}

// Broadcast sends an Event for topicOrPattern to every subscribed
// Connection: an exact byTopic match plus every Connection whose subscribed
// topic matches topicOrPattern as a pattern. It returns the number of
// distinct targets and how many sends succeeded.
func (b *RoomBroker) Broadcast(topicOrPattern string, data any) (targets, sent int) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.logger.Printf("helios: broadcast marshal error for %s: %v", topicOrPattern, err)
		return 0, 0
	}

	recipients := b.collectRecipients(topicOrPattern)
	if heliosdebug.Value("logbroadcast") != "" {
		b.logger.Printf("helios: broadcasting %s to %d recipient(s)", topicOrPattern, len(recipients))
	}

	for conn := range recipients {
		if conn.State() != StateOpen {
			continue
		}
		msg := &wire.Message{ID: uuid.NewString(), Kind: wire.KindEvent, Topic: topicOrPattern, Data: raw}
		if err := conn.SendMessage(msg); err != nil {
			b.logger.Printf("helios: broadcast send failed for connection %s: %v", conn.ID(), err)
			continue
		}
		sent++
	}
	return len(recipients), sent
}

func (b *RoomBroker) collectRecipients(topicOrPattern string) map[*Connection]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	recipients := make(map[*Connection]struct{})
	for conn := range b.byTopic[topicOrPattern] {
		recipients[conn] = struct{}{}
	}
	for conn, topics := range b.byConn {
		for t := range topics {
			if t == topicOrPattern {
				continue // already collected via byTopic
			}
			if _, ok := pattern.Match(t, topicOrPattern); ok {
				recipients[conn] = struct{}{}
			}
		}
	}
	return recipients
}

// Cleanup removes every pair referencing conn from both indexes, used on
// full connection teardown.
func (b *RoomBroker) Cleanup(conn *Connection) {
	b.mu.Lock()
	topics := b.byConn[conn]
	delete(b.byConn, conn)
	for t := range topics {
		if conns, ok := b.byTopic[t]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(b.byTopic, t)
			}
		}
	}
	b.mu.Unlock()
}
