// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aionbuilders/helios/internal/clock"
	"github.com/aionbuilders/helios/internal/wire"
)

var testSecret = []byte("0123456789012345678901234567890123456789") // 40 bytes, above the 32-byte floor

func decodeMessage(t *testing.T, data []byte) *wire.Message {
	t.Helper()
	var m wire.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode sent message: %v", err)
	}
	return &m
}

func TestSessionRecoveryWithinTTL(t *testing.T) {
	// spec.md §8 scenario 3.
	clk := clock.NewFake(time.Now())
	co, err := NewCoordinator(
		WithClock(clk),
		WithLogger(discardLogger{}),
		WithHealthCheck(HealthCheckConfig{Enabled: false}),
		WithSessionRecovery(SessionRecoveryConfig{Enabled: true, Secret: testSecret, TTL: 10 * time.Second}),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ftA := &fakeTransport{}
	connA := co.HandleOpen(ftA, "")
	created := decodeMessage(t, ftA.LastSent())
	if created.Topic != "session:created" {
		t.Fatalf("expected session:created, got topic %q", created.Topic)
	}
	var createdPayload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(created.Data, &createdPayload); err != nil {
		t.Fatalf("decode session:created payload: %v", err)
	}

	connA.UserData.Set("k", "v")
	sessionID := connA.SessionID()

	co.HandleClose(ftA, 1000, "normal")

	ftA2 := &fakeTransport{}
	connA2 := co.HandleOpen(ftA2, createdPayload.Token)
	if connA2 != connA {
		t.Fatal("expected reconnect to resolve the same Connection")
	}
	if connA2.SessionID() != sessionID {
		t.Fatalf("expected sessionId to survive recovery, got %q want %q", connA2.SessionID(), sessionID)
	}
	if v, _ := connA2.UserData.Get("k"); v != "v" {
		t.Fatalf("expected userData[k]=v to survive recovery, got %v", v)
	}

	recovered := decodeMessage(t, ftA2.LastSent())
	if recovered.Topic != "session:recovered" {
		t.Fatalf("expected session:recovered, got topic %q", recovered.Topic)
	}
}

func TestSessionRecoveryAfterExpiryFallsBackToNewSession(t *testing.T) {
	// spec.md §8 scenario 4.
	clk := clock.NewFake(time.Now())
	co, err := NewCoordinator(
		WithClock(clk),
		WithLogger(discardLogger{}),
		WithHealthCheck(HealthCheckConfig{Enabled: false}),
		WithSessionRecovery(SessionRecoveryConfig{Enabled: true, Secret: testSecret, TTL: 100 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ftA := &fakeTransport{}
	connA := co.HandleOpen(ftA, "")
	created := decodeMessage(t, ftA.LastSent())
	var createdPayload struct {
		Token string `json:"token"`
	}
	json.Unmarshal(created.Data, &createdPayload)

	co.HandleClose(ftA, 1000, "normal")
	clk.Advance(200 * time.Millisecond)

	var failures int
	co.On("session:recovery-failed", func(any) { failures++ })

	ftB := &fakeTransport{}
	connB := co.HandleOpen(ftB, createdPayload.Token)
	if connB == connA {
		t.Fatal("expected a fresh Connection after the session expired")
	}
	if failures != 1 {
		t.Fatalf("expected exactly one session:recovery-failed event, got %d", failures)
	}

	createdB := decodeMessage(t, ftB.LastSent())
	if createdB.Topic != "session:created" {
		t.Fatalf("expected a fresh session:created after failed recovery, got topic %q", createdB.Topic)
	}
}

func TestSessionRefreshRateLimitedThenAllowed(t *testing.T) {
	start := time.Now()
	clk := clock.NewFake(start)
	co, err := NewCoordinator(
		WithClock(clk),
		WithLogger(discardLogger{}),
		WithHealthCheck(HealthCheckConfig{Enabled: false}),
		WithSessionRecovery(SessionRecoveryConfig{Enabled: true, Secret: testSecret, TTL: 10 * time.Second}),
	)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	ft := &fakeTransport{}
	conn := co.HandleOpen(ft, "")

	result, errp := co.handleSessionRefresh(conn)
	if errp != nil {
		t.Fatalf("unexpected ErrorPayload: %v", errp)
	}
	var first map[string]any
	json.Unmarshal(result, &first)
	if first["error"] != "Rate limit exceeded" {
		t.Fatalf("expected immediate refresh to be rate limited, got %v", first)
	}

	clk.Advance(5*time.Second + time.Millisecond)
	result, errp = co.handleSessionRefresh(conn)
	if errp != nil {
		t.Fatalf("unexpected ErrorPayload: %v", errp)
	}
	var second map[string]any
	json.Unmarshal(result, &second)
	if second["success"] != true {
		t.Fatalf("expected refresh to succeed after ttl/2, got %v", second)
	}
}

func TestHandleMessageBuiltinSubscribe(t *testing.T) {
	clk := clock.NewFake(time.Now())
	co, err := NewCoordinator(WithClock(clk), WithLogger(discardLogger{}), WithHealthCheck(HealthCheckConfig{Enabled: false}))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	co.Broker().Declare("lobby")

	ft := &fakeTransport{}
	co.HandleOpen(ft, "")

	payload, _ := json.Marshal(map[string]any{"topic": "lobby"})
	req := &wire.Message{ID: uuid.NewString(), Kind: wire.KindRequest, Method: "helios.subscribe", Payload: payload}
	raw, err := wire.Encode(req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	if err := co.HandleMessage(context.Background(), ft, raw, true); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	resp := decodeMessage(t, ft.LastSent())
	if resp.Kind != wire.KindResponse || resp.RequestID != req.ID {
		t.Fatalf("expected a matching Response, got %+v", resp)
	}
	var result map[string]any
	json.Unmarshal(resp.Result, &result)
	if result["ok"] != true {
		t.Fatalf("expected {ok:true}, got %v", result)
	}

	targets, sent := co.Broker().Broadcast("lobby", map[string]any{"x": 1})
	if targets != 1 || sent != 1 {
		t.Fatalf("expected the subscribed connection to receive the broadcast, got targets=%d sent=%d", targets, sent)
	}
}

func TestHandleCloseWithoutRecoveryFullyTearsDown(t *testing.T) {
	clk := clock.NewFake(time.Now())
	co, err := NewCoordinator(WithClock(clk), WithLogger(discardLogger{}), WithHealthCheck(HealthCheckConfig{Enabled: false}))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	co.Broker().Declare("lobby")

	ft := &fakeTransport{}
	conn := co.HandleOpen(ft, "")
	if err := co.Broker().Subscribe(context.Background(), conn, "lobby", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var disconnections int
	co.On("disconnection", func(any) { disconnections++ })

	co.HandleClose(ft, 1000, "bye")

	if conn.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %v", conn.State())
	}
	if _, ok := co.Registry().Get(ft); ok {
		t.Fatal("expected the transport to be fully unindexed")
	}
	targets, _ := co.Broker().Broadcast("lobby", map[string]any{})
	if targets != 0 {
		t.Fatalf("expected Broker.Cleanup to have removed the subscription, got %d targets", targets)
	}
	if disconnections != 1 {
		t.Fatalf("expected exactly one disconnection event, got %d", disconnections)
	}
}
