// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aionbuilders/helios/internal/clock"
)

func TestDeclarePublicRoomRejectsWildcard(t *testing.T) {
	b := NewRoomBroker(discardLogger{}, newEventBus())
	err := b.DeclareErr("user:*")
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != ErrValidation {
		t.Fatalf("expected VALIDATION error, got %v", err)
	}
}

func TestDeclareProtectedRoomWithoutValidatorRejected(t *testing.T) {
	b := NewRoomBroker(discardLogger{}, newEventBus())
	err := b.DeclareErr("user:*", WithKind(RoomProtected))
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != ErrValidation {
		t.Fatalf("expected VALIDATION error, got %v", err)
	}
}

func TestSubscribeToUndeclaredTopicIsDenyByDefault(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewRoomBroker(discardLogger{}, newEventBus())
	conn := newTestConnection(clk, &fakeTransport{})

	err := b.Subscribe(context.Background(), conn, "nobody:declared", nil)
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != ErrRoomUndeclared {
		t.Fatalf("expected ROOM_UNDECLARED error, got %v", err)
	}
}

func TestRoomSubscribeAndBroadcastWithValidator(t *testing.T) {
	// spec.md §8 scenario 5.
	clk := clock.NewFake(time.Now())
	b := NewRoomBroker(discardLogger{}, newEventBus())

	validator := func(ctx context.Context, conn *Connection, captures []string, data json.RawMessage) (bool, error) {
		userID, _ := conn.UserData.Get("userId")
		return len(captures) == 1 && userID == captures[0], nil
	}
	b.Declare("user:*", WithKind(RoomProtected), WithValidator(validator))

	connX := newTestConnection(clk, &fakeTransport{})
	connX.UserData.Set("userId", "123")
	connY := newTestConnection(clk, &fakeTransport{})
	connY.UserData.Set("userId", "456")

	if err := b.Subscribe(context.Background(), connX, "user:123", nil); err != nil {
		t.Fatalf("expected X's subscribe to user:123 to succeed, got %v", err)
	}

	err := b.Subscribe(context.Background(), connY, "user:123", nil)
	var herr *Error
	if !errors.As(err, &herr) || herr.Kind != ErrPermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED for Y, got %v", err)
	}

	targets, sent := b.Broadcast("user:*", map[string]any{"hi": 1})
	if targets != 1 || sent != 1 {
		t.Fatalf("expected targets=1 sent=1, got targets=%d sent=%d", targets, sent)
	}
}

func TestBroadcastCountsClosedSubscribersAsTargetsButNotSent(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewRoomBroker(discardLogger{}, newEventBus())
	b.Declare("lobby")

	open := newTestConnection(clk, &fakeTransport{})
	closedConn := newTestConnection(clk, &fakeTransport{})

	if err := b.Subscribe(context.Background(), open, "lobby", nil); err != nil {
		t.Fatalf("subscribe open: %v", err)
	}
	if err := b.Subscribe(context.Background(), closedConn, "lobby", nil); err != nil {
		t.Fatalf("subscribe closed: %v", err)
	}
	closedConn.teardown()

	targets, sent := b.Broadcast("lobby", map[string]any{"x": 1})
	if targets != 2 {
		t.Fatalf("expected targets=2 (including closed subscriber), got %d", targets)
	}
	if sent != 1 {
		t.Fatalf("expected sent=1 (only the OPEN subscriber), got %d", sent)
	}
}

func TestUnsubscribeRemovesFromBothIndexesAndCleanupClearsAll(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := NewRoomBroker(discardLogger{}, newEventBus())
	b.Declare("lobby")
	b.Declare("general")
	conn := newTestConnection(clk, &fakeTransport{})

	if err := b.Subscribe(context.Background(), conn, "lobby", nil); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe(context.Background(), conn, "general", nil); err != nil {
		t.Fatal(err)
	}

	if !b.Unsubscribe(conn, "lobby") {
		t.Fatal("expected Unsubscribe to report a removal")
	}
	if b.Unsubscribe(conn, "lobby") {
		t.Fatal("expected a second Unsubscribe to report no removal")
	}

	b.Cleanup(conn)
	targets, _ := b.Broadcast("general", map[string]any{})
	if targets != 0 {
		t.Fatalf("expected Cleanup to remove all remaining subscriptions, got %d targets", targets)
	}
}
