// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import "time"

// The following types are the payloads published on the Coordinator's
// internal event bus, per spec.md §6's "Observable events" table. Wire-level
// events sent to the client (via Connection.Emit) are JSON payloads, not Go
// structs, and are distinct from these — see SPEC_FULL.md §9.

// ConnectionEvent is published as "connection" when a new Connection is
// created.
type ConnectionEvent struct {
	Connection *Connection
}

// DisconnectionEvent is published as "disconnection" when a Connection's
// transport closes, whether or not it remains recoverable.
type DisconnectionEvent struct {
	Connection *Connection
	Code       int
	Reason     string
}

// SessionCreatedEvent is published as "session:created" (server-side) when
// a fresh session is minted.
type SessionCreatedEvent struct {
	Connection *Connection
	Token      string
	TTL        time.Duration
}

// SessionRecoveredEvent is published as "session:recovered" (server-side)
// when a reconnect successfully rebinds a prior Connection.
type SessionRecoveredEvent struct {
	Connection *Connection
	SessionID  string
	Metadata   map[string]any
}

// SessionRecoveryFailedEvent is published as "session:recovery-failed" when
// a presented session token fails verification or reconnect.
type SessionRecoveryFailedEvent struct {
	Reason string
}

// SessionRefreshedEvent is published as "session:refreshed" when
// session.refresh succeeds.
type SessionRefreshedEvent struct {
	Connection *Connection
	Token      string
}

// RoomSubscribedEvent / RoomUnsubscribedEvent are published as
// "room:subscribed" / "room:unsubscribed".
type RoomSubscribedEvent struct {
	Connection *Connection
	Topic      string
}

type RoomUnsubscribedEvent struct {
	Connection *Connection
	Topic      string
}

// PingMissedEvent is published as "ping-missed".
type PingMissedEvent struct {
	Connection  *Connection
	MissedPongs int
}

// PongReceivedEvent is published as "pong-received".
type PongReceivedEvent struct {
	Connection *Connection
	Latency    time.Duration
}

// PingTimeoutEvent is published as "ping-timeout" when the health-check
// loop closes the transport after exceeding MaxMissed.
type PingTimeoutEvent struct {
	Connection *Connection
}
