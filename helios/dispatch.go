// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"context"
	"encoding/json"

	"github.com/aionbuilders/helios/internal/wire"
)

// MethodDispatcher routes a parsed Request through middleware to a
// registered handler and yields a result payload or a structured error.
// This is the method dispatcher spec.md §1 specifies only at its interface;
// its implementation (middleware chain, handler registry) is out of scope.
type MethodDispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, method string, payload json.RawMessage) (result json.RawMessage, err *ErrorPayload)
}

// TopicDispatcher routes a parsed Event to application subscribers. Out of
// scope per spec.md §1; specified only at this interface.
type TopicDispatcher interface {
	Dispatch(ctx context.Context, conn *Connection, topic string, data json.RawMessage)
}

// ErrorPayload is the error shape carried by a Response whose originating
// Request failed, whether from a handler error or from Helios itself (e.g.
// rate limiting, an unknown built-in method). It is an alias of wire's type
// so handler code never needs to convert between the two.
type ErrorPayload = wire.ErrorPayload

// MethodDispatcherFunc adapts a plain function to a MethodDispatcher.
type MethodDispatcherFunc func(ctx context.Context, conn *Connection, method string, payload json.RawMessage) (json.RawMessage, *ErrorPayload)

func (f MethodDispatcherFunc) Dispatch(ctx context.Context, conn *Connection, method string, payload json.RawMessage) (json.RawMessage, *ErrorPayload) {
	return f(ctx, conn, method, payload)
}

// TopicDispatcherFunc adapts a plain function to a TopicDispatcher.
type TopicDispatcherFunc func(ctx context.Context, conn *Connection, topic string, data json.RawMessage)

func (f TopicDispatcherFunc) Dispatch(ctx context.Context, conn *Connection, topic string, data json.RawMessage) {
	f(ctx, conn, topic, data)
}
