// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command heliosd runs a small demonstration Helios server: an echo RPC
// method, a public "chat" broadcast room, and session recovery enabled with
// a secret read from the HELIOSD_SECRET environment variable (falling back
// to an insecure development default, logged loudly).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aionbuilders/helios/helios"
	"github.com/aionbuilders/helios/wsadapter"
)

func main() {
	var (
		host = flag.String("host", "localhost", "host to listen on")
		port = flag.String("port", "8080", "port to listen on")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "heliosd: ", log.LstdFlags)

	secret := os.Getenv("HELIOSD_SECRET")
	if secret == "" {
		secret = "insecure-development-secret-change-me-32b"
		logger.Printf("HELIOSD_SECRET not set; using an insecure development default")
	}

	dispatcher := helios.MethodDispatcherFunc(func(ctx context.Context, conn *helios.Connection, method string, payload json.RawMessage) (json.RawMessage, *helios.ErrorPayload) {
		switch method {
		case "echo":
			return payload, nil
		default:
			return nil, &helios.ErrorPayload{Kind: "HANDLER_ERROR", Message: fmt.Sprintf("unknown method %q", method)}
		}
	})

	co, err := helios.NewCoordinator(
		helios.WithLogger(logger),
		helios.WithMethodDispatcher(dispatcher),
		helios.WithSessionRecovery(helios.SessionRecoveryConfig{
			Enabled: true,
			Secret:  []byte(secret),
			TTL:     5 * time.Minute,
		}),
	)
	if err != nil {
		logger.Fatalf("failed to build coordinator: %v", err)
	}

	co.Broker().Declare("chat")

	co.On("connection", func(payload any) {
		if ev, ok := payload.(helios.ConnectionEvent); ok {
			logger.Printf("connection opened: %s", ev.Connection.ID())
		}
	})
	co.On("disconnection", func(payload any) {
		if ev, ok := payload.(helios.DisconnectionEvent); ok {
			logger.Printf("connection closed: %s (%d %s)", ev.Connection.ID(), ev.Code, ev.Reason)
		}
	})

	server := wsadapter.NewServer(co)

	addr := fmt.Sprintf("%s:%s", *host, *port)
	logger.Printf("listening on ws://%s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		logger.Fatalf("server failed: %v", err)
	}
}
