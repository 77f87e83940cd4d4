// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wsadapter is the gorilla/websocket transport adapter that
// implements helios.Transport and drives a helios.Coordinator's open,
// message, pong, and close events from a real WebSocket connection. Helios
// itself never imports a WebSocket library (spec.md §1 specifies the
// transport only at the helios.Transport interface); this package is that
// interface's concrete, swappable default.
package wsadapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aionbuilders/helios/helios"
)

// writeTimeout bounds a single frame write, matching helios.Transport's
// "must not block indefinitely on back-pressure" contract.
const writeTimeout = 10 * time.Second

// Conn adapts a *websocket.Conn to helios.Transport. Writes are serialized
// with a mutex since gorilla/websocket forbids concurrent writers; reads are
// owned entirely by the single goroutine Serve runs, matching the
// single-reader-per-socket model helios.Connection.HandleIncoming assumes.
type Conn struct {
	ws        *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewConn wraps an already-upgraded *websocket.Conn.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) SendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.mu.Unlock()
		err = c.ws.Close()
	})
	return err
}

var _ helios.Transport = (*Conn)(nil)

// Server upgrades incoming HTTP requests to WebSocket connections and drives
// each one's read loop against a helios.Coordinator. It is an http.Handler.
type Server struct {
	Coordinator *helios.Coordinator
	Upgrader    websocket.Upgrader

	// SessionTokenParam is the upgrade URL query parameter carrying a
	// session-recovery token, per spec.md §4.7. Defaults to "session_token".
	SessionTokenParam string

	// PongWait bounds how long the read loop waits for any frame (including
	// a pong) before treating the peer as gone. Defaults to 60s; should
	// exceed the Coordinator's HealthCheckConfig.Interval+Timeout.
	PongWait time.Duration
}

// NewServer constructs a Server with CheckOrigin defaulting to
// defaultCheckOrigin (no Origin header, same-origin, or loopback host),
// adapted from the same same-host heuristic used elsewhere in the pack for
// local development defaults.
func NewServer(co *helios.Coordinator) *Server {
	return &Server{
		Coordinator:       co,
		SessionTokenParam: "session_token",
		PongWait:          60 * time.Second,
		Upgrader: websocket.Upgrader{
			CheckOrigin: defaultCheckOrigin,
		},
	}
}

// defaultCheckOrigin allows only same-origin and loopback requests, a
// conservative default applications are expected to override for
// cross-origin deployments.
func defaultCheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if isLoopback(r.Host) {
		return true
	}
	return strings.Contains(origin, r.Host)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
	}
	if host == "localhost" {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// it closes. It blocks for the lifetime of the connection; callers normally
// reach it only via an http.Server goroutine-per-request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, fmt.Sprintf("websocket upgrade failed: %v", err), http.StatusBadRequest)
		return
	}
	s.Serve(ws, r.URL.Query().Get(s.SessionTokenParam))
}

// Serve runs one connection's full lifecycle against the Coordinator: open,
// then a blocking read loop dispatching message/pong events, then close.
// It returns once the connection's read loop ends.
func (s *Server) Serve(ws *websocket.Conn, sessionToken string) {
	conn := NewConn(ws)
	pongWait := s.PongWait
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		s.Coordinator.HandlePong(conn)
		return nil
	})

	s.Coordinator.HandleOpen(conn, sessionToken)
	ctx := context.Background()

	code, reason := 1000, ""
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				code, reason = ce.Code, ce.Text
			} else if !errors.Is(err, net.ErrClosed) {
				code, reason = 1006, err.Error()
			}
			break
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		isText := messageType == websocket.TextMessage
		if err := s.Coordinator.HandleMessage(ctx, conn, data, isText); err != nil {
			_ = conn.Close(1002, err.Error())
			code, reason = 1002, err.Error()
			break
		}
	}

	s.Coordinator.HandleClose(conn, code, reason)
}
