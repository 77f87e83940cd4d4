// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"log"
	"time"

	"github.com/aionbuilders/helios/internal/clock"
)

// ParseMode selects how the Coordinator reacts to a wire-parse failure, per
// spec.md §4.7.
type ParseMode int

const (
	// ParseStrict propagates protocol errors (the default).
	ParseStrict ParseMode = iota
	// ParsePermissive attempts a softer dispatch: text frames are routed as
	// JSON if they parse as JSON, else as plain text; binary frames as
	// binary.
	ParsePermissive
	// ParsePassthrough is equivalent to ParsePermissive without the JSON
	// attempt.
	ParsePassthrough
)

// SessionRecoveryConfig configures session-token-based reconnect.
type SessionRecoveryConfig struct {
	Enabled bool
	// Secret signs session tokens; must be at least 32 bytes if Enabled.
	Secret []byte
	// TTL is how long a disconnected Connection remains recoverable.
	TTL time.Duration
}

// HealthCheckConfig configures the ping/pong liveness loop.
type HealthCheckConfig struct {
	Enabled bool
	// Interval between ping attempts.
	Interval time.Duration
	// Timeout waiting for a pong before counting it missed.
	Timeout time.Duration
	// MaxMissed consecutive missed pongs before the transport is closed.
	MaxMissed int
}

// Config configures a Coordinator. Use DefaultConfig and Options to build
// one rather than a bare struct literal, since several fields (notably the
// HealthCheck.Enabled default of true) cannot be distinguished from their
// Go zero value.
type Config struct {
	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration

	ParseMode ParseMode

	SessionRecovery SessionRecoveryConfig

	HealthCheck HealthCheckConfig

	// RegistrySweepInterval is how often the Registry scans for expired
	// disconnected sessions.
	RegistrySweepInterval time.Duration

	// InboundRateLimit caps inbound message processing per Connection, in
	// events/sec. Zero disables the limiter (the default) — back-pressure
	// is not part of the core contract per spec.md §5, but this ambient
	// hardening knob is off by default so it never alters spec.md §8's
	// testable properties.
	InboundRateLimit float64

	// Logger receives the "log and drop"/"log and return error" messages
	// named throughout spec.md §4.
	Logger Logger

	// MethodDispatcher and TopicDispatcher route parsed Requests/Events to
	// application handlers. Nil is valid (every Request then fails with
	// HANDLER_ERROR, matching Connection's own nil-dispatcher handling).
	MethodDispatcher MethodDispatcher
	TopicDispatcher  TopicDispatcher

	// Clock abstracts time for tests; defaults to the real wall clock.
	Clock clock.Clock
}

// Logger is the minimal logging surface Helios depends on, satisfied by
// *log.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

// DefaultConfig returns a Config with every default from spec.md §6 applied.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 5 * time.Second,
		ParseMode:      ParseStrict,
		SessionRecovery: SessionRecoveryConfig{
			Enabled: false,
			TTL:     300 * time.Second,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:   true,
			Interval:  30 * time.Second,
			Timeout:   10 * time.Second,
			MaxMissed: 2,
		},
		RegistrySweepInterval: 60 * time.Second,
		Logger:                log.Default(),
		Clock:                 clock.Real(),
	}
}

// Option mutates a Config being built by NewCoordinator.
type Option func(*Config)

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithParseMode(m ParseMode) Option {
	return func(c *Config) { c.ParseMode = m }
}

func WithSessionRecovery(cfg SessionRecoveryConfig) Option {
	return func(c *Config) { c.SessionRecovery = cfg }
}

func WithHealthCheck(cfg HealthCheckConfig) Option {
	return func(c *Config) { c.HealthCheck = cfg }
}

func WithRegistrySweepInterval(d time.Duration) Option {
	return func(c *Config) { c.RegistrySweepInterval = d }
}

func WithInboundRateLimit(eventsPerSec float64) Option {
	return func(c *Config) { c.InboundRateLimit = eventsPerSec }
}

func WithLogger(l Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func WithMethodDispatcher(d MethodDispatcher) Option {
	return func(c *Config) { c.MethodDispatcher = d }
}

func WithTopicDispatcher(d TopicDispatcher) Option {
	return func(c *Config) { c.TopicDispatcher = d }
}

// WithClock overrides the wall clock, used by tests to inject a fake clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}
