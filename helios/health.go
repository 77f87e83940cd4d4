// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import (
	"time"

	"github.com/google/uuid"
)

// startHealthCheck starts the repeating ping loop described in spec.md
// §4.5. It is idempotent with stopHealthTimersLocked: calling Stop (via
// reconnect/beginClosing) before a scheduled tick fires leaves the timers
// nil.
func (c *Connection) startHealthCheck(cfg HealthCheckConfig) {
	if !cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHealthTimersLocked()
	c.health.pingTicker = c.clock.NewTicker(cfg.Interval, func() {
		c.healthTick(cfg)
	})
}

func (c *Connection) healthTick(cfg HealthCheckConfig) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	if c.health.missedPongs >= cfg.MaxMissed {
		t := c.transport
		c.mu.Unlock()
		if c.bus != nil {
			c.bus.publish("ping-timeout", PingTimeoutEvent{Connection: c})
		}
		t.Close(1000, "Ping timeout")
		return
	}
	c.health.lastPingAt = c.clock.Now()
	t := c.transport
	c.mu.Unlock()

	if err := t.SendPing(); err != nil {
		c.logger.Printf("helios: ping send failed for connection %s: %v", c.id, err)
	}

	c.mu.Lock()
	c.stopPongTimeoutLocked()
	c.health.timeoutTimer = c.clock.AfterFunc(cfg.Timeout, func() {
		c.onPingTimeout()
	})
	c.mu.Unlock()
}

func (c *Connection) onPingTimeout() (missed bool) {
	c.mu.Lock()
	if !c.health.lastPongAt.Before(c.health.lastPingAt) {
		c.mu.Unlock()
		return false
	}
	c.health.missedPongs++
	n := c.health.missedPongs
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.publish("ping-missed", PingMissedEvent{Connection: c, MissedPongs: n})
	}
	return true
}

// onPong records a received pong, resetting the missed-pong counter and
// cancelling the pending timeout. It returns the measured round-trip
// latency.
func (c *Connection) onPong() time.Duration {
	c.mu.Lock()
	now := c.clock.Now()
	c.health.lastPongAt = now
	c.health.missedPongs = 0
	c.stopPongTimeoutLocked()
	latency := now.Sub(c.health.lastPingAt)
	waiters := c.health.pongWaiters
	c.health.pongWaiters = make(map[string]func(time.Duration))
	c.mu.Unlock()

	for _, fn := range waiters {
		fn(latency)
	}
	if c.bus != nil {
		c.bus.publish("pong-received", PongReceivedEvent{Connection: c, Latency: latency})
	}
	return latency
}

// installPongWaiter registers a one-shot callback fired by the next pong,
// used by the Coordinator's manual Ping operation. It returns a cancel
// function.
func (c *Connection) installPongWaiter(fn func(time.Duration)) (cancel func()) {
	id := uuid.NewString()
	c.mu.Lock()
	c.health.pongWaiters[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.health.pongWaiters, id)
		c.mu.Unlock()
	}
}

// missedPongs reports the current consecutive-missed-pong counter.
func (c *Connection) missedPongs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health.missedPongs
}

func (c *Connection) stopHealthTimersLocked() {
	if c.health.pingTicker != nil {
		c.health.pingTicker.Stop()
		c.health.pingTicker = nil
	}
	c.stopPongTimeoutLocked()
}

func (c *Connection) stopPongTimeoutLocked() {
	if c.health.timeoutTimer != nil {
		c.health.timeoutTimer.Stop()
		c.health.timeoutTimer = nil
	}
}
