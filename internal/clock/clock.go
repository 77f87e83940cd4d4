// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package clock provides a monotonic time and timer source that every other
// Helios component uses instead of calling time.Now/time.AfterFunc directly,
// so that health-check and request-timeout behavior can be driven
// deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot timer. Stop is idempotent: calling it more
// than once, or after the timer has already fired, is a no-op that returns
// false on the second and later calls.
type Timer interface {
	Stop() bool
}

// Ticker is a cancellable periodic timer. Stop is idempotent.
type Ticker interface {
	Stop()
}

// Clock is the monotonic time and timer source threaded through Connection,
// Registry, and the health-check state machine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc schedules f to run once after d elapses, on its own
	// goroutine. Stopping the returned Timer before it fires prevents f
	// from running.
	AfterFunc(d time.Duration, f func()) Timer
	// NewTicker schedules f to run repeatedly every d, on its own
	// goroutine, until stopped.
	NewTicker(d time.Duration, f func()) Ticker
}

// Real returns the Clock backed by the standard library's wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration, f func()) Ticker {
	t := time.NewTicker(d)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				f()
			case <-done:
				return
			}
		}
	}()
	return &realTicker{t: t, done: done}
}

type realTicker struct {
	t    *time.Ticker
	done chan struct{}
	once sync.Once
}

func (r *realTicker) Stop() {
	r.once.Do(func() {
		r.t.Stop()
		close(r.done)
	})
}
