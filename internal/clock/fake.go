// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of timer-driven
// logic (health-check loops, request timeouts, registry sweeps). Advance
// runs every waiter whose deadline has elapsed, in deadline order, firing
// callbacks synchronously on the caller's goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters waiterHeap
	seq     uint64
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, cb func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w := &fakeWaiter{deadline: f.now.Add(d), f: cb, seq: f.seq}
	heap.Push(&f.waiters, w)
	return &fakeTimer{f: f, w: w}
}

func (f *Fake) NewTicker(d time.Duration, cb func()) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	w := &fakeWaiter{deadline: f.now.Add(d), f: cb, seq: f.seq, period: d}
	heap.Push(&f.waiters, w)
	return &fakeTicker{f: f, w: w}
}

// Advance moves the clock forward by d, firing any waiter whose deadline
// has now elapsed (periodic waiters are rescheduled and may fire more than
// once if d spans several periods). Waiters fire one at a time, in deadline
// order, with the clock set to that waiter's own deadline before it runs —
// not jumped straight to the final target — so a callback that schedules a
// new timer (e.g. a health-check tick arming its timeout) gets a deadline
// computed from the correct simulated time and can still fire within this
// same Advance if it falls before the target.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		if f.waiters.Len() == 0 || f.waiters[0].deadline.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		w := heap.Pop(&f.waiters).(*fakeWaiter)
		if w.cancelled {
			f.mu.Unlock()
			continue
		}
		f.now = w.deadline
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			heap.Push(&f.waiters, w)
		}
		f.mu.Unlock()

		w.f()
	}
}

type fakeWaiter struct {
	deadline  time.Time
	f         func()
	seq       uint64
	period    time.Duration // zero for one-shot timers
	cancelled bool
	index     int
}

type waiterHeap []*fakeWaiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *waiterHeap) Push(x any) {
	w := x.(*fakeWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

type fakeTimer struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	already := t.w.cancelled
	t.w.cancelled = true
	return !already
}

type fakeTicker struct {
	f *Fake
	w *fakeWaiter
}

func (t *fakeTicker) Stop() {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	t.w.cancelled = true
}
