// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package helios

import "sync"

// fakeTransport is an in-memory Transport double used throughout this
// package's tests: it records every sent frame and ping, and lets a test
// install an onPing hook to simulate a peer's pong response (usually via a
// fake clock's AfterFunc, to model network latency deterministically).
type fakeTransport struct {
	mu          sync.Mutex
	sent        [][]byte
	pingCount   int
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
	onPing      func()
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := append([]byte(nil), data...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) SendPing() error {
	f.mu.Lock()
	f.pingCount++
	cb := f.onPing
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return nil
}

func (f *fakeTransport) Pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingCount
}

func (f *fakeTransport) ClosedState() (closed bool, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

func (f *fakeTransport) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) LastSent() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

var _ Transport = (*fakeTransport)(nil)
