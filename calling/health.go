/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// defaultDisconnectGrace is how long a session tolerates the ICE
// "disconnected" state before it is torn down. Transient network blips
// usually recover well inside this window.
const defaultDisconnectGrace = 3 * time.Second

// healthMonitor turns peer connection state changes into a single
// teardown decision. "disconnected" arms a grace timer, recovery disarms
// it, and "failed"/"closed" terminate immediately. The terminate callback
// fires at most once and never while the monitor's lock is held.
type healthMonitor struct {
	mu        sync.Mutex
	grace     time.Duration
	timer     *time.Timer
	terminate func(reason string)
	stopped   bool
	fired     bool
}

func newHealthMonitor(grace time.Duration, terminate func(reason string)) *healthMonitor {
	if grace <= 0 {
		grace = defaultDisconnectGrace
	}
	return &healthMonitor{
		grace:     grace,
		terminate: terminate,
	}
}

// Observe feeds a peer connection state change into the monitor
func (m *healthMonitor) Observe(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateConnecting:
		m.cancelTimer()
	case webrtc.PeerConnectionStateDisconnected:
		m.armTimer()
	case webrtc.PeerConnectionStateFailed:
		m.fire("connection failed")
	case webrtc.PeerConnectionStateClosed:
		m.fire("connection closed")
	}
}

// Stop disarms the monitor. Used on deliberate teardown so a racing
// state change cannot trigger a second cleanup.
func (m *healthMonitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

// armTimer starts the grace timer. A timer that is already running keeps
// its original deadline; repeated "disconnected" states do not extend it.
func (m *healthMonitor) armTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.fired || m.timer != nil {
		return
	}
	m.timer = time.AfterFunc(m.grace, func() {
		m.fire("connection lost")
	})
}

func (m *healthMonitor) cancelTimer() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

func (m *healthMonitor) fire(reason string) {
	m.mu.Lock()
	if m.stopped || m.fired {
		m.mu.Unlock()
		return
	}
	m.fired = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	terminate := m.terminate
	m.mu.Unlock()

	if terminate != nil {
		terminate(reason)
	}
}
