/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestHealthMonitor(t *testing.T) {
	t.Run("disconnected terminates after grace", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(20*time.Millisecond, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateDisconnected)

		time.Sleep(100 * time.Millisecond)
		if fired.Load() != 1 {
			t.Errorf("Expected exactly one termination, got %d", fired.Load())
		}
	})

	t.Run("recovery within grace cancels termination", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(50*time.Millisecond, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateDisconnected)
		time.Sleep(10 * time.Millisecond)
		monitor.Observe(webrtc.PeerConnectionStateConnected)

		time.Sleep(100 * time.Millisecond)
		if fired.Load() != 0 {
			t.Errorf("Expected no termination after recovery, got %d", fired.Load())
		}
	})

	t.Run("failed terminates immediately", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(time.Minute, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateFailed)

		if fired.Load() != 1 {
			t.Errorf("Expected immediate termination on failed, got %d", fired.Load())
		}
	})

	t.Run("closed terminates immediately", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(time.Minute, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateClosed)

		if fired.Load() != 1 {
			t.Errorf("Expected immediate termination on closed, got %d", fired.Load())
		}
	})

	t.Run("repeated disconnected does not extend the deadline", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(50*time.Millisecond, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateDisconnected)
		time.Sleep(30 * time.Millisecond)
		monitor.Observe(webrtc.PeerConnectionStateDisconnected)

		// The original deadline is 50ms out; a restarted timer would
		// still be pending at 70ms
		time.Sleep(40 * time.Millisecond)
		if fired.Load() != 1 {
			t.Errorf("Expected termination at the original deadline, got %d", fired.Load())
		}
	})

	t.Run("terminates at most once", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(10*time.Millisecond, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateFailed)
		monitor.Observe(webrtc.PeerConnectionStateClosed)
		monitor.Observe(webrtc.PeerConnectionStateDisconnected)

		time.Sleep(50 * time.Millisecond)
		if fired.Load() != 1 {
			t.Errorf("Expected a single termination, got %d", fired.Load())
		}
	})

	t.Run("stop disarms the monitor", func(t *testing.T) {
		var fired atomic.Int32
		monitor := newHealthMonitor(10*time.Millisecond, func(reason string) {
			fired.Add(1)
		})

		monitor.Observe(webrtc.PeerConnectionStateDisconnected)
		monitor.Stop()

		time.Sleep(50 * time.Millisecond)
		if fired.Load() != 0 {
			t.Errorf("Expected no termination after Stop, got %d", fired.Load())
		}

		monitor.Observe(webrtc.PeerConnectionStateFailed)
		if fired.Load() != 0 {
			t.Errorf("Expected stopped monitor to ignore failed, got %d", fired.Load())
		}
	})
}
