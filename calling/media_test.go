/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestStaticTrack(t *testing.T) {
	t.Run("starts enabled", func(t *testing.T) {
		track := audioTrack(t, "a")
		if !track.Enabled() {
			t.Error("Expected a fresh track to be enabled")
		}
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			t.Errorf("Expected audio kind, got %s", track.Kind())
		}
	})

	t.Run("stop is silent and repeatable", func(t *testing.T) {
		track := audioTrack(t, "a")
		endedFired := false
		track.OnEnded(func() { endedFired = true })

		track.Stop()
		track.Stop()

		if !track.Stopped() {
			t.Error("Expected track to be stopped")
		}
		if track.Enabled() {
			t.Error("Expected stopped track to be disabled")
		}
		if endedFired {
			t.Error("Stop must not fire OnEnded")
		}
	})

	t.Run("source ending fires OnEnded once", func(t *testing.T) {
		track := audioTrack(t, "a")
		fired := 0
		track.OnEnded(func() { fired++ })

		track.SourceEnded()
		track.SourceEnded()

		if fired != 1 {
			t.Errorf("Expected OnEnded to fire once, got %d", fired)
		}
		if !track.Stopped() {
			t.Error("Expected ended track to be stopped")
		}
	})

	t.Run("source ending after stop is silent", func(t *testing.T) {
		track := audioTrack(t, "a")
		fired := false
		track.OnEnded(func() { fired = true })

		track.Stop()
		track.SourceEnded()

		if fired {
			t.Error("SourceEnded after Stop must not fire OnEnded")
		}
	})
}

func TestMediaControllerMute(t *testing.T) {
	provider := &fakeProvider{}
	controller := newMediaController("call-1", provider, nil)

	audio := audioTrack(t, "mic")
	controller.adopt([]LocalTrack{audio})

	if controller.Muted() {
		t.Error("Expected unmuted after adopting a live track")
	}

	muted, err := controller.ToggleMute()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !muted {
		t.Error("Expected first toggle to mute")
	}
	if audio.Enabled() {
		t.Error("Expected the track to be paused while muted")
	}

	muted, err = controller.ToggleMute()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if muted {
		t.Error("Expected second toggle to unmute")
	}
	if !audio.Enabled() {
		t.Error("Expected the track to be live again")
	}
}

func TestMediaControllerMuteWithoutTrack(t *testing.T) {
	controller := newMediaController("call-1", &fakeProvider{}, nil)

	if !controller.Muted() {
		t.Error("Expected muted with no audio track")
	}
	muted, err := controller.ToggleMute()
	if err == nil {
		t.Error("Expected an error toggling without a microphone track")
	}
	if !muted {
		t.Error("Expected the muted state to stay true")
	}
}

func TestMediaControllerCameraToggle(t *testing.T) {
	provider := &fakeProvider{}
	neg, transport := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	camera, err := provider.VideoTrack(context.Background())
	if err != nil {
		t.Fatalf("Failed to acquire camera: %v", err)
	}
	controller.adopt([]LocalTrack{camera})

	// Pausing an attached camera track never renegotiates
	on, err := controller.ToggleCamera(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if on {
		t.Error("Expected camera off after toggle")
	}
	if transport.countOp(OpSignal) != 0 {
		t.Error("Pausing the camera must not send signaling")
	}

	on, err = controller.ToggleCamera(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !on {
		t.Error("Expected camera on after second toggle")
	}
}

func TestMediaControllerCameraAcquireAttaches(t *testing.T) {
	provider := &fakeProvider{}
	neg, transport := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	// Voice call with no camera: the first enable acquires and attaches
	on, err := controller.ToggleCamera(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !on {
		t.Error("Expected camera on")
	}
	if neg.SenderForKind(webrtc.RTPCodecTypeVideo) == nil {
		t.Error("Expected a video sender after attaching the camera")
	}
	if transport.signal(SignalOffer) == nil {
		t.Error("Expected a renegotiation offer after attaching the camera")
	}
}

func TestScreenShareReplacesCameraTrack(t *testing.T) {
	provider := &fakeProvider{}
	neg, transport := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	audio := audioTrack(t, "mic")
	camera, _ := provider.VideoTrack(context.Background())
	controller.adopt([]LocalTrack{audio, camera})

	if err := neg.StartOffer([]LocalTrack{audio, camera}); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	offersBefore := transport.countOp(OpSignal)

	sharing, err := controller.ToggleScreenShare(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !sharing {
		t.Error("Expected sharing on")
	}

	// The camera sender now carries the screen track, no new offer
	sender := neg.SenderForKind(webrtc.RTPCodecTypeVideo)
	if sender == nil || sender.Track() == nil {
		t.Fatal("Expected a video sender with a track")
	}
	if sender.Track() == camera.Track() {
		t.Error("Expected the screen track to replace the camera track")
	}
	if transport.countOp(OpSignal) != offersBefore {
		t.Error("Replacing a track must not renegotiate")
	}

	// Turning the share off restores the camera and stops the capture
	screen := controller.screen.(*StaticTrack)
	sharing, err = controller.ToggleScreenShare(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sharing {
		t.Error("Expected sharing off")
	}
	if !screen.Stopped() {
		t.Error("Expected the screen capture to be stopped")
	}
	if sender.Track() != camera.Track() {
		t.Error("Expected the camera track to be restored")
	}
	if len(controller.screenSenders) != 0 {
		t.Error("Expected the sender map entry to be cleared")
	}
}

func TestScreenShareOnVoiceCallAddsSender(t *testing.T) {
	provider := &fakeProvider{}
	neg, transport := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	audio := audioTrack(t, "mic")
	controller.adopt([]LocalTrack{audio})
	if err := neg.StartOffer([]LocalTrack{audio}); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	sharing, err := controller.ToggleScreenShare(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !sharing {
		t.Error("Expected sharing on")
	}

	// A voice-only call needs a new video m-line, so this renegotiates
	if len(neg.PeerConnection().GetTransceivers()) < 2 {
		t.Error("Expected a video transceiver to be added")
	}
	if controller.screenSenders["call-1"] == nil {
		t.Error("Expected the new sender to be tracked in the side map")
	}
	_ = transport
}

func TestScreenShareStoppedBeforeAnswerStaysOff(t *testing.T) {
	provider := &fakeProvider{}
	neg, _ := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	audio := audioTrack(t, "mic")
	controller.adopt([]LocalTrack{audio})
	if err := neg.StartOffer([]LocalTrack{audio}); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	// The share starts while the offer is still unanswered, so the swap
	// onto the new sender is queued for the next stable state
	if _, err := controller.ToggleScreenShare(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	screen := controller.screen.(*StaticTrack)
	sender := controller.screenSenders["call-1"]
	if sender == nil {
		t.Fatal("Expected the new sender in the side map")
	}

	// The user turns the share off again before the answer lands
	sharing, err := controller.ToggleScreenShare(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sharing {
		t.Fatal("Expected sharing off")
	}

	// The exchange settles afterwards; the queued swap must not
	// resurrect the stopped capture on the restored sender
	neg.drainStable()

	if controller.ScreenSharing() {
		t.Error("Expected sharing to stay off")
	}
	if sender.Track() == screen.Track() {
		t.Error("Expected the stopped screen track to stay detached")
	}
	if !screen.Stopped() {
		t.Error("Expected the capture to remain stopped")
	}
}

func TestScreenShareEndsWithSource(t *testing.T) {
	provider := &fakeProvider{}
	neg, _ := newTestNegotiation(t, "call-1")
	controller := newMediaController("call-1", provider, neg)

	audio := audioTrack(t, "mic")
	camera, _ := provider.VideoTrack(context.Background())
	controller.adopt([]LocalTrack{audio, camera})
	if err := neg.StartOffer([]LocalTrack{audio, camera}); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	if _, err := controller.ToggleScreenShare(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	screen := controller.screen.(*StaticTrack)

	// The user stops the capture from the OS surface
	screen.SourceEnded()

	if !waitFor(t, time.Second, func() bool { return !controller.ScreenSharing() }) {
		t.Error("Expected sharing to stop when the source ends")
	}
}

func TestStopAll(t *testing.T) {
	provider := &fakeProvider{}
	controller := newMediaController("call-1", provider, nil)

	audio := audioTrack(t, "mic")
	camera, _ := provider.VideoTrack(context.Background())
	controller.adopt([]LocalTrack{audio, camera})

	controller.stopAll()
	controller.stopAll() // idempotent

	if !audio.Stopped() {
		t.Error("Expected audio track stopped")
	}
	if !camera.(*StaticTrack).Stopped() {
		t.Error("Expected camera track stopped")
	}
	if controller.ScreenSharing() {
		t.Error("Expected no screen share after stopAll")
	}
}
