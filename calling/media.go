/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// LocalTrack is a capture track owned by the application. The calling
// package never talks to devices itself; it attaches whatever tracks the
// provider hands it and controls them through this interface.
type LocalTrack interface {
	// Track returns the underlying pion track to attach to a sender
	Track() webrtc.TrackLocal

	// Kind reports whether this is an audio or video track
	Kind() webrtc.RTPCodecType

	// SetEnabled pauses or resumes the track without detaching it
	SetEnabled(enabled bool)

	// Enabled reports whether the track is currently live
	Enabled() bool

	// Stop releases the capture source. Stop does not fire OnEnded.
	Stop()

	// OnEnded registers a callback for the capture source ending on its
	// own, e.g. the user stopping a screen share from the OS surface
	OnEnded(fn func())
}

// MediaProvider acquires capture tracks. Acquisition honors the context:
// when the call dies mid-prompt the session cancels it, and any track
// granted afterwards must be stopped by the caller, never attached.
// Implementations return ErrPermissionDenied when the user refuses.
type MediaProvider interface {
	AudioTrack(ctx context.Context) (LocalTrack, error)
	VideoTrack(ctx context.Context) (LocalTrack, error)
	DisplayTrack(ctx context.Context) (LocalTrack, error)
}

// StaticTrack is a LocalTrack over a pion static sample track. It is the
// provider building block for sources that push encoded samples (test
// signal generators, file playback, capture pipelines).
type StaticTrack struct {
	mu      sync.Mutex
	track   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled bool
	stopped bool
	onEnded func()
}

// NewStaticTrack wraps a static sample track with the given kind
func NewStaticTrack(track *webrtc.TrackLocalStaticSample, kind webrtc.RTPCodecType) *StaticTrack {
	return &StaticTrack{
		track:   track,
		kind:    kind,
		enabled: true,
	}
}

// NewStaticAudioTrack creates an Opus audio track
func NewStaticAudioTrack(id, streamID string) (*StaticTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("error creating audio track: %w", err)
	}
	return NewStaticTrack(track, webrtc.RTPCodecTypeAudio), nil
}

// NewStaticVideoTrack creates a VP8 video track
func NewStaticVideoTrack(id, streamID string) (*StaticTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("error creating video track: %w", err)
	}
	return NewStaticTrack(track, webrtc.RTPCodecTypeVideo), nil
}

// Track returns the underlying pion track
func (t *StaticTrack) Track() webrtc.TrackLocal {
	return t.track
}

// Sample returns the static sample track for writing media
func (t *StaticTrack) Sample() *webrtc.TrackLocalStaticSample {
	return t.track
}

// Kind returns the track kind
func (t *StaticTrack) Kind() webrtc.RTPCodecType {
	return t.kind
}

// SetEnabled pauses or resumes the track
func (t *StaticTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// Enabled reports whether the track is live
func (t *StaticTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Stop releases the track. It is safe to call more than once and does
// not fire the OnEnded callback.
func (t *StaticTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.enabled = false
	t.mu.Unlock()
}

// Stopped reports whether the track has been released
func (t *StaticTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// OnEnded registers the source-ended callback
func (t *StaticTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = fn
	t.mu.Unlock()
}

// SourceEnded marks the capture source as gone and fires OnEnded. Called
// by providers when the source dies outside the session's control.
func (t *StaticTrack) SourceEnded() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.enabled = false
	fn := t.onEnded
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// mediaController owns the local tracks of one session: microphone mute,
// camera toggle, and screen share. Screen share restoration state lives
// in a side map keyed by call ID rather than on the track objects.
type mediaController struct {
	mu       sync.Mutex
	callID   string
	provider MediaProvider
	neg      *negotiation

	audio  LocalTrack
	camera LocalTrack
	screen LocalTrack

	// screenSenders remembers which sender carries the screen track for
	// each call, so disabling the share can restore the camera (or nil)
	// on exactly that sender
	screenSenders map[string]*webrtc.RTPSender
}

func newMediaController(callID string, provider MediaProvider, neg *negotiation) *mediaController {
	return &mediaController{
		callID:        callID,
		provider:      provider,
		neg:           neg,
		screenSenders: make(map[string]*webrtc.RTPSender),
	}
}

// adopt classifies freshly acquired tracks into their controller slots
func (c *mediaController) adopt(tracks []LocalTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, track := range tracks {
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			c.audio = track
		case webrtc.RTPCodecTypeVideo:
			c.camera = track
		}
	}
}

// ToggleMute flips the microphone track and returns the new muted state.
// A session without a microphone track has nothing to toggle and reports
// an error instead of a state change.
func (c *mediaController) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.audio == nil {
		return true, fmt.Errorf("no microphone track attached")
	}
	c.audio.SetEnabled(!c.audio.Enabled())
	return !c.audio.Enabled(), nil
}

// Muted reports whether the microphone is muted
func (c *mediaController) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio == nil || !c.audio.Enabled()
}

// ToggleCamera enables or disables the camera and returns the new state.
// The first enable on a voice call acquires a camera track and attaches
// it, which renegotiates the session; later toggles only pause the track,
// so no renegotiation happens.
func (c *mediaController) ToggleCamera(ctx context.Context) (bool, error) {
	c.mu.Lock()
	camera := c.camera
	c.mu.Unlock()

	if camera != nil {
		camera.SetEnabled(!camera.Enabled())
		return camera.Enabled(), nil
	}

	track, err := c.provider.VideoTrack(ctx)
	if err != nil {
		return false, fmt.Errorf("error acquiring camera: %w", err)
	}

	if err := c.neg.AddLocalTrack(track); err != nil {
		track.Stop()
		return false, err
	}

	c.mu.Lock()
	c.camera = track
	c.mu.Unlock()
	return true, nil
}

// CameraOn reports whether a live camera track is attached
func (c *mediaController) CameraOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil && c.camera.Enabled()
}

// ScreenSharing reports whether a screen track is currently attached
func (c *mediaController) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// ToggleScreenShare starts or stops screen sharing and returns the new
// sharing state.
func (c *mediaController) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()

	if sharing {
		return false, c.stopScreenShare()
	}
	return true, c.startScreenShare(ctx)
}

// startScreenShare acquires a display track and routes it out. On a call
// that already sends video the camera sender swaps to the screen track
// with no renegotiation. On a voice-only call a video transceiver is
// added first, the session renegotiates, and the swap happens once the
// signaling state settles back to stable.
func (c *mediaController) startScreenShare(ctx context.Context) error {
	track, err := c.provider.DisplayTrack(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring display capture: %w", err)
	}

	// The user can end the capture from the OS surface at any time
	track.OnEnded(func() {
		_ = c.stopScreenShare()
	})

	if sender := c.neg.SenderForKind(webrtc.RTPCodecTypeVideo); sender != nil {
		if err := sender.ReplaceTrack(track.Track()); err != nil {
			track.Stop()
			return fmt.Errorf("error replacing video track: %w", err)
		}
		c.mu.Lock()
		c.screen = track
		c.screenSenders[c.callID] = sender
		c.mu.Unlock()
		return nil
	}

	// Voice-only call: no video sender exists yet
	sender, err := c.neg.AddVideoSender()
	if err != nil {
		track.Stop()
		return err
	}

	c.mu.Lock()
	c.screen = track
	c.screenSenders[c.callID] = sender
	c.mu.Unlock()

	// The new m-line is not usable until the answer lands. The share can
	// be stopped again before then, so the swap only happens while this
	// track is still the active screen.
	c.neg.OnceStable(func() {
		c.mu.Lock()
		active := c.screen == track
		c.mu.Unlock()
		if !active {
			return
		}
		if err := sender.ReplaceTrack(track.Track()); err != nil {
			_ = c.stopScreenShare()
		}
	})
	return nil
}

// stopScreenShare stops the capture and restores the camera track, or
// clears the sender when the call never had a camera
func (c *mediaController) stopScreenShare() error {
	c.mu.Lock()
	track := c.screen
	sender := c.screenSenders[c.callID]
	camera := c.camera
	c.screen = nil
	delete(c.screenSenders, c.callID)
	c.mu.Unlock()

	if track == nil {
		return nil
	}
	track.Stop()

	if sender == nil {
		return nil
	}

	var restore webrtc.TrackLocal
	if camera != nil {
		restore = camera.Track()
	}
	if err := sender.ReplaceTrack(restore); err != nil {
		return fmt.Errorf("error restoring video track: %w", err)
	}
	return nil
}

// stopAll releases every local track. Safe to call repeatedly.
func (c *mediaController) stopAll() {
	c.mu.Lock()
	tracks := []LocalTrack{c.audio, c.camera, c.screen}
	c.audio = nil
	c.camera = nil
	c.screen = nil
	delete(c.screenSenders, c.callID)
	c.mu.Unlock()

	for _, track := range tracks {
		if track != nil {
			track.Stop()
		}
	}
}
