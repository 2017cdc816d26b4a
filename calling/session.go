/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/akinalp/mqvi-go-sdk/mqvisdk"
)

// Config holds the configuration for the calling plugin
type Config struct {
	// ICEServers for peer connections
	ICEServers []webrtc.ICEServer

	// DisconnectGrace is how long an ICE "disconnected" state is
	// tolerated before the call is torn down
	DisconnectGrace time.Duration
}

// DefaultConfig returns the default configuration for the calling plugin
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectGrace: defaultDisconnectGrace,
	}
}

// RemoteMedia is the payload of the remote_media event
type RemoteMedia struct {
	CallID   string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// EndedInfo is the payload of the ended event
type EndedInfo struct {
	CallID string
	Reason string
}

// Client is the calling plugin: a 1:1 call session manager. It holds at
// most one live session; further inbound calls surface as call_waiting
// notifications and never disturb the session.
type Client struct {
	mu        sync.Mutex
	core      *mqvisdk.Client
	config    *Config
	transport Transport
	provider  MediaProvider
	selfID    string

	session    *Session
	initiating bool
	waiting    map[string]*CallBroadcast

	emitter *EventEmitter
}

// New creates a new calling plugin. The transport is the connected
// gateway client (or anything else that can relay call ops), the
// provider supplies capture tracks on demand.
func New(core *mqvisdk.Client, transport Transport, provider MediaProvider, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	identity, err := core.Identity()
	if err != nil {
		return nil, fmt.Errorf("error resolving local identity: %w", err)
	}

	return &Client{
		core:      core,
		config:    config,
		transport: transport,
		provider:  provider,
		selfID:    identity.UserID,
		waiting:   make(map[string]*CallBroadcast),
		emitter:   NewEventEmitter(),
	}, nil
}

// Name returns the plugin name
func (c *Client) Name() string {
	return "calling"
}

// On registers a call event handler
func (c *Client) On(event CallEventKey, handler EventHandler) {
	c.emitter.On(string(event), handler)
}

// Off removes all handlers for a call event
func (c *Client) Off(event CallEventKey) {
	c.emitter.Off(string(event))
}

// ActiveSession returns the current session, nil when idle
func (c *Client) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// WaitingCalls returns the inbound calls queued behind the current
// session, keyed by call ID
func (c *Client) WaitingCalls() map[string]*CallBroadcast {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make(map[string]*CallBroadcast, len(c.waiting))
	for id, b := range c.waiting {
		result[id] = b
	}
	return result
}

// InitiateCall asks the server to start a call toward receiverID. The
// session itself is created when the server's call announcement comes
// back with the assigned call ID.
func (c *Client) InitiateCall(receiverID string, callType CallType) error {
	c.mu.Lock()
	if c.session != nil || c.initiating {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.initiating = true
	c.mu.Unlock()

	err := c.transport.Send(OpCallInitiate, &InitiatePayload{
		ReceiverID: receiverID,
		CallType:   callType,
	})
	if err != nil {
		c.mu.Lock()
		c.initiating = false
		c.mu.Unlock()
		return fmt.Errorf("error initiating call: %w", err)
	}
	return nil
}

// AcceptCall accepts a ringing inbound call. Accepting a waiting call
// while the current session is still alive returns ErrAlreadyInCall;
// the current call has to be ended explicitly first.
func (c *Client) AcceptCall(callID string) error {
	c.mu.Lock()
	session := c.session
	broadcast, isWaiting := c.waiting[callID]

	if session != nil && session.id == callID {
		c.mu.Unlock()
		if session.Role() != RoleReceiver {
			return fmt.Errorf("calling: only the receiver can accept call %s", callID)
		}
		if session.Status() != CallStatusRinging {
			return fmt.Errorf("calling: call %s is not ringing", callID)
		}
		return c.transport.Send(OpCallAccept, &AcceptPayload{CallID: callID})
	}

	if isWaiting {
		if session != nil {
			c.mu.Unlock()
			return ErrAlreadyInCall
		}
		// The first call is gone, promote the waiting one
		delete(c.waiting, callID)
		c.session = c.newSession(broadcast, RoleReceiver)
		c.mu.Unlock()
		return c.transport.Send(OpCallAccept, &AcceptPayload{CallID: callID})
	}

	c.mu.Unlock()
	return ErrNoSuchCall
}

// DeclineCall declines a ringing inbound call or cancels an outbound
// one. Declining a waiting call leaves the current session untouched.
func (c *Client) DeclineCall(callID string) error {
	c.mu.Lock()
	session := c.session
	_, isWaiting := c.waiting[callID]
	if isWaiting {
		delete(c.waiting, callID)
	}
	c.mu.Unlock()

	if isWaiting {
		return c.transport.Send(OpCallDecline, &DeclinePayload{CallID: callID})
	}

	if session == nil || session.id != callID {
		return ErrNoSuchCall
	}

	err := c.transport.Send(OpCallDecline, &DeclinePayload{CallID: callID})
	c.finishSession(session, "declined")
	return err
}

// EndCall ends the current session
func (c *Client) EndCall() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrNoSuchCall
	}

	err := c.transport.Send(OpCallEnd, &EndPayload{CallID: session.id})
	c.finishSession(session, "ended")
	return err
}

// HandleGatewayEvent feeds one inbound gateway event into the call state
// machine. Events must arrive in the order the server sent them.
func (c *Client) HandleGatewayEvent(op string, data json.RawMessage) {
	switch op {
	case OpCallInitiate:
		var broadcast CallBroadcast
		if err := json.Unmarshal(data, &broadcast); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleInitiated(&broadcast)
	case OpCallAccept:
		var payload AcceptPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleAccepted(&payload)
	case OpCallDecline:
		var payload DeclinePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleDeclined(&payload)
	case OpCallEnd:
		var payload EndPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleEnded(&payload)
	case OpCallBusy:
		var payload BusyPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleBusy(&payload)
	case OpSignal:
		var payload SignalPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.core.GetLogger().Printf("calling: malformed %s payload: %v", op, err)
			return
		}
		c.handleSignal(&payload)
	}
}

// handleInitiated processes the server's call announcement. Both parties
// receive it; which side we are on is decided by comparing the caller ID
// against the local identity.
func (c *Client) handleInitiated(broadcast *CallBroadcast) {
	role := RoleReceiver
	if broadcast.CallerID == c.selfID {
		role = RoleCaller
	}

	c.mu.Lock()
	if c.session != nil {
		if role == RoleReceiver {
			// Second inbound call: notification only, the live session
			// is not touched
			c.waiting[broadcast.ID] = broadcast
			c.mu.Unlock()
			c.emitter.Emit(string(CallEventWaiting), broadcast)
			return
		}
		c.mu.Unlock()
		return
	}

	c.session = c.newSession(broadcast, role)
	if role == RoleCaller {
		c.initiating = false
	}
	c.mu.Unlock()

	if role == RoleCaller {
		c.emitter.Emit(string(CallEventRinging), broadcast)
	} else {
		c.emitter.Emit(string(CallEventIncoming), broadcast)
	}
}

// handleAccepted moves the session to active and kicks off media
// acquisition and negotiation
func (c *Client) handleAccepted(payload *AcceptPayload) {
	session := c.sessionFor(payload.CallID)
	if session == nil {
		return
	}

	session.mu.Lock()
	if session.status != CallStatusRinging {
		session.mu.Unlock()
		return
	}
	session.status = CallStatusActive
	session.mu.Unlock()

	session.startDurationTicker()
	c.emitter.Emit(string(CallEventAccepted), session)

	// Media acquisition can block on a permission prompt, keep it off
	// the dispatch path
	go c.startNegotiation(session)
}

// handleDeclined processes a decline: the receiver refused, the caller
// cancelled, or the server declined for an offline receiver
func (c *Client) handleDeclined(payload *DeclinePayload) {
	c.mu.Lock()
	if _, ok := c.waiting[payload.CallID]; ok {
		// A queued caller gave up before we could answer
		delete(c.waiting, payload.CallID)
		c.mu.Unlock()
		c.emitter.Emit(string(CallEventDeclined), payload)
		return
	}
	c.initiating = false
	session := c.session
	c.mu.Unlock()

	if payload.Reason == DeclineReasonOffline {
		c.emitter.Emit(string(CallEventPeerOffline), payload)
	} else {
		c.emitter.Emit(string(CallEventDeclined), payload)
	}

	// An offline decline carries no call ID: it refers to the initiate
	// that never became a session
	if session == nil || (payload.CallID != "" && session.id != payload.CallID) {
		return
	}
	c.finishSession(session, "declined")
}

// handleEnded processes the peer or the server ending the call
func (c *Client) handleEnded(payload *EndPayload) {
	session := c.sessionFor(payload.CallID)
	if session == nil {
		return
	}

	reason := "ended by peer"
	if payload.Reason == EndReasonDisconnect {
		reason = "peer disconnected"
	}
	c.finishSession(session, reason)
}

// handleBusy processes the busy signal for an initiate that was refused
func (c *Client) handleBusy(payload *BusyPayload) {
	c.mu.Lock()
	c.initiating = false
	session := c.session
	c.mu.Unlock()

	c.emitter.Emit(string(CallEventBusy), payload)

	// Busy normally precedes any session, but clean up if one exists
	// for this receiver
	if session != nil && session.receiverID == payload.ReceiverID && session.Status() == CallStatusRinging {
		c.finishSession(session, "busy")
	}
}

// handleSignal routes relayed SDP and ICE to the session's negotiation.
// Signals for unknown or ended calls are dropped.
func (c *Client) handleSignal(payload *SignalPayload) {
	session := c.sessionFor(payload.CallID)
	if session == nil {
		c.core.GetLogger().Printf("calling: dropping %s signal for unknown call %s", payload.Type, payload.CallID)
		return
	}
	if session.Status() != CallStatusActive {
		c.core.GetLogger().Printf("calling: dropping %s signal for call %s in state %s", payload.Type, payload.CallID, session.Status())
		return
	}

	switch payload.Type {
	case SignalOffer:
		// Answering waits for local media, keep it off the dispatch
		// path. Candidates trailing the offer buffer until the remote
		// description is in place, so ordering is preserved.
		go c.answerOffer(session, payload.SDP)
	case SignalAnswer:
		if err := session.neg.HandleAnswer(payload.SDP); err != nil {
			c.negotiationFailed(session, err)
		}
	case SignalCandidate:
		if payload.Candidate == nil {
			return
		}
		if err := session.neg.HandleCandidate(*payload.Candidate); err != nil {
			c.core.GetLogger().Printf("calling: error applying candidate for call %s: %v", payload.CallID, err)
		}
	}
}

// startNegotiation acquires local media and, on the caller side, sends
// the first offer. The receiver side only marks media ready; its peer
// connection is built when the offer arrives.
func (c *Client) startNegotiation(session *Session) {
	tracks, err := c.acquireTracks(session)
	if err != nil {
		c.emitter.Emit(string(CallEventError), err)
		_ = c.transport.Send(OpCallEnd, &EndPayload{CallID: session.id})
		c.finishSession(session, "media acquisition failed")
		return
	}

	// The call may have died while the permission prompt was open.
	// Tracks granted after death are stopped, never attached.
	if c.sessionFor(session.id) == nil || session.Status() != CallStatusActive {
		for _, track := range tracks {
			track.Stop()
		}
		return
	}

	session.media.adopt(tracks)
	session.setLocalTracks(tracks)

	if session.role == RoleCaller {
		if err := session.neg.StartOffer(tracks); err != nil {
			c.negotiationFailed(session, err)
		}
	}
}

// answerOffer waits for local media, then applies the offer and answers
func (c *Client) answerOffer(session *Session, sdp string) {
	select {
	case <-session.mediaReady:
	case <-session.acquireCtx.Done():
		return
	}

	if err := session.neg.HandleOffer(sdp, session.localTracks()); err != nil {
		c.negotiationFailed(session, err)
	}
}

// acquireTracks asks the provider for the tracks the call type needs
func (c *Client) acquireTracks(session *Session) ([]LocalTrack, error) {
	audio, err := c.provider.AudioTrack(session.acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("error acquiring microphone: %w", err)
	}
	tracks := []LocalTrack{audio}

	if session.callType == CallTypeVideo {
		video, err := c.provider.VideoTrack(session.acquireCtx)
		if err != nil {
			audio.Stop()
			return nil, fmt.Errorf("error acquiring camera: %w", err)
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

// negotiationFailed ends the call after an unrecoverable signaling error
func (c *Client) negotiationFailed(session *Session, err error) {
	c.core.GetLogger().Printf("calling: negotiation failed for call %s: %v", session.id, err)
	c.emitter.Emit(string(CallEventError), err)
	_ = c.transport.Send(OpCallEnd, &EndPayload{CallID: session.id})
	c.finishSession(session, "negotiation failed")
}

// sessionFor returns the live session with the given ID, nil otherwise
func (c *Client) sessionFor(callID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.id != callID {
		return nil
	}
	return c.session
}

// newSession builds a session from the server's announcement. Callers
// hold c.mu.
func (c *Client) newSession(broadcast *CallBroadcast, role CallRole) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	session := &Session{
		client:        c,
		id:            broadcast.ID,
		callType:      broadcast.CallType,
		callerID:      broadcast.CallerID,
		receiverID:    broadcast.ReceiverID,
		role:          role,
		status:        CallStatusRinging,
		broadcast:     broadcast,
		acquireCtx:    ctx,
		acquireCancel: cancel,
		mediaReady:    make(chan struct{}),
		tickerStop:    make(chan struct{}),
	}

	session.health = newHealthMonitor(c.config.DisconnectGrace, func(reason string) {
		_ = c.transport.Send(OpCallEnd, &EndPayload{CallID: session.id})
		c.finishSession(session, reason)
	})
	session.neg = newNegotiation(session.id, c.transport, session.health, c.config.ICEServers, c.core.GetLogger())
	session.neg.OnRemoteTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.emitter.Emit(string(CallEventRemoteMedia), &RemoteMedia{
			CallID:   session.id,
			Track:    track,
			Receiver: receiver,
		})
	})
	session.media = newMediaController(session.id, c.provider, session.neg)

	return session
}

// finishSession detaches the session and tears it down. Both halves are
// idempotent, so duplicate end/decline events are harmless.
func (c *Client) finishSession(session *Session, reason string) {
	c.mu.Lock()
	if c.session == session {
		c.session = nil
	}
	c.mu.Unlock()

	session.teardown(func() {
		c.emitter.Emit(string(CallEventEnded), &EndedInfo{
			CallID: session.id,
			Reason: reason,
		})
	})
}

// Session is one 1:1 call from this client's point of view
type Session struct {
	client     *Client
	id         string
	callType   CallType
	callerID   string
	receiverID string
	role       CallRole
	broadcast  *CallBroadcast

	mu     sync.Mutex
	status CallStatus
	tracks []LocalTrack

	neg    *negotiation
	media  *mediaController
	health *healthMonitor

	acquireCtx    context.Context
	acquireCancel context.CancelFunc
	mediaReady    chan struct{}

	duration   atomic.Int64
	tickerStop chan struct{}
	tickerOnce sync.Once
	closeOnce  sync.Once
}

// ID returns the server-assigned call ID
func (s *Session) ID() string { return s.id }

// Type returns the call type
func (s *Session) Type() CallType { return s.callType }

// CallerID returns the caller's user ID
func (s *Session) CallerID() string { return s.callerID }

// ReceiverID returns the receiver's user ID
func (s *Session) ReceiverID() string { return s.receiverID }

// Role returns which side of the call this client is on
func (s *Session) Role() CallRole { return s.role }

// Broadcast returns the server's call announcement with both parties'
// profile fields
func (s *Session) Broadcast() *CallBroadcast { return s.broadcast }

// Status returns the current lifecycle state
func (s *Session) Status() CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Duration returns how long the call has been active
func (s *Session) Duration() time.Duration {
	return time.Duration(s.duration.Load()) * time.Second
}

// ToggleMute flips the microphone and returns the new muted state. It
// errors when the session carries no microphone track.
func (s *Session) ToggleMute() (bool, error) {
	return s.media.ToggleMute()
}

// Muted reports whether the microphone is muted
func (s *Session) Muted() bool {
	return s.media.Muted()
}

// ToggleCamera enables or disables the camera
func (s *Session) ToggleCamera() (bool, error) {
	return s.media.ToggleCamera(s.acquireCtx)
}

// ToggleScreenShare starts or stops screen sharing
func (s *Session) ToggleScreenShare() (bool, error) {
	return s.media.ToggleScreenShare(s.acquireCtx)
}

// ScreenSharing reports whether a screen track is attached
func (s *Session) ScreenSharing() bool {
	return s.media.ScreenSharing()
}

// setLocalTracks records the acquired tracks and marks media ready
func (s *Session) setLocalTracks(tracks []LocalTrack) {
	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()
	close(s.mediaReady)
}

// localTracks returns the acquired local tracks
func (s *Session) localTracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks
}

// startDurationTicker starts the once-per-second call duration counter
func (s *Session) startDurationTicker() {
	s.tickerOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.duration.Add(1)
				case <-s.tickerStop:
					return
				}
			}
		}()
	})
}

// teardown releases everything the session holds. It runs at most once;
// afterEnd fires inside that single run.
func (s *Session) teardown(afterEnd func()) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = CallStatusEnded
		s.mu.Unlock()

		// Cancel any in-flight media acquisition
		s.acquireCancel()

		s.health.Stop()
		close(s.tickerStop)
		s.media.stopAll()
		s.neg.Close()

		if afterEnd != nil {
			afterEnd()
		}
	})
}
