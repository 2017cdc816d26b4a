/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// Gateway operations for 1:1 calls. The same ops flow in both directions:
// the client sends them as requests and receives them as server broadcasts.
const (
	OpCallInitiate = "p2p_call_initiate"
	OpCallAccept   = "p2p_call_accept"
	OpCallDecline  = "p2p_call_decline"
	OpCallEnd      = "p2p_call_end"
	OpCallBusy     = "p2p_call_busy"
	OpSignal       = "p2p_signal"
)

// CallType distinguishes voice-only calls from video calls
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call session
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CallRole records which side of the negotiation this client is on.
// The caller always creates the SDP offer, the receiver always answers.
type CallRole string

const (
	RoleCaller   CallRole = "caller"
	RoleReceiver CallRole = "receiver"
)

// SignalType identifies the kind of payload a signal envelope carries
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// Decline and end reasons attached by the server
const (
	DeclineReasonOffline = "offline"
	EndReasonDisconnect  = "disconnect"
)

// InitiatePayload starts a call toward another user
type InitiatePayload struct {
	ReceiverID string   `json:"receiver_id"`
	CallType   CallType `json:"call_type"`
}

// AcceptPayload accepts a ringing call
type AcceptPayload struct {
	CallID string `json:"call_id"`
}

// DeclinePayload declines a ringing call. On the inbound side Reason is
// "offline" when the server declined on behalf of an unreachable user.
type DeclinePayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// EndPayload ends an active call. On the inbound side Reason is
// "disconnect" when the peer's gateway connection dropped.
type EndPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// BusyPayload tells the caller the other user is already in a call
type BusyPayload struct {
	ReceiverID string `json:"receiver_id"`
}

// SignalPayload carries one unit of WebRTC signaling. SDP is set for
// offers and answers, Candidate for trickled ICE candidates. The server
// relays it to the other party without inspecting it.
type SignalPayload struct {
	CallID    string                   `json:"call_id"`
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// CallBroadcast is the server's call announcement, sent to both parties
// on initiate. It carries both users' profile fields so either side can
// render the other without an extra lookup.
type CallBroadcast struct {
	ID                  string     `json:"id"`
	CallerID            string     `json:"caller_id"`
	CallerUsername      string     `json:"caller_username"`
	CallerDisplayName   *string    `json:"caller_display_name"`
	CallerAvatarURL     *string    `json:"caller_avatar"`
	ReceiverID          string     `json:"receiver_id"`
	ReceiverUsername    string     `json:"receiver_username"`
	ReceiverDisplayName *string    `json:"receiver_display_name"`
	ReceiverAvatarURL   *string    `json:"receiver_avatar"`
	CallType            CallType   `json:"call_type"`
	Status              CallStatus `json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Transport sends call operations to the signaling relay. The gateway
// client satisfies it.
type Transport interface {
	Send(op string, data any) error
}

// Sentinel errors returned by call operations
var (
	// ErrNotIdle is returned when initiating while a session already exists
	ErrNotIdle = errors.New("calling: a call session already exists")

	// ErrNoSuchCall is returned when an operation names a call this client
	// does not know about
	ErrNoSuchCall = errors.New("calling: no such call")

	// ErrAlreadyInCall is returned when accepting a waiting call while the
	// current session is still alive
	ErrAlreadyInCall = errors.New("calling: already in a call")

	// ErrPermissionDenied is returned by media providers when the user
	// refused capture permission
	ErrPermissionDenied = errors.New("calling: media permission denied")
)
