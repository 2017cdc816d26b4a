/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/akinalp/mqvi-go-sdk/mqvisdk"
)

// negotiation owns the one peer connection of a call session and drives
// SDP/ICE exchange over the signaling relay. The caller side starts with
// StartOffer; the receiver side builds nothing until HandleOffer runs, so
// a session never holds more than one peer connection.
type negotiation struct {
	mu         sync.Mutex
	callID     string
	transport  Transport
	logger     mqvisdk.Logger
	iceServers []webrtc.ICEServer

	pc     *webrtc.PeerConnection
	buffer *candidateBuffer
	health *healthMonitor

	onRemoteTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onStable      []func()
	closed        bool
}

func newNegotiation(callID string, transport Transport, health *healthMonitor, iceServers []webrtc.ICEServer, logger mqvisdk.Logger) *negotiation {
	return &negotiation{
		callID:     callID,
		transport:  transport,
		logger:     logger,
		iceServers: iceServers,
		buffer:     newCandidateBuffer(),
		health:     health,
	}
}

// OnRemoteTrack registers the callback for inbound media
func (n *negotiation) OnRemoteTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	n.mu.Lock()
	n.onRemoteTrack = fn
	n.mu.Unlock()
}

// PeerConnection returns the current peer connection, nil before the
// first negotiation step
func (n *negotiation) PeerConnection() *webrtc.PeerConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pc
}

// ensurePeerConnection creates the peer connection on first use
func (n *negotiation) ensurePeerConnection() (*webrtc.PeerConnection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("negotiation for call %s is closed", n.callID)
	}
	if n.pc != nil {
		return n.pc, nil
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("error registering codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("error registering interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: n.iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}

	// Trickle each candidate to the peer as it is gathered
	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := n.transport.Send(OpSignal, &SignalPayload{
			CallID:    n.callID,
			Type:      SignalCandidate,
			Candidate: &init,
		}); err != nil {
			n.logger.Printf("calling: error sending candidate for call %s: %v", n.callID, err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.health.Observe(state)
	})

	pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if state == webrtc.SignalingStateStable {
			n.drainStable()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.mu.Lock()
		fn := n.onRemoteTrack
		n.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	n.pc = pc
	return pc, nil
}

// StartOffer attaches the local tracks and sends the initial offer.
// Caller side only.
func (n *negotiation) StartOffer(tracks []LocalTrack) error {
	pc, err := n.ensurePeerConnection()
	if err != nil {
		return err
	}

	for _, track := range tracks {
		if _, err := pc.AddTrack(track.Track()); err != nil {
			return fmt.Errorf("error adding %s track: %w", track.Kind(), err)
		}
	}

	return n.sendOffer(pc)
}

// HandleOffer applies a remote offer and answers it. The receiver's peer
// connection is created here, on the first offer, never earlier.
func (n *negotiation) HandleOffer(sdp string, tracks []LocalTrack) error {
	pc, err := n.ensurePeerConnection()
	if err != nil {
		return err
	}

	// Attach local tracks before answering so the answer advertises them.
	// On renegotiation offers the senders already exist.
	existing := make(map[webrtc.TrackLocal]bool)
	for _, sender := range pc.GetSenders() {
		if sender.Track() != nil {
			existing[sender.Track()] = true
		}
	}
	for _, track := range tracks {
		if existing[track.Track()] {
			continue
		}
		if _, err := pc.AddTrack(track.Track()); err != nil {
			return fmt.Errorf("error adding %s track: %w", track.Kind(), err)
		}
	}

	if err := n.applyRemoteDescription(pc, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("error setting remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("error creating answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("error setting local answer: %w", err)
	}

	return n.transport.Send(OpSignal, &SignalPayload{
		CallID: n.callID,
		Type:   SignalAnswer,
		SDP:    answer.SDP,
	})
}

// HandleAnswer applies a remote answer. A duplicate answer arriving after
// the state already settled back to stable is dropped.
func (n *negotiation) HandleAnswer(sdp string) error {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	if pc == nil {
		return fmt.Errorf("answer for call %s before any offer was sent", n.callID)
	}

	if pc.SignalingState() == webrtc.SignalingStateStable {
		n.logger.Printf("calling: ignoring duplicate answer for call %s", n.callID)
		return nil
	}

	if err := n.applyRemoteDescription(pc, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("error setting remote answer: %w", err)
	}
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// remote description has not landed yet. The whole decision runs under
// the negotiation lock so a candidate racing applyRemoteDescription
// either lands in the buffer before the flush or applies directly.
func (n *negotiation) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.pc == nil || n.pc.RemoteDescription() == nil {
		n.buffer.enqueue(candidate)
		return nil
	}
	return n.pc.AddICECandidate(candidate)
}

// AddLocalTrack attaches a new outbound track mid-call and renegotiates
// so the peer learns about it
func (n *negotiation) AddLocalTrack(track LocalTrack) error {
	pc, err := n.ensurePeerConnection()
	if err != nil {
		return err
	}

	if _, err := pc.AddTrack(track.Track()); err != nil {
		return fmt.Errorf("error adding %s track: %w", track.Kind(), err)
	}

	return n.renegotiate(pc)
}

// AddVideoSender adds a send-only video transceiver and renegotiates.
// The returned sender carries no track until ReplaceTrack is called.
func (n *negotiation) AddVideoSender() (*webrtc.RTPSender, error) {
	pc, err := n.ensurePeerConnection()
	if err != nil {
		return nil, err
	}

	transceiver, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly})
	if err != nil {
		return nil, fmt.Errorf("error adding video transceiver: %w", err)
	}

	if err := n.renegotiate(pc); err != nil {
		return nil, err
	}
	return transceiver.Sender(), nil
}

// SenderForKind returns the first sender carrying a track of the given
// kind, nil if none exists
func (n *negotiation) SenderForKind(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	n.mu.Lock()
	pc := n.pc
	n.mu.Unlock()

	if pc == nil {
		return nil
	}
	for _, sender := range pc.GetSenders() {
		if sender.Track() != nil && sender.Track().Kind() == kind {
			return sender
		}
	}
	return nil
}

// OnceStable runs fn immediately if the signaling state is stable,
// otherwise when it next returns to stable
func (n *negotiation) OnceStable(fn func()) {
	n.mu.Lock()
	pc := n.pc
	if pc == nil || pc.SignalingState() != webrtc.SignalingStateStable {
		n.onStable = append(n.onStable, fn)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	fn()
}

// Close tears the peer connection down. Safe to call repeatedly.
func (n *negotiation) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	pc := n.pc
	n.pc = nil
	n.onStable = nil
	n.mu.Unlock()

	n.buffer.clear()
	if pc != nil {
		if err := pc.Close(); err != nil {
			n.logger.Printf("calling: error closing peer connection for call %s: %v", n.callID, err)
		}
	}
}

// sendOffer creates a local offer and sends it through the relay
func (n *negotiation) sendOffer(pc *webrtc.PeerConnection) error {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("error creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("error setting local offer: %w", err)
	}

	return n.transport.Send(OpSignal, &SignalPayload{
		CallID: n.callID,
		Type:   SignalOffer,
		SDP:    offer.SDP,
	})
}

// renegotiate sends a fresh offer. When an exchange is already in flight
// the new offer waits for the state to settle first.
func (n *negotiation) renegotiate(pc *webrtc.PeerConnection) error {
	if pc.SignalingState() != webrtc.SignalingStateStable {
		n.OnceStable(func() {
			if err := n.sendOffer(pc); err != nil {
				n.logger.Printf("calling: renegotiation for call %s failed: %v", n.callID, err)
			}
		})
		return nil
	}
	return n.sendOffer(pc)
}

// applyRemoteDescription installs the description and releases buffered
// candidates as one step under the negotiation lock, so every buffered
// candidate is applied exactly once after the description lands
func (n *negotiation) applyRemoteDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.flushCandidates(pc)
	return nil
}

// flushCandidates releases buffered candidates once per negotiation window
func (n *negotiation) flushCandidates(pc *webrtc.PeerConnection) {
	if err := n.buffer.flush(pc.AddICECandidate); err != nil {
		n.logger.Printf("calling: error applying buffered candidate for call %s: %v", n.callID, err)
	}
}

// drainStable runs callbacks queued for the next stable state
func (n *negotiation) drainStable() {
	n.mu.Lock()
	pending := n.onStable
	n.onStable = nil
	n.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}
