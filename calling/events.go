/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import "sync"

// CallEventKey identifies the type of call event
type CallEventKey string

const (
	// CallEventRinging fires on the caller's side once the server accepted
	// the initiate and both parties were notified
	CallEventRinging CallEventKey = "ringing"

	// CallEventIncoming fires on the receiver's side for a new inbound call
	CallEventIncoming CallEventKey = "incoming"

	// CallEventWaiting fires for a second inbound call while another
	// session is alive. It never touches the current session.
	CallEventWaiting CallEventKey = "call_waiting"

	// CallEventAccepted fires on both sides when the receiver accepts
	CallEventAccepted CallEventKey = "accepted"

	// CallEventRemoteMedia fires when a remote track arrives
	CallEventRemoteMedia CallEventKey = "remote_media"

	// CallEventDeclined fires on the caller's side when the receiver
	// declines or cancels
	CallEventDeclined CallEventKey = "declined"

	// CallEventPeerOffline fires when the server declined on behalf of an
	// unreachable receiver
	CallEventPeerOffline CallEventKey = "peer_offline"

	// CallEventBusy fires when the receiver is already in a call
	CallEventBusy CallEventKey = "busy"

	// CallEventEnded fires once per session when it reaches the terminal
	// state, whichever side ended it
	CallEventEnded CallEventKey = "ended"

	// CallEventError fires for negotiation and media failures
	CallEventError CallEventKey = "call_error"
)

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event string, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
