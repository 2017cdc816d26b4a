/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/akinalp/mqvi-go-sdk/mqvisdk"
)

// Well-known gateway operations. Domain plugins define their own op
// constants; these are the ones the gateway itself consumes.
const (
	OpReady        = "ready"
	OpHeartbeat    = "heartbeat"
	OpHeartbeatAck = "heartbeat_ack"
)

// Event is the envelope for every message exchanged with the Mqvi gateway.
// Seq is assigned by the server on outbound events; a gap between
// consecutive Seq values means an event was lost in transit.
type Event struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"seq,omitempty"`
}

// EventHandler is a function that handles a gateway event
type EventHandler func(event *Event)

// Config holds the configuration for the gateway client
type Config struct {
	HeartbeatInterval           time.Duration // Interval between heartbeat messages
	AckTimeout                  time.Duration // Timeout for receiving a heartbeat_ack
	ReadyTimeout                time.Duration // Timeout for the ready envelope after dialing
	HandshakeTimeout            time.Duration // Websocket handshake timeout
	BackoffTimeMax              time.Duration // Maximum time between connection attempts
	BackoffTimeReset            time.Duration // Initial time before the first retry
	MaxRetries                  int           // Number of times to retry before giving up
	InitialConnectionMaxRetries int           // Number of times to retry before giving up on the initial connection
}

// DefaultConfig returns the default configuration for the gateway client
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:           30 * time.Second,
		AckTimeout:                  10 * time.Second,
		ReadyTimeout:                30 * time.Second,
		HandshakeTimeout:            10 * time.Second,
		BackoffTimeMax:              32 * time.Second,
		BackoffTimeReset:            1 * time.Second,
		MaxRetries:                  3,
		InitialConnectionMaxRetries: 5,
	}
}

// Client is the websocket client for the Mqvi event gateway. It maintains
// a single connection, keeps it alive with the heartbeat protocol, and
// dispatches inbound events to registered handlers IN ARRIVAL ORDER.
// Handlers run synchronously on the read loop; a handler that blocks
// stalls dispatch, so long work belongs in the handler's own goroutine.
type Client struct {
	coreClient       *mqvisdk.Client
	config           *Config
	conn             *websocket.Conn
	connected        bool
	connecting       bool
	hasConnected     bool
	mu               sync.Mutex
	writeMu          sync.Mutex
	eventHandlers    map[string][]EventHandler
	closeCh          chan struct{}
	done             chan struct{}
	lastSeq          int64
	retryCount       int
	currentBackoff   time.Duration
	customGatewayURL string
	ready            *Event
}

// New creates a new gateway client
func New(coreClient *mqvisdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	return &Client{
		coreClient:     coreClient,
		config:         config,
		eventHandlers:  make(map[string][]EventHandler),
		closeCh:        make(chan struct{}),
		done:           make(chan struct{}),
		currentBackoff: config.BackoffTimeReset,
	}
}

// Name returns the plugin name
func (c *Client) Name() string {
	return "gateway"
}

// SetCustomGatewayURL overrides the gateway URL from the core client config
func (c *Client) SetCustomGatewayURL(url string) {
	c.mu.Lock()
	c.customGatewayURL = url
	c.mu.Unlock()
}

// Connect establishes a websocket connection to the Mqvi gateway and
// blocks until the server's ready envelope has been received.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}

	if c.connecting {
		c.mu.Unlock()
		return fmt.Errorf("connection attempt already in progress")
	}

	c.connecting = true
	customURL := c.customGatewayURL
	c.mu.Unlock()

	wsURL := customURL
	if wsURL == "" {
		wsURL = c.coreClient.Config.GatewayURL
	}
	if wsURL == "" {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
		return fmt.Errorf("no gateway URL configured")
	}

	return c.connectWithBackoff(wsURL)
}

// Disconnect closes the websocket connection
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected && !c.connecting {
		c.mu.Unlock()
		return nil
	}

	// Signal all goroutines to stop
	close(c.closeCh)

	// Create new channels for future connections
	c.closeCh = make(chan struct{})
	c.done = make(chan struct{})

	conn := c.conn
	c.conn = nil
	c.connected = false
	c.connecting = false
	c.mu.Unlock()

	if conn != nil {
		// Send close message and close the connection
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected by client"))
		_ = conn.Close()
	}

	return nil
}

// On registers an event handler for a specific operation. The wildcard
// operation "*" receives every dispatched event.
func (c *Client) On(op string, handler EventHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	handlers, ok := c.eventHandlers[op]
	if !ok {
		handlers = []EventHandler{}
	}
	c.eventHandlers[op] = append(handlers, handler)
	c.mu.Unlock()
}

// Off removes an event handler for a specific operation
func (c *Client) Off(op string, handler EventHandler) {
	if handler == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handlers, ok := c.eventHandlers[op]
	if !ok {
		return
	}

	// Find the handler by comparing function pointers
	handlerPtr := fmt.Sprintf("%p", handler)
	for i, h := range handlers {
		if fmt.Sprintf("%p", h) == handlerPtr {
			// Remove handler by preserving order
			c.eventHandlers[op] = append(handlers[:i], handlers[i+1:]...)
			break
		}
	}

	// Clean up empty handler slices
	if len(c.eventHandlers[op]) == 0 {
		delete(c.eventHandlers, op)
	}
}

// IsConnected returns whether the client is connected to the gateway
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Ready returns the ready envelope received on the current connection,
// or nil if the client has never connected.
func (c *Client) Ready() *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Send marshals data into an event envelope and writes it to the gateway
func (c *Client) Send(op string, data any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("gateway is not connected")
	}

	event := Event{Op: op}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("error marshaling %s payload: %w", op, err)
		}
		event.Data = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(&event)
}

// connectWithBackoff attempts to connect to the gateway with exponential backoff
func (c *Client) connectWithBackoff(wsURL string) error {
	// Reset retry count on new connection attempt
	c.retryCount = 0
	c.currentBackoff = c.config.BackoffTimeReset

	maxRetries := c.config.MaxRetries
	if !c.hasConnected {
		maxRetries = c.config.InitialConnectionMaxRetries
	}

	var err error
	for c.retryCount <= maxRetries {
		err = c.attemptConnection(wsURL)
		if err == nil {
			return nil // Connection successful
		}

		// Increment retry count
		c.retryCount++
		if c.retryCount > maxRetries {
			break // Exceeded max retries
		}

		// Wait for backoff time or until connection is closed
		select {
		case <-time.After(c.currentBackoff):
			// Double the backoff time, up to max
			c.currentBackoff *= 2
			if c.currentBackoff > c.config.BackoffTimeMax {
				c.currentBackoff = c.config.BackoffTimeMax
			}
		case <-c.closeCh:
			return nil // Stopped by user
		}
	}

	// Couldn't connect after all retries
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", c.retryCount, err)
}

// attemptConnection makes a single connection attempt to the gateway
func (c *Client) attemptConnection(wsURL string) error {
	conn, err := c.dialGateway(wsURL)
	if err != nil {
		return err
	}

	// The server sends the ready envelope first. Nothing is dispatched
	// until it arrives.
	ready, err := c.waitForReady(conn)
	if err != nil {
		conn.Close()
		return err
	}

	// Connection successful, update client state. Each connection gets
	// its own done channel so a reconnect cannot close a stale one twice.
	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.connecting = false
	c.hasConnected = true
	c.lastSeq = ready.Seq
	c.ready = ready
	c.done = done
	c.mu.Unlock()

	// Start the heartbeat cycle and message listener
	go c.startHeartbeat(done)
	go c.listen(conn, done)

	// Surface the ready payload to wildcard and ready handlers
	c.dispatchEvent(ready)

	return nil
}

// dialGateway establishes a websocket connection, authenticating via the
// token query parameter the Mqvi gateway expects.
func (c *Client) dialGateway(wsURL string) (*websocket.Conn, error) {
	parsedURL, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}

	query := parsedURL.Query()
	query.Set("token", c.coreClient.GetAccessToken())
	parsedURL.RawQuery = query.Encode()

	headers := make(map[string][]string)
	headers["TrackingID"] = []string{"go-sdk_" + uuid.NewString()}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.Dial(parsedURL.String(), headers)
	if err != nil {
		// A rejected upgrade carries an HTTP response; surface it as a
		// structured API error so callers can distinguish a bad token
		// from a network failure.
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, fmt.Errorf("gateway handshake rejected: %w", mqvisdk.NewAPIError(resp, body))
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	return conn, nil
}

// waitForReady reads messages until the ready envelope arrives
func (c *Client) waitForReady(conn *websocket.Conn) (*Event, error) {
	if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadyTimeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("error waiting for ready: %w", err)
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}

		if event.Op == OpReady {
			return &event, nil
		}
	}
}

// listen reads messages from the websocket. Connection state is cleared
// by whoever tears the connection down (Disconnect or reconnect), not
// here, so a finished reconnect is never clobbered by the old read loop.
func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			// Connection closed or error occurred
			c.handleConnectionError(err)
			return
		}

		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.coreClient.GetLogger().Printf("gateway: dropping malformed frame: %v", err)
			continue
		}

		if event.Op == OpHeartbeatAck {
			c.handleHeartbeatAck(conn)
			continue
		}

		c.trackSequence(&event)

		// Dispatch synchronously so events reach handlers in the order
		// the server sent them. Signaling correctness depends on this.
		c.dispatchEvent(&event)
	}
}

// trackSequence logs a warning when the server-assigned sequence numbers
// skip, meaning an event was lost between server and client.
func (c *Client) trackSequence(event *Event) {
	if event.Seq == 0 {
		return
	}

	c.mu.Lock()
	last := c.lastSeq
	c.lastSeq = event.Seq
	c.mu.Unlock()

	if last != 0 && event.Seq > last+1 {
		c.coreClient.GetLogger().Printf("gateway: sequence gap, expected %d got %d", last+1, event.Seq)
	}
}

// handleConnectionError triggers reconnection if the drop was not
// deliberate. The connected flag is left for reconnect to clear, so its
// own not-connected guard still sees the dropped connection as live.
func (c *Client) handleConnectionError(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	closeCh := c.closeCh
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	select {
	case <-closeCh:
		// Client was deliberately disconnected, don't reconnect
	default:
		c.coreClient.GetLogger().Printf("gateway: connection lost: %v", err)
		c.reconnect()
	}
}

// dispatchEvent dispatches an event to all relevant handlers in order
func (c *Client) dispatchEvent(event *Event) {
	c.mu.Lock()
	handlers := append([]EventHandler(nil), c.eventHandlers[event.Op]...)
	wildcard := append([]EventHandler(nil), c.eventHandlers["*"]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
	for _, handler := range wildcard {
		handler(event)
	}
}

// startHeartbeat sends a heartbeat every interval to keep the connection
// alive. The server drops clients that miss three heartbeats.
func (c *Client) startHeartbeat(done chan struct{}) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.heartbeat(); err != nil {
				c.reconnect()
				return
			}
		case <-c.closeCh:
			// Connection closed by user
			return
		case <-done:
			// Connection closed unexpectedly
			return
		}
	}
}

// heartbeat sends a heartbeat envelope and arms the ack deadline
func (c *Client) heartbeat() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("websocket connection is nil")
	}

	// The read loop must see the ack before this deadline expires
	if err := conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatInterval + c.config.AckTimeout)); err != nil {
		return err
	}

	return c.Send(OpHeartbeat, nil)
}

// handleHeartbeatAck clears the deadline armed by the last heartbeat
func (c *Client) handleHeartbeatAck(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Time{})
}

// reconnect attempts to reconnect to the gateway
func (c *Client) reconnect() {
	c.mu.Lock()
	// If we're already trying to reconnect or already disconnected, do nothing
	if !c.connected || c.connecting {
		c.mu.Unlock()
		return
	}

	c.connected = false
	c.connecting = true
	conn := c.conn
	customURL := c.customGatewayURL
	c.conn = nil
	c.mu.Unlock()

	// Close the old connection if it exists
	if conn != nil {
		conn.Close()
	}

	go func() {
		wsURL := customURL
		if wsURL == "" {
			wsURL = c.coreClient.Config.GatewayURL
		}
		if wsURL == "" {
			c.mu.Lock()
			c.connecting = false
			c.mu.Unlock()
			return
		}

		_ = c.connectWithBackoff(wsURL)
	}()
}
