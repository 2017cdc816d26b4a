/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package mqvi

import (
	"fmt"
	"sync"

	"github.com/akinalp/mqvi-go-sdk/calling"
	"github.com/akinalp/mqvi-go-sdk/gateway"
	"github.com/akinalp/mqvi-go-sdk/mqvisdk"
)

// MqviClient is the top-level client for the Mqvi platform
type MqviClient struct {
	// Core client for the Mqvi API
	core *mqvisdk.Client

	// Plugins
	gatewayClient *gateway.Client
	callingClient *calling.Client

	// MediaProvider used by the calling plugin. Set before the first
	// Calling() call.
	mediaProvider calling.MediaProvider

	// Mutex for thread-safe lazy initialization of the calling client
	callMu sync.Mutex
}

// NewClient creates a new Mqvi client with the given access token and optional configuration
func NewClient(accessToken string, config *mqvisdk.Config) (*MqviClient, error) {
	core, err := mqvisdk.NewClient(accessToken, config)
	if err != nil {
		return nil, err
	}

	client := &MqviClient{
		core: core,
	}

	return client, nil
}

// SetMediaProvider sets the capture track provider the calling plugin
// will use. Must be called before the first Calling() call.
func (c *MqviClient) SetMediaProvider(provider calling.MediaProvider) {
	c.callMu.Lock()
	c.mediaProvider = provider
	c.callMu.Unlock()
}

// Gateway returns the event gateway plugin
func (c *MqviClient) Gateway() *gateway.Client {
	if c.gatewayClient == nil {
		c.gatewayClient = gateway.New(c.core, nil)
	}
	return c.gatewayClient
}

// Calling returns a fully-wired calling plugin for 1:1 voice and video
// calls over the event gateway.
//
// This is a convenience method that wires the gateway transport and the
// media provider together. The client is lazily initialized on first
// call and cached for subsequent calls.
//
// Simple usage:
//
//	client.SetMediaProvider(provider)
//	call, err := client.Calling()
//	call.On(calling.CallEventIncoming, handler)
//	client.Gateway().Connect()
//
// For advanced control over the transport or configuration, use the
// lower-level APIs directly (gateway.New, calling.New).
func (c *MqviClient) Calling() (*calling.Client, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.callingClient != nil {
		return c.callingClient, nil
	}

	if c.mediaProvider == nil {
		return nil, fmt.Errorf("no media provider set: call SetMediaProvider first")
	}

	gw := c.Gateway()

	callClient, err := calling.New(c.core, gw, c.mediaProvider, nil)
	if err != nil {
		return nil, fmt.Errorf("calling setup failed: %w", err)
	}
	callClient.BindGateway(gw)

	c.callingClient = callClient
	return c.callingClient, nil
}

// Core returns the core Mqvi client
func (c *MqviClient) Core() *mqvisdk.Client {
	return c.core
}
