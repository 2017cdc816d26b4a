/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Mqvi Contributors
 */

package calling

import (
	"github.com/akinalp/mqvi-go-sdk/gateway"
)

// callOps are the gateway operations the calling plugin consumes
var callOps = []string{
	OpCallInitiate,
	OpCallAccept,
	OpCallDecline,
	OpCallEnd,
	OpCallBusy,
	OpSignal,
}

// BindGateway subscribes the plugin to the call operations on the given
// gateway client. The gateway dispatches events synchronously in arrival
// order, which the signaling state machine relies on.
func (c *Client) BindGateway(gw *gateway.Client) {
	for _, op := range callOps {
		op := op
		gw.On(op, func(event *gateway.Event) {
			c.HandleGatewayEvent(event.Op, event.Data)
		})
	}
}
