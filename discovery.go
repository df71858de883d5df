// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

// DeviceID is the stable identifier of a gateway, such as the UDN of a UPnP
// device.
type DeviceID string

// DiscoveryHandler receives gateway availability changes. Its methods may be
// called from any goroutine.
type DiscoveryHandler interface {
	DeviceAvailable(id DeviceID, svc Service)
	DeviceUnavailable(id DeviceID)
}

// Discovery finds gateways on the network.
type Discovery interface {
	// Start begins reporting gateways to h. It must not block on the network.
	Start(h DiscoveryHandler) error
	Close() error
}

// AddDiscovery starts d and feeds the gateways it reports into the Client.
// The Client closes d when it is closed. Must be called on the scheduling
// domain.
func (c *Client) AddDiscovery(d Discovery) error {
	if c.closed {
		return ErrClosed
	}

	if err := d.Start(&discoveryBridge{client: c}); err != nil {
		return err
	}
	c.discoveries = append(c.discoveries, d)

	return nil
}

// discoveryBridge moves discovery callbacks onto the scheduling domain.
type discoveryBridge struct {
	client *Client
}

func (b *discoveryBridge) DeviceAvailable(id DeviceID, svc Service) {
	gw := NewGateway(svc, b.client.sched, GatewayConfig{
		RPCTimeout:    b.client.rpcTimeout,
		PollInterval:  b.client.pollInterval,
		LoggerFactory: b.client.loggerFactory,
	})
	b.client.sched.Post(func() {
		b.client.DeviceAvailable(id, gw)
	})
}

func (b *discoveryBridge) DeviceUnavailable(id DeviceID) {
	b.client.sched.Post(func() {
		b.client.DeviceUnavailable(id)
	})
}
