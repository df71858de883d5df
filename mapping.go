// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"fmt"
	"strings"
	"time"
)

// Protocol is the transport protocol of a port mapping.
type Protocol string

// Protocols accepted by gateways.
const (
	ProtocolTCP Protocol = "TCP"
	ProtocolUDP Protocol = "UDP"
)

// ParseProtocol returns the Protocol named by s, ignoring case.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToUpper(strings.TrimSpace(s))); p {
	case ProtocolTCP, ProtocolUDP:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProtocol, s)
	}
}

// Mapping represents a desired forward from a port on the gateway's external
// interface to a port on a host of the local network.
//
// Mappings are owned by the Client. Once added they are immutable, and thus
// reads are safe on the scheduling domain without copying.
type Mapping struct {
	Protocol     Protocol
	ExternalPort uint16

	LocalIP   string
	LocalPort uint16

	// LeaseDuration is the lifetime in seconds requested from the gateway.
	// Zero asks for a permanent mapping, which is never renewed.
	LeaseDuration uint32

	Description string
}

// RenewInterval returns how often the mapping is refreshed on a gateway,
// half of the lease. It is zero for permanent mappings.
func (m Mapping) RenewInterval() time.Duration {
	return time.Duration(m.LeaseDuration) * time.Second / 2
}

// String implements fmt.Stringer.
func (m Mapping) String() string {
	return fmt.Sprintf("%s %d -> %s:%d", m.Protocol, m.ExternalPort, m.LocalIP, m.LocalPort)
}

func (m Mapping) key() mappingKey {
	return mappingKey{protocol: m.Protocol, port: m.ExternalPort}
}

func (m Mapping) request() PortMappingRequest {
	return PortMappingRequest{
		ExternalPort:   m.ExternalPort,
		Protocol:       m.Protocol,
		InternalPort:   m.LocalPort,
		InternalClient: m.LocalIP,
		Enabled:        true,
		Description:    m.Description,
		LeaseDuration:  m.LeaseDuration,
	}
}

// mappingKey identifies a Mapping within a Client.
type mappingKey struct {
	protocol Protocol
	port     uint16
}

func (k mappingKey) less(o mappingKey) bool {
	if k.protocol != o.protocol {
		return k.protocol < o.protocol
	}

	return k.port < o.port
}
