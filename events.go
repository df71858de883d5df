// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

// Event is a notification delivered to handlers registered with
// Client.OnEvent. The concrete type is one of NewExternalIPEvent,
// MappedExternalPortEvent, ErrorMappingPortEvent or ErrorEvent.
type Event interface {
	// DeviceID returns the gateway the event originates from.
	DeviceID() DeviceID
}

// EventHandler receives events synchronously on the scheduling domain.
type EventHandler func(Event)

// NewExternalIPEvent reports the external address of a gateway, either on
// discovery or after it changed.
type NewExternalIPEvent struct {
	Device DeviceID
	IP     string
}

// MappedExternalPortEvent reports that a mapping is active on a gateway and
// reachable at ExternalIP. PreviousExternalIP is set when the event is caused
// by an address change and a previous address was known, and empty
// otherwise.
type MappedExternalPortEvent struct {
	Device             DeviceID
	Protocol           Protocol
	ExternalIP         string
	PreviousExternalIP string
	ExternalPort       uint16
	LocalIP            string
	LocalPort          uint16
	Description        string
}

// ErrorMappingPortEvent reports that requesting or renewing one mapping on one
// gateway failed. Err is ErrRequestTimedOut or an *RPCError.
type ErrorMappingPortEvent struct {
	Device       DeviceID
	Err          error
	Protocol     Protocol
	ExternalPort uint16
	Description  string
}

// ErrorEvent reports a gateway level failure that is not tied to a mapping.
type ErrorEvent struct {
	Device DeviceID
	Err    error
}

// DeviceID implements Event.
func (e NewExternalIPEvent) DeviceID() DeviceID { return e.Device }

// DeviceID implements Event.
func (e MappedExternalPortEvent) DeviceID() DeviceID { return e.Device }

// DeviceID implements Event.
func (e ErrorMappingPortEvent) DeviceID() DeviceID { return e.Device }

// DeviceID implements Event.
func (e ErrorEvent) DeviceID() DeviceID { return e.Device }

type eventHandlerEntry struct {
	handler EventHandler
}

func (c *Client) emit(e Event) {
	handlers := make([]*eventHandlerEntry, len(c.handlers))
	copy(handlers, c.handlers)

	for _, h := range handlers {
		h.handler(e)
	}
}

func (c *Client) emitMapped(d *deviceProxy, m *Mapping, ip, previous string) {
	c.emit(MappedExternalPortEvent{
		Device:             d.id,
		Protocol:           m.Protocol,
		ExternalIP:         ip,
		PreviousExternalIP: previous,
		ExternalPort:       m.ExternalPort,
		LocalIP:            m.LocalIP,
		LocalPort:          m.LocalPort,
		Description:        m.Description,
	})
}

func (c *Client) emitMappingError(d *deviceProxy, m *Mapping, err error) {
	c.emit(ErrorMappingPortEvent{
		Device:       d.id,
		Err:          err,
		Protocol:     m.Protocol,
		ExternalPort: m.ExternalPort,
		Description:  m.Description,
	})
}
