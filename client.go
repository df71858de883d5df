// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package igd keeps port mappings alive on the gateways of the local
// network. A Client holds the set of desired mappings, requests each of them
// from every gateway it learns about, renews them before their lease expires
// and reports external address changes and failures as events.
//
// A Client is confined to its scheduling domain (see package loop): all of
// its methods, and all event handlers, run there.
package igd

import (
	"sort"
	"time"

	"github.com/pion/logging"
	"go.uber.org/multierr"

	"github.com/pion/igd/loop"
)

// PortStrategy handles port requests made through Client.AddPort and
// Client.RemovePort. Arguments have already been validated.
type PortStrategy interface {
	AddPort(m Mapping) error
	RemovePort(protocol Protocol, externalPort uint16) error
}

// Client requests port mappings.
type Client struct {
	sched         loop.Scheduler
	loggerFactory logging.LoggerFactory
	log           logging.LeveledLogger
	strategy      PortStrategy

	requestTimeout time.Duration
	rpcTimeout     time.Duration
	pollInterval   time.Duration

	mappings    map[mappingKey]*Mapping
	devices     map[DeviceID]*deviceProxy
	handlers    []*eventHandlerEntry
	discoveries []Discovery
	closed      bool

	pendingDeletes int
	drained        []func()
}

// NewClient creates a new client.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		loggerFactory:  logging.NewDefaultLoggerFactory(),
		requestTimeout: defaultRequestTimeout,
		rpcTimeout:     defaultRPCTimeout,
		pollInterval:   defaultPollInterval,
		mappings:       map[mappingKey]*Mapping{},
		devices:        map[DeviceID]*deviceProxy{},
	}
	c.strategy = registryStrategy{client: c}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.sched == nil {
		c.sched = loop.Default()
	}
	c.log = c.loggerFactory.NewLogger("igd")

	return c, nil
}

// OnEvent registers h to receive events. The returned function removes it.
func (c *Client) OnEvent(h EventHandler) (remove func()) {
	entry := &eventHandlerEntry{handler: h}
	c.handlers = append(c.handlers, entry)

	return func() {
		for i, e := range c.handlers {
			if e == entry {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)

				return
			}
		}
	}
}

// AddPort asks every current and future gateway to forward externalPort to
// localIP:localPort. protocol must be "TCP" or "UDP". leaseDuration is in
// seconds; the mapping is renewed every leaseDuration/2.
func (c *Client) AddPort(protocol string, externalPort uint16, localIP string, localPort uint16,
	leaseDuration uint32, description string,
) error {
	if c.closed {
		return ErrClosed
	}

	p, err := ParseProtocol(protocol)
	if err != nil {
		return err
	}
	if localIP == "" {
		return ErrInvalidLocalIP
	}

	return c.strategy.AddPort(Mapping{
		Protocol:      p,
		ExternalPort:  externalPort,
		LocalIP:       localIP,
		LocalPort:     localPort,
		LeaseDuration: leaseDuration,
		Description:   description,
	})
}

// RemovePort stops maintaining the mapping of externalPort and deletes it
// from every gateway where it was established.
func (c *Client) RemovePort(protocol string, externalPort uint16) error {
	if c.closed {
		return ErrClosed
	}

	p, err := ParseProtocol(protocol)
	if err != nil {
		return err
	}

	return c.strategy.RemovePort(p, externalPort)
}

// Mappings returns the registered mappings ordered by protocol and port.
func (c *Client) Mappings() []Mapping {
	keys := c.mappingKeys()
	out := make([]Mapping, 0, len(keys))
	for _, k := range keys {
		out = append(out, *c.mappings[k])
	}

	return out
}

// Devices returns the identifiers of the known gateways in sorted order.
func (c *Client) Devices() []DeviceID {
	ids := make([]DeviceID, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// DeviceAvailable starts managing a gateway: its external address is
// queried and every registered mapping is requested from it.
func (c *Client) DeviceAvailable(id DeviceID, gw Gateway) {
	if c.closed {
		return
	}
	if _, ok := c.devices[id]; ok {
		c.log.Debugf("gateway %s already known", id)

		return
	}

	c.log.Infof("gateway %s available", id)

	d := newDeviceProxy(c, id, gw)
	c.devices[id] = d
	d.start()

	for _, k := range c.mappingKeys() {
		d.addMapping(c.mappings[k])
	}
}

// DeviceUnavailable stops every activity towards the gateway id and forgets
// it. Mappings established on it are left to expire.
func (c *Client) DeviceUnavailable(id DeviceID) {
	d, ok := c.devices[id]
	if !ok {
		return
	}

	c.log.Infof("gateway %s unavailable", id)

	d.stop()
	delete(c.devices, id)
}

// Close removes every mapping, as RemovePort would, forgets every gateway
// and closes the discoveries added to the Client.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}

	for _, k := range c.mappingKeys() {
		c.removeMapping(k)
	}
	for _, id := range c.Devices() {
		c.DeviceUnavailable(id)
	}
	c.closed = true

	var err error
	for _, d := range c.discoveries {
		err = multierr.Append(err, d.Close())
	}
	c.discoveries = nil

	return err
}

// OnDrained calls f once no deletion started by RemovePort or Close is in
// flight, immediately if there is none.
func (c *Client) OnDrained(f func()) {
	if c.pendingDeletes == 0 {
		f()

		return
	}
	c.drained = append(c.drained, f)
}

func (c *Client) deleteStarted() {
	c.pendingDeletes++
}

func (c *Client) deleteDone() {
	c.pendingDeletes--
	if c.pendingDeletes > 0 {
		return
	}

	drained := c.drained
	c.drained = nil
	for _, f := range drained {
		f()
	}
}

func (c *Client) mappingKeys() []mappingKey {
	keys := make([]mappingKey, 0, len(c.mappings))
	for k := range c.mappings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	return keys
}

func (c *Client) addMapping(m Mapping) error {
	k := m.key()
	if _, ok := c.mappings[k]; ok {
		return ErrMappingExists
	}

	mapping := &m
	c.mappings[k] = mapping
	c.log.Debugf("added mapping %s", mapping)

	for _, id := range c.Devices() {
		c.devices[id].addMapping(mapping)
	}

	return nil
}

func (c *Client) removeMapping(k mappingKey) bool {
	mapping, ok := c.mappings[k]
	if !ok {
		return false
	}

	for _, id := range c.Devices() {
		c.devices[id].removeMapping(mapping)
	}
	delete(c.mappings, k)
	c.log.Debugf("removed mapping %s", mapping)

	return true
}

// registryStrategy is the default PortStrategy.
type registryStrategy struct {
	client *Client
}

func (s registryStrategy) AddPort(m Mapping) error {
	return s.client.addMapping(m)
}

func (s registryStrategy) RemovePort(protocol Protocol, externalPort uint16) error {
	if !s.client.removeMapping(mappingKey{protocol: protocol, port: externalPort}) {
		return ErrMappingNotFound
	}

	return nil
}
