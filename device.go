// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"sort"
)

// deviceProxy is a gateway known to the Client. It caches the external
// address of the gateway and owns one proxyMapping per registered Mapping.
type deviceProxy struct {
	client *Client
	id     DeviceID
	gw     Gateway

	externalIP string
	ipAction   Action
	ipSeq      uint64
	sub        Subscription
	stopped    bool

	mappings map[mappingKey]*proxyMapping
}

func newDeviceProxy(c *Client, id DeviceID, gw Gateway) *deviceProxy {
	return &deviceProxy{
		client:   c,
		id:       id,
		gw:       gw,
		mappings: map[mappingKey]*proxyMapping{},
	}
}

// start queries the external address and subscribes to its changes. The
// subscription also supplies the address when the initial query failed.
func (d *deviceProxy) start() {
	d.ipSeq++
	seq := d.ipSeq
	d.ipAction = d.gw.GetExternalIPAddress(func(ip string, err error) {
		d.onExternalIPAddress(seq, ip, err)
	})

	sub, err := d.gw.SubscribeExternalIP(d.onSubscribedIP, d.fail)
	if err != nil {
		d.fail(err)

		return
	}
	d.sub = sub
}

func (d *deviceProxy) onExternalIPAddress(seq uint64, ip string, err error) {
	if d.stopped || seq != d.ipSeq {
		return
	}
	d.ipAction = nil

	if err != nil {
		d.fail(&RPCError{Action: "GetExternalIPAddress", Err: err})

		return
	}
	d.externalIPChanged(ip)
}

// onSubscribedIP supersedes an initial query still in flight.
func (d *deviceProxy) onSubscribedIP(ip string) {
	if d.stopped {
		return
	}
	if d.ipAction != nil {
		d.ipAction.Cancel()
		d.ipAction = nil
		d.ipSeq++
	}
	d.externalIPChanged(ip)
}

func (d *deviceProxy) externalIPChanged(ip string) {
	if d.stopped || ip == d.externalIP {
		return
	}

	previous := d.externalIP
	d.externalIP = ip
	d.client.log.Debugf("gateway %s external address %s", d.id, ip)
	d.client.emit(NewExternalIPEvent{Device: d.id, IP: ip})

	for _, pm := range d.proxyMappings() {
		if pm.state == stateMapped {
			d.client.emitMapped(d, pm.mapping, ip, previous)
		}
	}
}

func (d *deviceProxy) fail(err error) {
	if d.stopped {
		return
	}
	d.client.log.Warnf("gateway %s: %v", d.id, err)
	d.client.emit(ErrorEvent{Device: d.id, Err: err})
}

func (d *deviceProxy) addMapping(m *Mapping) {
	k := m.key()
	if _, ok := d.mappings[k]; ok {
		return
	}

	pm := newProxyMapping(d, m)
	d.mappings[k] = pm
	pm.start()
}

// removeMapping stops the proxyMapping of m and deletes the mapping from the
// gateway if it had been established. Deletion is best effort.
func (d *deviceProxy) removeMapping(m *Mapping) {
	k := m.key()
	pm, ok := d.mappings[k]
	if !ok {
		return
	}
	delete(d.mappings, k)

	wasMapped := pm.state == stateMapped
	pm.stop()
	if !wasMapped {
		return
	}

	c := d.client
	id := d.id
	c.deleteStarted()
	d.gw.DeletePortMapping("", m.ExternalPort, m.Protocol, func(err error) {
		if err != nil {
			c.log.Warnf("gateway %s: deleting %s %d: %v", id, m.Protocol, m.ExternalPort, err)
		}
		c.deleteDone()
	})
}

// stop halts every proxyMapping and releases the gateway. Mappings already
// established are not deleted.
func (d *deviceProxy) stop() {
	if d.stopped {
		return
	}
	d.stopped = true

	for _, pm := range d.proxyMappings() {
		pm.stop()
	}
	d.mappings = map[mappingKey]*proxyMapping{}

	if d.ipAction != nil {
		d.ipAction.Cancel()
		d.ipAction = nil
	}
	if d.sub != nil {
		d.sub.Unsubscribe()
		d.sub = nil
	}
}

func (d *deviceProxy) proxyMappings() []*proxyMapping {
	out := make([]*proxyMapping, 0, len(d.mappings))
	for _, pm := range d.mappings {
		out = append(out, pm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].mapping.key().less(out[j].mapping.key())
	})

	return out
}
