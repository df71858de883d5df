// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"github.com/pion/igd/loop"
)

type mappingState int

const (
	stateRequesting mappingState = iota
	stateMapped
	stateStopped
)

func (s mappingState) String() string {
	switch s {
	case stateRequesting:
		return "requesting"
	case stateMapped:
		return "mapped"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// proxyMapping drives one Mapping on one gateway: the initial request
// guarded by a timeout, then periodic renewal until stopped.
//
// Every callback it schedules carries the token current when it was
// scheduled. The token changes whenever the mapping stops, so a timeout and a
// late completion for the same request can never both take effect.
type proxyMapping struct {
	device  *deviceProxy
	mapping *Mapping

	state    mappingState
	token    uint64
	renewSeq uint64

	action  Action
	timeout loop.Timer
	renewal loop.Timer
}

func newProxyMapping(d *deviceProxy, m *Mapping) *proxyMapping {
	return &proxyMapping{device: d, mapping: m}
}

func (pm *proxyMapping) client() *Client {
	return pm.device.client
}

// start requests the mapping from the gateway.
func (pm *proxyMapping) start() {
	c := pm.client()

	pm.token++
	token := pm.token
	pm.state = stateRequesting

	pm.timeout = c.sched.AfterFunc(c.requestTimeout, func() {
		pm.onTimeout(token)
	})
	pm.action = pm.device.gw.AddPortMapping(pm.mapping.request(), func(err error) {
		pm.onAdded(token, err)
	})

	c.log.Debugf("gateway %s: requesting %s", pm.device.id, pm.mapping)
}

func (pm *proxyMapping) onAdded(token uint64, err error) {
	if token != pm.token || pm.state != stateRequesting {
		pm.client().log.Tracef("gateway %s: dropping stale AddPortMapping completion for %s", pm.device.id, pm.mapping)

		return
	}
	pm.action = nil
	pm.stopTimeout()

	if err != nil {
		pm.fail(&RPCError{Action: "AddPortMapping", Err: err})

		return
	}

	c := pm.client()
	pm.state = stateMapped
	c.log.Debugf("gateway %s: mapped %s", pm.device.id, pm.mapping)

	// Armed before emitting, a handler may stop the mapping.
	if interval := pm.mapping.RenewInterval(); interval > 0 {
		pm.renewal = c.sched.EveryFunc(interval, func() {
			pm.renew(token)
		})
	}

	if ip := pm.device.externalIP; ip != "" {
		c.emitMapped(pm.device, pm.mapping, ip, "")
	}
}

func (pm *proxyMapping) onTimeout(token uint64) {
	if token != pm.token || pm.state != stateRequesting {
		return
	}
	pm.timeout = nil

	pm.fail(ErrRequestTimedOut)
}

// renew reissues the request without a timeout. Failures are reported but
// the mapping stays established and renewal continues.
func (pm *proxyMapping) renew(token uint64) {
	if token != pm.token || pm.state != stateMapped {
		return
	}

	if pm.action != nil {
		pm.action.Cancel()
	}

	pm.renewSeq++
	seq := pm.renewSeq
	pm.action = pm.device.gw.AddPortMapping(pm.mapping.request(), func(err error) {
		pm.onRenewed(token, seq, err)
	})

	pm.client().log.Tracef("gateway %s: renewing %s", pm.device.id, pm.mapping)
}

func (pm *proxyMapping) onRenewed(token, seq uint64, err error) {
	if token != pm.token || seq != pm.renewSeq || pm.state != stateMapped {
		return
	}
	pm.action = nil

	if err != nil {
		pm.client().emitMappingError(pm.device, pm.mapping, &RPCError{Action: "AddPortMapping", Err: err})
	}
}

func (pm *proxyMapping) fail(err error) {
	pm.stop()
	pm.client().log.Warnf("gateway %s: mapping %s failed: %v", pm.device.id, pm.mapping, err)
	pm.client().emitMappingError(pm.device, pm.mapping, err)
}

// stop cancels the action in flight and both timers. It is idempotent.
func (pm *proxyMapping) stop() {
	if pm.state == stateStopped {
		return
	}
	pm.client().log.Tracef("gateway %s: stopping %s while %s", pm.device.id, pm.mapping, pm.state)
	pm.state = stateStopped
	pm.token++

	if pm.action != nil {
		pm.action.Cancel()
		pm.action = nil
	}
	pm.stopTimeout()
	if pm.renewal != nil {
		pm.renewal.Stop()
		pm.renewal = nil
	}
}

func (pm *proxyMapping) stopTimeout() {
	if pm.timeout != nil {
		pm.timeout.Stop()
		pm.timeout = nil
	}
}
