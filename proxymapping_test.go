// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *testHarness) proxy(t *testing.T, id DeviceID, p Protocol, port uint16) *proxyMapping {
	t.Helper()

	d, ok := h.client.devices[id]
	require.True(t, ok)
	pm, ok := d.mappings[mappingKey{protocol: p, port: port}]
	require.True(t, ok)

	return pm
}

func TestRenewalEveryHalfLease(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)

	h.sched.Advance(49 * time.Second)
	assert.Len(t, gw.adds(), 1)

	for i := 2; i <= 6; i++ {
		h.sched.Advance(time.Second)
		require.Len(t, gw.adds(), i)
		assert.Equal(t, gw.adds()[0].req, gw.lastAdd(t).req)
		gw.lastAdd(t).complete(nil)
		h.sched.Advance(49 * time.Second)
		require.Len(t, gw.adds(), i)
	}

	require.NoError(t, h.client.RemovePort("UDP", 5000))
	h.sched.Advance(time.Hour)
	assert.Len(t, gw.adds(), 6)
}

func TestRequestTimeout(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("TCP", 8080, "10.0.0.5", 80, 100, "web"))
	h.events.reset()

	h.sched.Advance(4999 * time.Millisecond)
	assert.Empty(t, h.events.events)

	h.sched.Advance(time.Millisecond)
	assert.Equal(t, []Event{ErrorMappingPortEvent{
		Device:       "uuid:a",
		Err:          ErrRequestTimedOut,
		Protocol:     ProtocolTCP,
		ExternalPort: 8080,
		Description:  "web",
	}}, h.events.events)

	add := gw.lastAdd(t)
	assert.True(t, add.canceled)
	assert.Equal(t, stateStopped, h.proxy(t, "uuid:a", ProtocolTCP, 8080).state)

	// The answer arrives after the timeout already fired.
	add.complete(nil)
	assert.Len(t, h.events.events, 1)
	assert.Equal(t, stateStopped, h.proxy(t, "uuid:a", ProtocolTCP, 8080).state)
	assert.Empty(t, h.sched.Pending())

	h.sched.Advance(time.Hour)
	assert.Len(t, gw.adds(), 1, "failed mappings are not retried")
}

func TestLateFailureAfterTimeoutIgnored(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "")
	require.NoError(t, h.client.AddPort("TCP", 8080, "10.0.0.5", 80, 100, "web"))

	h.sched.Advance(5 * time.Second)
	gw.lastAdd(t).complete(errGatewayRefused)

	errs := h.events.mappingErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, ErrRequestTimedOut)
}

func TestCustomRequestTimeout(t *testing.T) {
	h := newTestHarness(t, WithRequestTimeout(time.Second))
	h.addDevice(t, "uuid:a", "")
	require.NoError(t, h.client.AddPort("TCP", 8080, "10.0.0.5", 80, 100, "web"))

	h.sched.Advance(time.Second)
	require.Len(t, h.events.mappingErrors(), 1)
}

func TestRequestFailureBeforeTimeout(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	h.events.reset()

	h.sched.Advance(time.Second)
	gw.lastAdd(t).complete(errGatewayRefused)

	errs := h.events.mappingErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, errGatewayRefused)
	assert.NotErrorIs(t, errs[0].Err, ErrRequestTimedOut)

	h.sched.Advance(time.Hour)
	assert.Len(t, h.events.events, 1)
	assert.Empty(t, h.sched.Pending())

	// Removing a failed mapping deletes nothing.
	require.NoError(t, h.client.RemovePort("UDP", 5000))
	assert.Empty(t, gw.deletes())
}

func TestRenewalFailureKeepsRenewing(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)
	h.events.reset()

	h.sched.Advance(50 * time.Second)
	gw.lastAdd(t).complete(errGatewayRefused)

	errs := h.events.mappingErrors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0].Err, errGatewayRefused)
	assert.Equal(t, stateMapped, h.proxy(t, "uuid:a", ProtocolUDP, 5000).state)

	// Renewals are not bound by the request timeout.
	h.sched.Advance(50 * time.Second)
	require.Len(t, gw.adds(), 3)
	h.sched.Advance(40 * time.Second)
	gw.lastAdd(t).complete(nil)
	assert.Len(t, h.events.mappingErrors(), 1)

	// Removal of a mapped entry deletes it even after a failed renewal.
	require.NoError(t, h.client.RemovePort("UDP", 5000))
	assert.Len(t, gw.deletes(), 1)
}

func TestRenewalSupersedesOutstandingRenewal(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)
	h.events.reset()

	h.sched.Advance(50 * time.Second)
	first := gw.lastAdd(t)
	h.sched.Advance(50 * time.Second)
	second := gw.lastAdd(t)
	require.NotSame(t, first, second)
	assert.True(t, first.canceled)

	first.complete(errGatewayRefused)
	assert.Empty(t, h.events.events)

	second.complete(errGatewayRefused)
	assert.Len(t, h.events.mappingErrors(), 1)
}

func TestRemoveWhileRequesting(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	add := gw.lastAdd(t)
	h.events.reset()

	require.NoError(t, h.client.RemovePort("UDP", 5000))
	assert.True(t, add.canceled)
	assert.Empty(t, gw.deletes())
	assert.Empty(t, h.sched.Pending())

	add.complete(nil)
	h.sched.Advance(time.Hour)
	assert.Empty(t, h.events.events)
}

func TestRemoveWhenMapped(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "203.0.113.4")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)
	h.events.reset()

	require.NoError(t, h.client.RemovePort("UDP", 5000))

	deletes := gw.deletes()
	require.Len(t, deletes, 1)
	assert.Equal(t, PortMappingRequest{RemoteHost: "", ExternalPort: 5000, Protocol: ProtocolUDP}, deletes[0].req)

	// Deletion failures are only logged.
	deletes[0].complete(errGatewayRefused)
	assert.Empty(t, h.events.events)
}

func TestStopIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)

	pm := h.proxy(t, "uuid:a", ProtocolUDP, 5000)
	pm.stop()
	token := pm.token
	pm.stop()

	assert.Equal(t, token, pm.token)
	assert.Equal(t, stateStopped, pm.state)
	assert.Empty(t, h.sched.Pending())
}

func TestPermanentLeaseIsNotRenewed(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "")
	require.NoError(t, h.client.AddPort("TCP", 22, "10.0.0.2", 22, 0, "ssh"))
	gw.lastAdd(t).complete(nil)

	assert.Equal(t, stateMapped, h.proxy(t, "uuid:a", ProtocolTCP, 22).state)
	assert.Empty(t, h.sched.Pending())

	h.sched.Advance(24 * time.Hour)
	assert.Len(t, gw.adds(), 1)
}

func TestMappedWithoutKnownAddressEmitsNothing(t *testing.T) {
	h := newTestHarness(t)
	gw := h.addDevice(t, "uuid:a", "")
	require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
	gw.lastAdd(t).complete(nil)

	assert.Empty(t, h.events.events)
	assert.Equal(t, stateMapped, h.proxy(t, "uuid:a", ProtocolUDP, 5000).state)
}

func TestHandlerStopsMappingWhileMapped(t *testing.T) {
	for _, tc := range []struct {
		name   string
		stop   func(c *Client)
		remain int
	}{
		{"remove port", func(c *Client) { _ = c.RemovePort("UDP", 5000) }, 0},
		{"device unavailable", func(c *Client) { c.DeviceUnavailable("uuid:a") }, 1},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHarness(t)
			gw := h.addDevice(t, "uuid:a", "203.0.113.4")
			h.client.OnEvent(func(e Event) {
				if _, ok := e.(MappedExternalPortEvent); ok {
					tc.stop(h.client)
				}
			})

			require.NoError(t, h.client.AddPort("UDP", 5000, "10.0.0.5", 5000, 100, "voip"))
			gw.lastAdd(t).complete(nil)

			assert.Len(t, h.events.mapped(), 1)
			assert.Len(t, h.client.Mappings(), tc.remain)
			assert.Empty(t, h.sched.Pending())

			h.sched.Advance(time.Hour)
			assert.Len(t, gw.adds(), 1)
		})
	}
}
