// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pion/igd/loop"
)

var errGatewayRefused = errors.New("718 ConflictInMappingEntry")

// fakeScheduler is a manually driven scheduling domain. The test goroutine
// plays the role of the domain: nothing runs until Advance or Flush. Post is
// safe to call from other goroutines.
type fakeScheduler struct {
	now    time.Duration
	timers []*fakeTimer

	mu     sync.Mutex
	posted []func()
}

type fakeTimer struct {
	at      time.Duration
	period  time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() { t.stopped = true }

var _ loop.Scheduler = (*fakeScheduler)(nil)

func (s *fakeScheduler) Post(f func()) {
	s.mu.Lock()
	s.posted = append(s.posted, f)
	s.mu.Unlock()
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) loop.Timer {
	t := &fakeTimer{at: s.now + d, fn: f}
	s.timers = append(s.timers, t)

	return t
}

func (s *fakeScheduler) EveryFunc(d time.Duration, f func()) loop.Timer {
	t := &fakeTimer{at: s.now + d, period: d, fn: f}
	s.timers = append(s.timers, t)

	return t
}

// Flush runs posted functions, including those posted while flushing.
func (s *fakeScheduler) Flush() {
	for {
		s.mu.Lock()
		if len(s.posted) == 0 {
			s.mu.Unlock()

			return
		}
		f := s.posted[0]
		s.posted = s.posted[1:]
		s.mu.Unlock()

		f()
	}
}

// Advance moves time forward by d, firing due timers in order.
func (s *fakeScheduler) Advance(d time.Duration) {
	target := s.now + d
	for {
		next := s.nextTimer(target)
		if next == nil {
			break
		}
		s.now = next.at
		if next.period > 0 {
			next.at += next.period
		} else {
			next.stopped = true
		}
		next.fn()
		s.Flush()
	}
	s.now = target
}

func (s *fakeScheduler) nextTimer(limit time.Duration) *fakeTimer {
	var next *fakeTimer
	for _, t := range s.timers {
		if t.stopped || t.at > limit {
			continue
		}
		if next == nil || t.at < next.at {
			next = t
		}
	}

	return next
}

// Pending returns the timers that may still fire.
func (s *fakeScheduler) Pending() []*fakeTimer {
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}

	return out
}

// fakeCall is one action issued against a fakeGateway.
type fakeCall struct {
	name      string
	req       PortMappingRequest
	ipDone    func(string, error)
	done      func(error)
	canceled  bool
	completed bool
}

func (c *fakeCall) Cancel() { c.canceled = true }

func (c *fakeCall) inFlight() bool { return !c.completed && !c.canceled }

func (c *fakeCall) complete(err error) {
	c.completed = true
	c.done(err)
}

func (c *fakeCall) completeIP(ip string, err error) {
	c.completed = true
	c.ipDone(ip, err)
}

type fakeSubscription struct {
	notify       func(string)
	onError      func(error)
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe() { s.unsubscribed = true }

// fakeGateway records every action and lets the test complete them.
type fakeGateway struct {
	calls  []*fakeCall
	subs   []*fakeSubscription
	subErr error
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) GetExternalIPAddress(done func(string, error)) Action {
	c := &fakeCall{name: "GetExternalIPAddress", ipDone: done}
	g.calls = append(g.calls, c)

	return c
}

func (g *fakeGateway) AddPortMapping(req PortMappingRequest, done func(error)) Action {
	c := &fakeCall{name: "AddPortMapping", req: req, done: done}
	g.calls = append(g.calls, c)

	return c
}

func (g *fakeGateway) DeletePortMapping(remoteHost string, externalPort uint16, protocol Protocol, done func(error)) Action {
	c := &fakeCall{
		name: "DeletePortMapping",
		req:  PortMappingRequest{RemoteHost: remoteHost, ExternalPort: externalPort, Protocol: protocol},
		done: done,
	}
	g.calls = append(g.calls, c)

	return c
}

func (g *fakeGateway) SubscribeExternalIP(notify func(string), onError func(error)) (Subscription, error) {
	if g.subErr != nil {
		return nil, g.subErr
	}
	s := &fakeSubscription{notify: notify, onError: onError}
	g.subs = append(g.subs, s)

	return s, nil
}

func (g *fakeGateway) named(name string) []*fakeCall {
	var out []*fakeCall
	for _, c := range g.calls {
		if c.name == name {
			out = append(out, c)
		}
	}

	return out
}

func (g *fakeGateway) adds() []*fakeCall    { return g.named("AddPortMapping") }
func (g *fakeGateway) deletes() []*fakeCall { return g.named("DeletePortMapping") }

func (g *fakeGateway) lastAdd(t *testing.T) *fakeCall {
	t.Helper()

	adds := g.adds()
	require.NotEmpty(t, adds)

	return adds[len(adds)-1]
}

func (g *fakeGateway) ipQuery(t *testing.T) *fakeCall {
	t.Helper()

	calls := g.named("GetExternalIPAddress")
	require.Len(t, calls, 1)

	return calls[0]
}

func (g *fakeGateway) inFlight() []*fakeCall {
	var out []*fakeCall
	for _, c := range g.calls {
		if c.inFlight() {
			out = append(out, c)
		}
	}

	return out
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) handle(e Event) { r.events = append(r.events, e) }

func (r *eventRecorder) reset() { r.events = nil }

func (r *eventRecorder) mapped() []MappedExternalPortEvent {
	var out []MappedExternalPortEvent
	for _, e := range r.events {
		if m, ok := e.(MappedExternalPortEvent); ok {
			out = append(out, m)
		}
	}

	return out
}

func (r *eventRecorder) mappingErrors() []ErrorMappingPortEvent {
	var out []ErrorMappingPortEvent
	for _, e := range r.events {
		if m, ok := e.(ErrorMappingPortEvent); ok {
			out = append(out, m)
		}
	}

	return out
}

type testHarness struct {
	client *Client
	sched  *fakeScheduler
	events *eventRecorder
}

func newTestHarness(t *testing.T, opts ...Option) *testHarness {
	t.Helper()

	sched := &fakeScheduler{}
	client, err := NewClient(append([]Option{WithScheduler(sched)}, opts...)...)
	require.NoError(t, err)

	events := &eventRecorder{}
	client.OnEvent(events.handle)

	return &testHarness{client: client, sched: sched, events: events}
}

// addDevice makes a gateway available and answers its address query.
func (h *testHarness) addDevice(t *testing.T, id DeviceID, ip string) *fakeGateway {
	t.Helper()

	gw := &fakeGateway{}
	h.client.DeviceAvailable(id, gw)
	if ip != "" {
		gw.ipQuery(t).completeIP(ip, nil)
	}

	return gw
}
