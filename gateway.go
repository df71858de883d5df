// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"context"
	"time"

	"github.com/pion/logging"

	"github.com/pion/igd/loop"
)

// Service performs blocking port mapping actions against one gateway. The
// method set mirrors the WANIPConnection service of an Internet Gateway
// Device. Implementations must honor ctx cancellation.
type Service interface {
	GetExternalIPAddress(ctx context.Context) (string, error)

	AddPortMapping(
		ctx context.Context,
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error

	DeletePortMapping(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

// PortMappingRequest holds the arguments of an AddPortMapping action.
type PortMappingRequest struct {
	RemoteHost     string
	ExternalPort   uint16
	Protocol       Protocol
	InternalPort   uint16
	InternalClient string
	Enabled        bool
	Description    string
	LeaseDuration  uint32
}

// Action is an asynchronous gateway action in flight.
type Action interface {
	// Cancel asks the transport to abandon the action. The completion
	// callback may still run afterwards, typically with a cancellation error.
	Cancel()
}

// Subscription is an active external address subscription.
type Subscription interface {
	Unsubscribe()
}

// Gateway is the asynchronous view of a gateway used by the Client. Every
// completion callback runs on the scheduling domain, never before the call
// that started the action has returned.
type Gateway interface {
	GetExternalIPAddress(done func(ip string, err error)) Action
	AddPortMapping(req PortMappingRequest, done func(err error)) Action
	DeletePortMapping(remoteHost string, externalPort uint16, protocol Protocol, done func(err error)) Action

	// SubscribeExternalIP calls notify with the external address of the
	// gateway once it is known and whenever it changes, and onError when it
	// cannot be determined.
	SubscribeExternalIP(notify func(ip string), onError func(err error)) (Subscription, error)
}

// GatewayConfig configures NewGateway.
type GatewayConfig struct {
	// RPCTimeout bounds every action at the transport level. Zero means
	// actions only end by completion or cancellation.
	RPCTimeout time.Duration

	// PollInterval is how often the external address is polled for
	// subscriptions. Zero disables change detection.
	PollInterval time.Duration

	LoggerFactory logging.LoggerFactory
}

// NewGateway adapts a blocking Service to a Gateway. Each action runs on its
// own goroutine and its completion is posted to sched.
func NewGateway(svc Service, sched loop.Scheduler, config GatewayConfig) Gateway {
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	return &asyncGateway{
		svc:    svc,
		sched:  sched,
		config: config,
		log:    config.LoggerFactory.NewLogger("igd"),
	}
}

type asyncGateway struct {
	svc    Service
	sched  loop.Scheduler
	config GatewayConfig
	log    logging.LeveledLogger
}

type cancelAction context.CancelFunc

func (a cancelAction) Cancel() { a() }

func (g *asyncGateway) invoke(call func(ctx context.Context) error, done func(err error)) Action {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if g.config.RPCTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), g.config.RPCTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	go func() {
		err := call(ctx)
		cancel()
		g.sched.Post(func() { done(err) })
	}()

	return cancelAction(cancel)
}

func (g *asyncGateway) GetExternalIPAddress(done func(ip string, err error)) Action {
	var ip string

	return g.invoke(func(ctx context.Context) (err error) {
		ip, err = g.svc.GetExternalIPAddress(ctx)

		return err
	}, func(err error) {
		done(ip, err)
	})
}

func (g *asyncGateway) AddPortMapping(req PortMappingRequest, done func(err error)) Action {
	return g.invoke(func(ctx context.Context) error {
		return g.svc.AddPortMapping(ctx,
			req.RemoteHost, req.ExternalPort, string(req.Protocol),
			req.InternalPort, req.InternalClient, req.Enabled,
			req.Description, req.LeaseDuration)
	}, done)
}

func (g *asyncGateway) DeletePortMapping(remoteHost string, externalPort uint16, protocol Protocol, done func(err error)) Action {
	return g.invoke(func(ctx context.Context) error {
		return g.svc.DeletePortMapping(ctx, remoteHost, externalPort, string(protocol))
	}, done)
}

func (g *asyncGateway) SubscribeExternalIP(notify func(ip string), onError func(err error)) (Subscription, error) {
	s := &pollSubscription{gateway: g, notify: notify, onError: onError}
	if g.config.PollInterval <= 0 {
		return s, nil
	}

	s.timer = g.sched.EveryFunc(g.config.PollInterval, s.poll)

	return s, nil
}

// pollSubscription detects address changes by polling, starting one interval
// after subscribing. The first answer is reported, later answers only when
// they differ from the previous one. It lives on the scheduling domain.
type pollSubscription struct {
	gateway *asyncGateway
	notify  func(ip string)
	onError func(err error)

	timer    loop.Timer
	inflight Action
	seq      uint64
	last     string
	known    bool
	stopped  bool
}

func (s *pollSubscription) poll() {
	if s.stopped || s.inflight != nil {
		return
	}

	s.seq++
	seq := s.seq
	s.inflight = s.gateway.GetExternalIPAddress(func(ip string, err error) {
		if s.stopped || seq != s.seq {
			return
		}
		s.inflight = nil

		switch {
		case err != nil:
			if s.onError != nil {
				s.onError(&RPCError{Action: "GetExternalIPAddress", Err: err})
			}
		case !s.known || ip != s.last:
			s.gateway.log.Debugf("external address %s, previously %q", ip, s.last)
			s.known = true
			s.last = ip
			s.notify(ip)
		}
	})
}

func (s *pollSubscription) Unsubscribe() {
	if s.stopped {
		return
	}
	s.stopped = true

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.inflight != nil {
		s.inflight.Cancel()
		s.inflight = nil
	}
}
