// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package natpmp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	"github.com/pion/logging"

	"github.com/pion/igd"
)

const (
	defaultCheckInterval  = time.Minute
	defaultRequestTimeout = 5 * time.Second
)

var (
	errAlreadyStarted = errors.New("natpmp: discovery already started")
	errClosed         = errors.New("natpmp: discovery closed")
)

// DeviceID identifies the NAT-PMP server at gateway.
func DeviceID(gateway net.IP) igd.DeviceID {
	return igd.DeviceID("natpmp:" + gateway.String())
}

// Config configures a Discovery.
type Config struct {
	// Clock drives the periodic gateway check. Defaults to the wall clock.
	Clock clock.Clock

	// CheckInterval is how often the default gateway is looked up again.
	CheckInterval time.Duration

	// RequestTimeout bounds every NAT-PMP request including retries.
	RequestTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Discovery reports the default gateway once it answered a NAT-PMP external
// address request, and reports it gone when the default route changes.
type Discovery struct {
	config Config
	log    logging.LeveledLogger

	discoverGateway func() (net.IP, error)
	newService      func(gw net.IP) *Service

	mu      sync.Mutex
	handler igd.DiscoveryHandler
	current igd.DeviceID
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

var _ igd.Discovery = (*Discovery)(nil)

// NewDiscovery creates a Discovery. Nothing is sent until Start.
func NewDiscovery(config Config) *Discovery {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaultCheckInterval
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	d := &Discovery{
		config:          config,
		log:             config.LoggerFactory.NewLogger("natpmp"),
		discoverGateway: gateway.DiscoverGateway,
	}
	d.newService = func(gw net.IP) *Service {
		return NewService(gw, d.config.RequestTimeout)
	}

	return d
}

// Start implements igd.Discovery.
func (d *Discovery) Start(h igd.DiscoveryHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return errClosed
	case d.handler != nil:
		return errAlreadyStarted
	}

	d.handler = h
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	ticker := d.config.Clock.Ticker(d.config.CheckInterval)

	d.wg.Add(1)
	go d.run(ctx, ticker)

	return nil
}

// Close implements igd.Discovery.
func (d *Discovery) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return nil
	}
	d.closed = true
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()

	d.wg.Wait()

	return nil
}

func (d *Discovery) run(ctx context.Context, ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()

	d.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.check(ctx)
		}
	}
}

func (d *Discovery) check(ctx context.Context) {
	var (
		id  igd.DeviceID
		svc *Service
	)

	gw, err := d.discoverGateway()
	if err != nil {
		d.log.Debugf("no default gateway: %v", err)
	} else {
		id = DeviceID(gw)
	}

	d.mu.Lock()
	previous := d.current
	d.mu.Unlock()
	if id == previous {
		return
	}

	if id != "" {
		svc = d.newService(gw)
		probeCtx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
		ip, err := svc.GetExternalIPAddress(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.log.Debugf("gateway %s does not answer NAT-PMP: %v", gw, err)
			id = ""
		} else {
			d.log.Debugf("gateway %s reports external address %s", gw, ip)
		}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}
	d.current = id
	h := d.handler
	d.mu.Unlock()

	if previous != "" {
		d.log.Infof("gateway %s gone", previous)
		h.DeviceUnavailable(previous)
	}
	if id != "" {
		d.log.Infof("found gateway %s", id)
		h.DeviceAvailable(id, svc)
	}
}
