// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package upnp

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/huin/goupnp"
	"github.com/koron/go-ssdp"
	"github.com/pion/logging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/pion/igd"
)

const (
	defaultSearchInterval       = time.Minute
	defaultSearchTimeout        = 3 * time.Second
	defaultDescriptionCacheSize = 16
)

var (
	errAlreadyStarted = errors.New("upnp: discovery already started")
	errClosed         = errors.New("upnp: discovery closed")
)

// Config configures a Discovery.
type Config struct {
	// Clock drives the periodic search. Defaults to the wall clock.
	Clock clock.Clock

	// SearchInterval is the period between two M-SEARCH rounds.
	SearchInterval time.Duration

	// SearchTimeout bounds one search round and every description fetch.
	SearchTimeout time.Duration

	// ExpireAfter is how long a gateway may stay silent before it is
	// reported unavailable. Defaults to three search intervals.
	ExpireAfter time.Duration

	// DescriptionCacheSize is the number of parsed device descriptions
	// kept by location.
	DescriptionCacheSize int

	// DisableMonitor turns off listening for ssdp:alive and ssdp:byebye
	// notifications.
	DisableMonitor bool

	LoggerFactory logging.LoggerFactory
}

// found is a gateway located by a search or a notification.
type found struct {
	id       igd.DeviceID
	location string
	svc      igd.Service
}

type entry struct {
	location string
	lastSeen time.Time
}

// Discovery reports UPnP Internet Gateway Devices on the local network. It
// combines periodic M-SEARCH rounds with the NOTIFY messages gateways
// multicast on their own.
type Discovery struct {
	config Config
	log    logging.LeveledLogger
	roots  *lru.Cache[string, *goupnp.RootDevice]

	search       func(ctx context.Context) ([]found, error)
	resolve      func(ctx context.Context, location string) (found, error)
	startMonitor func(alive ssdp.AliveHandler, bye ssdp.ByeHandler) (io.Closer, error)

	mu        sync.Mutex
	handler   igd.DiscoveryHandler
	devices   map[igd.DeviceID]*entry
	resolving map[string]struct{}
	monitor   io.Closer
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	closed    bool
	wg        sync.WaitGroup
}

var _ igd.Discovery = (*Discovery)(nil)

// NewDiscovery creates a Discovery. Nothing is sent until Start.
func NewDiscovery(config Config) (*Discovery, error) {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.SearchInterval <= 0 {
		config.SearchInterval = defaultSearchInterval
	}
	if config.SearchTimeout <= 0 {
		config.SearchTimeout = defaultSearchTimeout
	}
	if config.ExpireAfter <= 0 {
		config.ExpireAfter = 3 * config.SearchInterval
	}
	if config.DescriptionCacheSize <= 0 {
		config.DescriptionCacheSize = defaultDescriptionCacheSize
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	roots, err := lru.New[string, *goupnp.RootDevice](config.DescriptionCacheSize)
	if err != nil {
		return nil, err
	}

	d := &Discovery{
		config:    config,
		log:       config.LoggerFactory.NewLogger("upnp"),
		roots:     roots,
		devices:   map[igd.DeviceID]*entry{},
		resolving: map[string]struct{}{},
	}
	d.search = d.searchGateways
	d.resolve = d.resolveLocation
	d.startMonitor = startSSDPMonitor

	return d, nil
}

// Start implements igd.Discovery. The first search runs in the background.
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
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if !d.config.DisableMonitor {
		monitor, err := d.startMonitor(d.onAlive, d.onBye)
		if err != nil {
			// Searching alone still finds gateways.
			d.log.Warnf("failed to listen for SSDP notifications: %v", err)
		} else {
			d.monitor = monitor
		}
	}

	ticker := d.config.Clock.Ticker(d.config.SearchInterval)

	d.wg.Add(1)
	go d.run(d.ctx, ticker)

	return nil
}

// Close implements igd.Discovery. No handler method is called once Close
// has returned.
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
	monitor := d.monitor
	d.monitor = nil
	d.mu.Unlock()

	var err error
	if monitor != nil {
		err = multierr.Append(err, monitor.Close())
	}
	d.wg.Wait()

	return err
}

func (d *Discovery) run(ctx context.Context, ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()

	d.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.refresh(ctx)
		}
	}
}

// refresh runs one search round, then forgets the gateways that stayed
// silent for too long.
func (d *Discovery) refresh(ctx context.Context) {
	searchCtx, cancel := context.WithTimeout(ctx, d.config.SearchTimeout)
	results, err := d.search(searchCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		d.log.Warnf("gateway search failed: %v", err)
	}

	now := d.config.Clock.Now()
	for _, f := range results {
		d.announce(f, now)
	}
	d.expire(now)
}

func (d *Discovery) announce(f found, now time.Time) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}
	if e, ok := d.devices[f.id]; ok {
		e.lastSeen = now
		d.mu.Unlock()

		return
	}
	d.devices[f.id] = &entry{location: f.location, lastSeen: now}
	h := d.handler
	d.mu.Unlock()

	d.log.Infof("found gateway %s at %s", f.id, f.location)
	h.DeviceAvailable(f.id, f.svc)
}

func (d *Discovery) expire(now time.Time) {
	d.mu.Lock()
	var gone []igd.DeviceID
	for id, e := range d.devices {
		if now.Sub(e.lastSeen) > d.config.ExpireAfter {
			gone = append(gone, id)
			delete(d.devices, id)
			d.roots.Remove(e.location)
		}
	}
	h := d.handler
	d.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		d.log.Infof("gateway %s expired", id)
		h.DeviceUnavailable(id)
	}
}

func (d *Discovery) onAlive(m *ssdp.AliveMessage) {
	if !isGatewayType(m.Type) || m.Location == "" {
		return
	}

	id := deviceIDFromUSN(m.USN)
	now := d.config.Clock.Now()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}
	if e, ok := d.devices[id]; ok {
		e.lastSeen = now
		d.mu.Unlock()

		return
	}
	if _, ok := d.resolving[m.Location]; ok {
		d.mu.Unlock()

		return
	}
	d.resolving[m.Location] = struct{}{}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()

	go func(location string) {
		defer d.wg.Done()

		resolveCtx, cancel := context.WithTimeout(ctx, d.config.SearchTimeout)
		f, err := d.resolve(resolveCtx, location)
		cancel()

		d.mu.Lock()
		delete(d.resolving, location)
		d.mu.Unlock()

		if err != nil {
			d.log.Debugf("ignoring announcement from %s: %v", location, err)

			return
		}
		d.announce(f, d.config.Clock.Now())
	}(m.Location)
}

func (d *Discovery) onBye(m *ssdp.ByeMessage) {
	if !isGatewayType(m.Type) {
		return
	}

	id := deviceIDFromUSN(m.USN)

	d.mu.Lock()
	e, ok := d.devices[id]
	if !ok || d.closed {
		d.mu.Unlock()

		return
	}
	delete(d.devices, id)
	d.roots.Remove(e.location)
	h := d.handler
	d.mu.Unlock()

	d.log.Infof("gateway %s said goodbye", id)
	h.DeviceUnavailable(id)
}

// searchTargets returns the distinct search targets of all supported
// connection services.
func searchTargets() []string {
	var targets []string
	seen := map[string]bool{}
	for _, f := range serviceFactories {
		if !seen[f.target] {
			seen[f.target] = true
			targets = append(targets, f.target)
		}
	}

	return targets
}

// searchGateways sends one M-SEARCH per target concurrently and collects the
// gateways that answered with a usable connection service.
func (d *Discovery) searchGateways(ctx context.Context) ([]found, error) {
	var (
		mu   sync.Mutex
		byID = map[igd.DeviceID]found{}
		g    errgroup.Group
	)

	for _, target := range searchTargets() {
		target := target
		g.Go(func() error {
			devices, err := goupnp.DiscoverDevicesCtx(ctx, target)
			if err != nil {
				return err
			}

			for _, dev := range devices {
				if dev.Err != nil {
					d.log.Debugf("skipping %s: %v", dev.Location, dev.Err)

					continue
				}

				location := dev.Location.String()
				d.roots.Add(location, dev.Root)

				id := DeviceID(dev.Root.Device.UDN)
				mu.Lock()
				_, known := byID[id]
				mu.Unlock()
				if known {
					continue
				}

				svc, err := NewService(dev.Root, dev.Location)
				if err != nil {
					d.log.Debugf("skipping %s: %v", location, err)

					continue
				}

				mu.Lock()
				byID[id] = found{id: id, location: location, svc: svc}
				mu.Unlock()
			}

			return nil
		})
	}
	err := g.Wait()

	results := make([]found, 0, len(byID))
	for _, f := range byID {
		results = append(results, f)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].id < results[j].id })

	return results, err
}

// resolveLocation fetches, or takes from the cache, the description at
// location and picks its connection service.
func (d *Discovery) resolveLocation(ctx context.Context, location string) (found, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return found{}, err
	}

	root, ok := d.roots.Get(location)
	if !ok {
		if root, err = goupnp.DeviceByURLCtx(ctx, loc); err != nil {
			return found{}, err
		}
		d.roots.Add(location, root)
	}

	svc, err := NewService(root, loc)
	if err != nil {
		return found{}, err
	}

	return found{id: DeviceID(root.Device.UDN), location: location, svc: svc}, nil
}

func startSSDPMonitor(alive ssdp.AliveHandler, bye ssdp.ByeHandler) (io.Closer, error) {
	m := &ssdp.Monitor{Alive: alive, Bye: bye}
	if err := m.Start(); err != nil {
		return nil, err
	}

	return m, nil
}
