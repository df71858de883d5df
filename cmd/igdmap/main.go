// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Command igdmap keeps a set of port mappings alive on every Internet Gateway
// Device of the local network.
//
// Usage:
//
//	igdmap -config igdmap.yaml [-log-level debug] [-metrics-addr :9100]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/pion/igd"
	"github.com/pion/igd/loop"
	"github.com/pion/igd/natpmp"
	"github.com/pion/igd/upnp"
)

const (
	pruneInterval          = time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

var (
	configFile  = flag.String("config", "igdmap.yaml", "path of the YAML configuration")
	logLevel    = flag.String("log-level", "", "log level, overrides log_level")
	metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address, overrides metrics_addr")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "igdmap: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	log, err := newZapLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	factory := &zapLoggerFactory{base: log}

	l := loop.New(loop.Config{LoggerFactory: factory})
	defer func() { err = multierr.Append(err, l.Close()) }()

	client, err := igd.NewClient(
		igd.WithScheduler(l),
		igd.WithLoggerFactory(factory),
		igd.WithRequestTimeout(cfg.RequestTimeout),
		igd.WithRPCTimeout(cfg.RPCTimeout),
		igd.WithExternalIPPollInterval(cfg.ExternalIPPollInterval),
	)
	if err != nil {
		return err
	}

	discoveries, err := newDiscoveries(cfg, l, factory)
	if err != nil {
		return err
	}

	m := newMetrics()
	ctx := context.Background()
	var (
		setupErr error
		pruner   loop.Timer
	)
	if err := l.Do(ctx, func() {
		client.OnEvent(m.observe)
		client.OnEvent(func(e igd.Event) { logEvent(log, e) })
		pruner = l.EveryFunc(pruneInterval, func() { m.prune(client.Devices()) })

		for _, d := range discoveries {
			if setupErr = client.AddDiscovery(d); setupErr != nil {
				return
			}
		}
		for _, p := range cfg.Ports {
			setupErr = client.AddPort(p.Protocol, p.ExternalPort, p.LocalIP, p.LocalPort, p.leaseSeconds(), p.Description)
			if setupErr != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	if setupErr == nil && cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() { err = multierr.Append(err, srv.Close()) }()
	}

	if setupErr == nil {
		log.Info("started", zap.Int("ports", len(cfg.Ports)), zap.Int("discoveries", len(discoveries)))
		waitForSignal()
		log.Info("shutting down")
	}

	var closeErr error
	drained := make(chan struct{})
	if err := l.Do(ctx, func() {
		pruner.Stop()
		closeErr = client.Close()
		m.prune(nil)
		client.OnDrained(func() { close(drained) })
	}); err != nil {
		return err
	}

	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	waitDrained(log, drained, timeout)

	return multierr.Combine(setupErr, closeErr)
}

// waitDrained gives the deletions started by Close up to timeout to finish.
// Mappings still in place afterwards expire with their lease.
func waitDrained(log *zap.Logger, drained <-chan struct{}, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		log.Warn("gave up waiting for port mappings to be deleted", zap.Duration("timeout", timeout))
	}
}

func newDiscoveries(cfg *config, l *loop.Loop, factory *zapLoggerFactory) ([]igd.Discovery, error) {
	var discoveries []igd.Discovery

	if cfg.UPnP.Enabled {
		d, err := upnp.NewDiscovery(upnp.Config{
			Clock:          l.Clock(),
			SearchInterval: cfg.UPnP.SearchInterval,
			DisableMonitor: cfg.UPnP.DisableMonitor,
			LoggerFactory:  factory,
		})
		if err != nil {
			return nil, err
		}
		discoveries = append(discoveries, d)
	}

	if cfg.NATPMP.Enabled {
		discoveries = append(discoveries, natpmp.NewDiscovery(natpmp.Config{
			Clock:         l.Clock(),
			CheckInterval: cfg.NATPMP.CheckInterval,
			LoggerFactory: factory,
		}))
	}

	return discoveries, nil
}

func logEvent(log *zap.Logger, e igd.Event) {
	device := zap.String("device", string(e.DeviceID()))

	switch e := e.(type) {
	case igd.NewExternalIPEvent:
		log.Info("external address", device, zap.String("ip", e.IP))
	case igd.MappedExternalPortEvent:
		fields := []zap.Field{
			device,
			zap.String("protocol", string(e.Protocol)),
			zap.String("external", net.JoinHostPort(e.ExternalIP, strconv.Itoa(int(e.ExternalPort)))),
			zap.String("local", net.JoinHostPort(e.LocalIP, strconv.Itoa(int(e.LocalPort)))),
			zap.String("description", e.Description),
		}
		if e.PreviousExternalIP != "" {
			fields = append(fields, zap.String("previous_ip", e.PreviousExternalIP))
		}
		log.Info("port mapped", fields...)
	case igd.ErrorMappingPortEvent:
		log.Warn("port mapping failed", device,
			zap.String("protocol", string(e.Protocol)),
			zap.Uint16("external_port", e.ExternalPort),
			zap.String("description", e.Description),
			zap.Error(e.Err))
	case igd.ErrorEvent:
		log.Warn("gateway error", device, zap.Error(e.Err))
	}
}

func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}
