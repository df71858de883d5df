// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pion/igd"
)

var (
	errNoPorts         = errors.New("no ports configured")
	errNoDiscovery     = errors.New("both upnp and natpmp are disabled")
	errInvalidLease    = errors.New("lease must be a non-negative whole number of seconds")
	errMissingPort     = errors.New("external and local port are required")
	errInvalidDuration = errors.New("durations must not be negative")
)

type portConfig struct {
	Protocol     string        `yaml:"protocol"`
	ExternalPort uint16        `yaml:"external_port"`
	LocalIP      string        `yaml:"local_ip"`
	LocalPort    uint16        `yaml:"local_port"`
	Lease        time.Duration `yaml:"lease"` // 0 asks for a permanent mapping
	Description  string        `yaml:"description"`
}

type config struct {
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	RequestTimeout         time.Duration `yaml:"request_timeout"`
	RPCTimeout             time.Duration `yaml:"rpc_timeout"`
	ExternalIPPollInterval time.Duration `yaml:"external_ip_poll_interval"`

	UPnP struct {
		Enabled        bool          `yaml:"enabled"`
		SearchInterval time.Duration `yaml:"search_interval"`
		DisableMonitor bool          `yaml:"disable_monitor"`
	} `yaml:"upnp"`

	NATPMP struct {
		Enabled       bool          `yaml:"enabled"`
		CheckInterval time.Duration `yaml:"check_interval"`
	} `yaml:"natpmp"`

	Ports []portConfig `yaml:"ports"`
}

func defaultConfig() *config {
	cfg := &config{
		LogLevel:               "info",
		RequestTimeout:         5 * time.Second,
		RPCTimeout:             30 * time.Second,
		ExternalIPPollInterval: 5 * time.Minute,
	}
	cfg.UPnP.Enabled = true
	cfg.UPnP.SearchInterval = time.Minute
	cfg.NATPMP.Enabled = true
	cfg.NATPMP.CheckInterval = time.Minute

	return cfg
}

// loadConfig reads the YAML file at path on top of the defaults.
func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}

	return parseConfig(data)
}

func parseConfig(data []byte) (*config, error) {
	cfg := defaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *config) validate() error {
	for _, d := range []time.Duration{
		c.RequestTimeout, c.RPCTimeout, c.ExternalIPPollInterval,
		c.UPnP.SearchInterval, c.NATPMP.CheckInterval,
	} {
		if d < 0 {
			return errInvalidDuration
		}
	}

	if !c.UPnP.Enabled && !c.NATPMP.Enabled {
		return errNoDiscovery
	}
	if len(c.Ports) == 0 {
		return errNoPorts
	}

	for i, p := range c.Ports {
		if _, err := igd.ParseProtocol(p.Protocol); err != nil {
			return fmt.Errorf("ports[%d]: %w", i, err)
		}
		if net.ParseIP(p.LocalIP).To4() == nil {
			return fmt.Errorf("ports[%d]: %w", i, igd.ErrInvalidLocalIP)
		}
		if p.ExternalPort == 0 || p.LocalPort == 0 {
			return fmt.Errorf("ports[%d]: %w", i, errMissingPort)
		}
		if p.Lease < 0 || p.Lease%time.Second != 0 || p.Lease/time.Second > math.MaxUint32 {
			return fmt.Errorf("ports[%d]: %w", i, errInvalidLease)
		}
	}

	return nil
}

func (p portConfig) leaseSeconds() uint32 {
	return uint32(p.Lease / time.Second)
}
