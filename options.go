// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"time"

	"github.com/pion/logging"

	"github.com/pion/igd/loop"
)

const (
	defaultRequestTimeout = 5 * time.Second
	defaultRPCTimeout     = 30 * time.Second
	defaultPollInterval   = 5 * time.Minute
)

// Option configures a Client.
type Option func(*Client) error

// WithScheduler sets the scheduling domain the Client runs on. Without it
// the process wide loop.Default() is used.
func WithScheduler(s loop.Scheduler) Option {
	return func(c *Client) error {
		if s == nil {
			return errNilScheduler
		}
		c.sched = s

		return nil
	}
}

// WithRequestTimeout sets how long a gateway may take to answer the initial
// AddPortMapping request before the mapping is reported as failed. The
// default is 5 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errInvalidRequestTimeout
		}
		c.requestTimeout = d

		return nil
	}
}

// WithRPCTimeout bounds every action run against gateways added through a
// Discovery. Zero disables the bound. The default is 30 seconds.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.rpcTimeout = d

		return nil
	}
}

// WithExternalIPPollInterval sets how often gateways added through a
// Discovery are polled for external address changes. Zero disables polling.
// The default is 5 minutes.
func WithExternalIPPollInterval(d time.Duration) Option {
	return func(c *Client) error {
		c.pollInterval = d

		return nil
	}
}

// WithLoggerFactory sets the factory used to create the Client's loggers.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(c *Client) error {
		if f == nil {
			return errNilLoggerFactory
		}
		c.loggerFactory = f

		return nil
	}
}

// WithPortStrategy replaces the handling of AddPort and RemovePort. wrap
// receives the default strategy, which installs mappings in the Client, and
// returns the strategy to use instead. A strategy that never calls next
// keeps the Client off the network entirely.
func WithPortStrategy(wrap func(next PortStrategy) PortStrategy) Option {
	return func(c *Client) error {
		s := wrap(c.strategy)
		if s == nil {
			return errNilPortStrategy
		}
		c.strategy = s

		return nil
	}
}
