// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package natpmp exposes the default gateway as an igd.Service when it
// speaks NAT-PMP (RFC 6886).
package natpmp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	pmp "github.com/jackpal/go-nat-pmp"

	"github.com/pion/igd"
)

// permanentLifetime is requested for leases of zero, which NAT-PMP would
// read as a deletion. Gateways clamp it to their own maximum.
const permanentLifetime = math.MaxInt32

var (
	errRemoteHostUnsupported = errors.New("natpmp: remote host filtering is not supported")
	errDisabledUnsupported   = errors.New("natpmp: disabled mappings are not supported")
	errUnsupportedProtocol   = errors.New("natpmp: unsupported protocol")
	errPortMismatch          = errors.New("natpmp: gateway assigned a different external port")
	errUnknownMapping        = errors.New("natpmp: no mapping created for this port")
)

// pmpClient is implemented by *pmp.Client.
type pmpClient interface {
	GetExternalAddress() (*pmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort, lifetime int) (*pmp.AddPortMappingResult, error)
}

type portKey struct {
	protocol string
	external uint16
}

// Service speaks NAT-PMP to one gateway. Requests are serialised. NAT-PMP
// always maps to the requesting host, so the internal client argument of
// AddPortMapping is informational.
type Service struct {
	client pmpClient
	sem    chan struct{}

	mu       sync.Mutex
	internal map[portKey]int
}

var _ igd.Service = (*Service)(nil)

// NewService creates a Service talking to the NAT-PMP server at gateway. Each
// request is retried until timeout.
func NewService(gateway net.IP, timeout time.Duration) *Service {
	return newService(pmp.NewClientWithTimeout(gateway, timeout))
}

func newService(client pmpClient) *Service {
	return &Service{
		client:   client,
		sem:      make(chan struct{}, 1),
		internal: map[portKey]int{},
	}
}

// do runs f once the previous request finished, returning early when ctx
// ends. The request itself is bounded by the client's own timeout.
func (s *Service) do(ctx context.Context, f func() error) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-s.sem }()
		done <- f()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetExternalIPAddress implements igd.Service.
func (s *Service) GetExternalIPAddress(ctx context.Context) (string, error) {
	var ip net.IP
	err := s.do(ctx, func() error {
		res, err := s.client.GetExternalAddress()
		if err != nil {
			return err
		}
		ip = net.IP(res.ExternalIPAddress[:])

		return nil
	})
	if err != nil {
		return "", err
	}

	return ip.String(), nil
}

// AddPortMapping implements igd.Service.
func (s *Service) AddPortMapping(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
	internalPort uint16, _ string, enabled bool, _ string, leaseDuration uint32,
) error {
	switch {
	case remoteHost != "":
		return errRemoteHostUnsupported
	case !enabled:
		return errDisabledUnsupported
	}
	proto, err := parseProtocol(protocol)
	if err != nil {
		return err
	}

	lifetime := int(leaseDuration)
	if leaseDuration == 0 || leaseDuration > permanentLifetime {
		lifetime = permanentLifetime
	}

	return s.do(ctx, func() error {
		res, err := s.client.AddPortMapping(proto, int(internalPort), int(externalPort), lifetime)
		if err != nil {
			return err
		}

		if res.MappedExternalPort != externalPort {
			// Release the port we did not ask for.
			_, _ = s.client.AddPortMapping(proto, int(internalPort), 0, 0)

			return fmt.Errorf("%w: wanted %d, got %d", errPortMismatch, externalPort, res.MappedExternalPort)
		}

		s.mu.Lock()
		s.internal[portKey{proto, externalPort}] = int(internalPort)
		s.mu.Unlock()

		return nil
	})
}

// DeletePortMapping implements igd.Service. NAT-PMP deletes by internal
// port, so only mappings created through this Service can be deleted.
func (s *Service) DeletePortMapping(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error {
	if remoteHost != "" {
		return errRemoteHostUnsupported
	}
	proto, err := parseProtocol(protocol)
	if err != nil {
		return err
	}

	key := portKey{proto, externalPort}
	s.mu.Lock()
	internalPort, ok := s.internal[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s %d", errUnknownMapping, protocol, externalPort)
	}

	return s.do(ctx, func() error {
		if _, err := s.client.AddPortMapping(proto, internalPort, 0, 0); err != nil {
			return err
		}

		s.mu.Lock()
		delete(s.internal, key)
		s.mu.Unlock()

		return nil
	})
}

func parseProtocol(protocol string) (string, error) {
	switch p := strings.ToLower(protocol); p {
	case "udp", "tcp":
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedProtocol, protocol)
	}
}
