// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package upnp finds UPnP Internet Gateway Devices and exposes their
// WANIPConnection or WANPPPConnection service as an igd.Service.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/dcps/internetgateway2"

	"github.com/pion/igd"
)

var errNoConnectionService = errors.New("upnp: device offers no WAN connection service")

// connectionClient is the subset of the goupnp WAN connection clients used
// here. WANIPConnection1, WANIPConnection2 and WANPPPConnection1 implement it.
type connectionClient interface {
	GetExternalIPAddressCtx(ctx context.Context) (NewExternalIPAddress string, err error)

	AddPortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
		NewInternalPort uint16,
		NewInternalClient string,
		NewEnabled bool,
		NewPortMappingDescription string,
		NewLeaseDuration uint32,
	) (err error)

	DeletePortMappingCtx(
		ctx context.Context,
		NewRemoteHost string,
		NewExternalPort uint16,
		NewProtocol string,
	) (err error)
}

// Service is the WAN connection service of one gateway.
type Service struct {
	client connectionClient
	kind   string
}

var _ igd.Service = (*Service)(nil)

// Kind names the connection service in use, e.g. "WANIPConnection2".
func (s *Service) Kind() string {
	return s.kind
}

// GetExternalIPAddress implements igd.Service.
func (s *Service) GetExternalIPAddress(ctx context.Context) (string, error) {
	return s.client.GetExternalIPAddressCtx(ctx)
}

// AddPortMapping implements igd.Service.
func (s *Service) AddPortMapping(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
	internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32,
) error {
	return s.client.AddPortMappingCtx(ctx, remoteHost, externalPort, protocol,
		internalPort, internalClient, enabled, description, leaseDuration)
}

// DeletePortMapping implements igd.Service.
func (s *Service) DeletePortMapping(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error {
	return s.client.DeletePortMappingCtx(ctx, remoteHost, externalPort, protocol)
}

type serviceFactory struct {
	kind    string
	target  string
	clients func(root *goupnp.RootDevice, loc *url.URL) ([]connectionClient, error)
}

func asClients[T connectionClient](clients []T, err error) ([]connectionClient, error) {
	out := make([]connectionClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}

	return out, err
}

// serviceFactories lists the connection services in order of preference.
// The version 1 services share their URN between IGDv1 and IGDv2 devices.
var serviceFactories = []serviceFactory{ //nolint:gochecknoglobals
	{
		kind:   "WANIPConnection2",
		target: internetgateway2.URN_WANIPConnection_2,
		clients: func(root *goupnp.RootDevice, loc *url.URL) ([]connectionClient, error) {
			return asClients(internetgateway2.NewWANIPConnection2ClientsFromRootDevice(root, loc))
		},
	},
	{
		kind:   "WANIPConnection1",
		target: internetgateway2.URN_WANIPConnection_1,
		clients: func(root *goupnp.RootDevice, loc *url.URL) ([]connectionClient, error) {
			return asClients(internetgateway2.NewWANIPConnection1ClientsFromRootDevice(root, loc))
		},
	},
	{
		kind:   "WANPPPConnection1",
		target: internetgateway2.URN_WANPPPConnection_1,
		clients: func(root *goupnp.RootDevice, loc *url.URL) ([]connectionClient, error) {
			return asClients(internetgateway2.NewWANPPPConnection1ClientsFromRootDevice(root, loc))
		},
	},
}

// NewService picks the preferred WAN connection service of a gateway.
func NewService(root *goupnp.RootDevice, loc *url.URL) (*Service, error) {
	for _, f := range serviceFactories {
		clients, err := f.clients(root, loc)
		if err != nil || len(clients) == 0 {
			continue
		}

		return &Service{client: clients[0], kind: f.kind}, nil
	}

	return nil, fmt.Errorf("%w: %s", errNoConnectionService, root.Device.FriendlyName)
}
