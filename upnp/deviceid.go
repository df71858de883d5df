// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package upnp

import (
	"strings"

	"github.com/google/uuid"

	"github.com/pion/igd"
)

const gatewayDeviceTypePrefix = "urn:schemas-upnp-org:device:InternetGatewayDevice:"

// DeviceID returns the identifier of the device with the given UDN. UUID
// based UDNs are normalised so that differently cased announcements of the
// same device compare equal.
func DeviceID(udn string) igd.DeviceID {
	udn = strings.TrimSpace(udn)
	if u, err := uuid.Parse(strings.TrimPrefix(strings.ToLower(udn), "uuid:")); err == nil {
		return igd.DeviceID("uuid:" + u.String())
	}

	return igd.DeviceID(udn)
}

// deviceIDFromUSN extracts the device part of an SSDP unique service name,
// "uuid:<device>::<type>".
func deviceIDFromUSN(usn string) igd.DeviceID {
	if i := strings.Index(usn, "::"); i >= 0 {
		usn = usn[:i]
	}

	return DeviceID(usn)
}

// isGatewayType reports whether an SSDP notification type announces a
// gateway or one of its WAN connection services.
func isGatewayType(nt string) bool {
	if strings.HasPrefix(nt, gatewayDeviceTypePrefix) {
		return true
	}
	for _, f := range serviceFactories {
		if nt == f.target {
			return true
		}
	}

	return false
}
