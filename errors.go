// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package igd

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimedOut is reported when a gateway does not answer an
	// AddPortMapping request within the request timeout.
	ErrRequestTimedOut = errors.New("igd: timeout while mapping port")

	// ErrInvalidProtocol is returned for protocols other than TCP and UDP.
	ErrInvalidProtocol = errors.New("igd: protocol must be TCP or UDP")

	// ErrInvalidLocalIP is returned when a mapping has no local address.
	ErrInvalidLocalIP = errors.New("igd: local IP must not be empty")

	// ErrMappingExists is returned when a mapping with the same protocol and
	// external port is already registered.
	ErrMappingExists = errors.New("igd: mapping already exists")

	// ErrMappingNotFound is returned when removing an unknown mapping.
	ErrMappingNotFound = errors.New("igd: mapping not found")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("igd: client closed")

	errInvalidRequestTimeout = errors.New("igd: request timeout must be positive")
	errNilScheduler          = errors.New("igd: scheduler must not be nil")
	errNilLoggerFactory      = errors.New("igd: logger factory must not be nil")
	errNilPortStrategy       = errors.New("igd: port strategy must not be nil")
)

// RPCError wraps a failure returned by a gateway action.
type RPCError struct {
	// Action is the name of the gateway action, e.g. "AddPortMapping".
	Action string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("igd: %s failed: %v", e.Action, e.Err)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}
