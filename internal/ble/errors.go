package ble

import "errors"

var (
	// ErrCommandFailed wraps every failure surfaced by Channel.Send.
	ErrCommandFailed = errors.New("ble: command failed")

	// ErrDeviceNotFound means the scanner has no recent advertisement for the address.
	ErrDeviceNotFound = errors.New("ble: device not found")

	// ErrTransport covers connect, discovery and write failures, including timeouts.
	ErrTransport = errors.New("ble: transport failure")

	// ErrClosed is returned for sends on a device binding that has been torn down.
	ErrClosed = errors.New("ble: channel closed")
)
