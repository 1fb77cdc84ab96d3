// Package ble provides BLE access for Gira System 3000 devices: a transport
// abstraction over the host adapter, a scanner that tracks advertising
// devices, and the per-device command channel.
package ble

import (
	"context"
	"strings"
	"time"
)

// ManufacturerData is one vendor-specific element of an advertisement.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is one observed advertising packet.
type Advertisement struct {
	Address          string
	LocalName        string
	RSSI             int
	ManufacturerData []ManufacturerData
	Time             time.Time
}

// Manufacturer returns every manufacturer-data payload carried under companyID.
func (a Advertisement) Manufacturer(companyID uint16) [][]byte {
	var out [][]byte
	for _, md := range a.ManufacturerData {
		if md.CompanyID == companyID {
			out = append(out, md.Data)
		}
	}
	return out
}

// NormalizeAddress returns the canonical (upper-case, trimmed) form of a BLE
// address. All per-device maps are keyed by it.
func NormalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Characteristic represents a writable GATT characteristic.
type Characteristic interface {
	// Write sends data as a write request and waits for the device's acknowledgment.
	Write(data []byte) error
	// WriteWithoutResponse sends data as a write command; no acknowledgment is awaited.
	WriteWithoutResponse(data []byte) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID in any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan delivers every received advertisement to handler until ctx is
	// cancelled. handler is called from a single goroutine.
	Scan(ctx context.Context, handler func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
