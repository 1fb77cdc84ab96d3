//go:build linux

package ble

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

// tinygo's BlueZ backend only offers write commands, so on Linux the
// characteristic is written through org.bluez.GattCharacteristic1 directly,
// choosing the write type per call.
const (
	bluezBusName         = "org.bluez"
	bluezCharInterface   = "org.bluez.GattCharacteristic1"
	bluezWriteValue      = bluezCharInterface + ".WriteValue"
	objectManagerObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type bluezCharacteristic struct {
	obj dbus.BusObject
}

func newCharacteristic(address string, char *bluetooth.DeviceCharacteristic) (Characteristic, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: system bus: %w", err)
	}

	objects := make(managedObjects)
	if err := conn.Object(bluezBusName, "/").Call(objectManagerObjects, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: get managed objects: %w", err)
	}

	path, ok := findCharacteristicPath(objects, address, char.UUID().String())
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s of %s not found on bus", char.UUID(), address)
	}
	return &bluezCharacteristic{obj: conn.Object(bluezBusName, path)}, nil
}

// findCharacteristicPath returns the object path of the characteristic with
// uuid below the BlueZ device object for address, on any adapter.
func findCharacteristicPath(objects managedObjects, address, uuid string) (dbus.ObjectPath, bool) {
	devicePart := "/dev_" + strings.ReplaceAll(NormalizeAddress(address), ":", "_") + "/"
	for path, ifaces := range objects {
		if !strings.Contains(string(path), devicePart) {
			continue
		}
		props, ok := ifaces[bluezCharInterface]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
			return path, true
		}
	}
	return "", false
}

func writeOptions(kind string) map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant(kind)}
}

// Write sends a write request; BlueZ returns once the device acknowledged it.
func (c *bluezCharacteristic) Write(data []byte) error {
	return c.obj.Call(bluezWriteValue, 0, data, writeOptions("request")).Err
}

func (c *bluezCharacteristic) WriteWithoutResponse(data []byte) error {
	return c.obj.Call(bluezWriteValue, 0, data, writeOptions("command")).Err
}
