//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// tinyGoCharacteristic writes through tinygo's own write request support.
type tinyGoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func newCharacteristic(_ string, char *bluetooth.DeviceCharacteristic) (Characteristic, error) {
	return &tinyGoCharacteristic{char: char}, nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

func (c *tinyGoCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
