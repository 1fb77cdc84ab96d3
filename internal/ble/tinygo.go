package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux addresses are MAC
// addresses (BlueZ); on macOS they are CoreBluetooth UUIDs.
//
// Characteristic writes are platform specific: see tinygo_write.go and
// tinygo_linux.go.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by normalized address
}

// NewTinyGoAdapter creates an adapter backed by the system default BLE adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the adapter. Repeated calls return the first result.
func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = fmt.Errorf("ble: enable adapter: %w", err)
			return
		}

		// tinygo/bluetooth reports peripheral disconnects through one
		// adapter-level handler; route them to the owning connection.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := NormalizeAddress(device.Address.String())
			a.mu.Lock()
			conn, ok := a.connections[id]
			if ok {
				delete(a.connections, id)
			}
			a.mu.Unlock()
			if ok {
				conn.fireDisconnect()
			}
		})
	})
	return a.enableErr
}

func (a *TinyGoAdapter) Scan(ctx context.Context, handler func(Advertisement)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		mfg := result.ManufacturerData()
		adv := Advertisement{
			Address:          NormalizeAddress(result.Address.String()),
			LocalName:        result.LocalName(),
			RSSI:             int(result.RSSI),
			ManufacturerData: make([]ManufacturerData, 0, len(mfg)),
			Time:             time.Now(),
		}
		for _, el := range mfg {
			adv.ManufacturerData = append(adv.ManufacturerData, ManufacturerData{
				CompanyID: el.CompanyID,
				Data:      append([]byte(nil), el.Data...),
			})
		}
		handler(adv)
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, params)
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect cannot be interrupted. If it succeeds after
		// we gave up, tear the link down so it does not outlive the caller.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		device := result.device
		conn := &tinyGoConnection{device: &device}

		a.mu.Lock()
		a.connections[NormalizeAddress(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	want, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	for _, svc := range svcs {
		// Services that lack the characteristic report an error; keep looking.
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{want})
		if err != nil || len(chars) == 0 {
			continue
		}
		return newCharacteristic(c.device.Address.String(), &chars[0])
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.disconnectCb = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}
