// Package device binds configured Gira devices to the BLE layer. A binding
// owns the device's listener, its command path and its externally visible
// state, and reports every state change to the registered sinks.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/listener"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

var (
	// ErrNotSent is returned when a command was rejected before transmission,
	// for example because its value is out of range. Availability is not affected.
	ErrNotSent = errors.New("device: command not sent")

	ErrNotBound     = errors.New("device: not bound")
	ErrAlreadyBound = errors.New("device: already bound")
	ErrClosed       = errors.New("device: manager closed")
)

// HVACModeHeat is the only mode the thermostat reports.
const HVACModeHeat = "heat"

// Binding is what the host supplies when binding a device.
type Binding struct {
	Address string
	Name    string
	Profile protocol.Profile
}

// DefaultName returns the name used when a binding has none, built from the
// last two address octets.
func DefaultName(profile protocol.Profile, address string) string {
	suffix := address
	if len(suffix) > 5 {
		suffix = suffix[len(suffix)-5:]
	}
	suffix = strings.ReplaceAll(suffix, ":", "")
	if profile == protocol.ProfileClimate {
		return "Gira Thermostat " + suffix
	}
	return "Gira Shutter " + suffix
}

// State is a snapshot of a bound device.
type State struct {
	Address   string           `json:"address"`
	Name      string           `json:"name"`
	Profile   protocol.Profile `json:"profile"`
	Available bool             `json:"available"`

	// Cover
	Position *int `json:"position,omitempty"`
	Opening  bool `json:"opening,omitempty"`
	Closing  bool `json:"closing,omitempty"`

	// Climate
	CurrentTemperature *float64 `json:"current_temperature,omitempty"`
	TargetTemperature  *float64 `json:"target_temperature,omitempty"`
	HVACMode           string   `json:"hvac_mode,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Change is passed to sinks whenever a device's state changes.
type Change struct {
	State State
	// Reading is set when a broadcast reading caused the change.
	Reading *throttle.Update
	// Removed is set once, when the binding is torn down.
	Removed bool
}

// StateSink receives device state changes. Calls for one device are
// serialized and arrive in order.
type StateSink interface {
	DeviceChanged(Change)
}

// Commander delivers command frames. *ble.Channel implements it.
type Commander interface {
	Send(ctx context.Context, address string, frame []byte) error
	Close(address string)
}

// Subscriber delivers scanner events for one address. *ble.Scanner implements it.
type Subscriber interface {
	Subscribe(address string, handler ble.ScanHandler) func()
}

// Device is the profile-independent view of a binding.
type Device interface {
	Address() string
	Name() string
	Profile() protocol.Profile
	State() State
}

// binding is the state shared by Cover and Climate.
type binding struct {
	address string
	name    string
	profile protocol.Profile

	commander Commander
	listener  *listener.Listener
	now       func() time.Time

	mu        sync.Mutex
	state     State
	reachable bool // last availability reported by the listener
	commandOK bool

	// notifyMu keeps snapshots and queue pushes in the same order.
	notifyMu sync.Mutex
	queue    *changeQueue // nil without a notify func

	unsubscribe []func()
	teardown    sync.Once
}

func newBinding(b Binding, commander Commander, l *listener.Listener, notify func(Change), now func() time.Time) *binding {
	d := &binding{
		address:   b.Address,
		name:      b.Name,
		profile:   b.Profile,
		commander: commander,
		listener:  l,
		now:       now,
		reachable: true,
		commandOK: true,
	}
	d.state = State{
		Address:   b.Address,
		Name:      b.Name,
		Profile:   b.Profile,
		Available: true,
		UpdatedAt: now(),
	}
	if b.Profile == protocol.ProfileClimate {
		d.state.HVACMode = HVACModeHeat
	}
	if notify != nil {
		d.queue = newChangeQueue(notify)
	}
	return d
}

func (d *binding) Address() string           { return d.address }
func (d *binding) Name() string              { return d.name }
func (d *binding) Profile() protocol.Profile { return d.profile }

func (d *binding) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

func (d *binding) snapshotLocked() State {
	s := d.state
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	if s.CurrentTemperature != nil {
		v := *s.CurrentTemperature
		s.CurrentTemperature = &v
	}
	if s.TargetTemperature != nil {
		v := *s.TargetTemperature
		s.TargetTemperature = &v
	}
	return s
}

// update applies fn to the state under lock and queues the result for the
// sinks.
func (d *binding) update(reading *throttle.Update, fn func(s *State)) {
	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()

	d.mu.Lock()
	fn(&d.state)
	d.state.Available = d.reachable && d.commandOK
	d.state.UpdatedAt = d.now()
	snap := d.snapshotLocked()
	d.mu.Unlock()

	if d.queue != nil {
		d.queue.push(Change{State: snap, Reading: reading})
	}
}

// flush waits until queued changes have reached the sinks.
func (d *binding) flush() {
	if d.queue != nil {
		d.queue.flush()
	}
}

// applyReading stores a reading in s.
func applyReading(s *State, kind protocol.Kind, value float64) {
	switch kind {
	case protocol.KindCoverPosition:
		p := int(value)
		// End stops and an unchanged heartbeat both mean the motor is idle.
		if p == 0 || p == 100 || (s.Position != nil && *s.Position == p) {
			s.Opening, s.Closing = false, false
		}
		s.Position = &p
	case protocol.KindCurrentTemperature:
		s.CurrentTemperature = &value
	case protocol.KindTargetTemperature:
		s.TargetTemperature = &value
	}
}

// handleEvent is the listener subscription.
func (d *binding) handleEvent(ev listener.Event) {
	switch ev.Type {
	case listener.EventReading:
		u := ev.Update
		d.update(&u, func(s *State) { applyReading(s, u.Kind, u.Value) })
	case listener.EventAvailability:
		if !ev.Available {
			slog.Warn("device unavailable", "address", d.address, "name", d.name)
		} else {
			slog.Info("device available", "address", d.address, "name", d.name)
		}
		d.mu.Lock()
		d.reachable = ev.Available
		d.mu.Unlock()
		d.update(nil, func(*State) {})
	}
}

// restore seeds the state with previously persisted readings.
func (d *binding) restore(updates []throttle.Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range updates {
		applyReading(&d.state, u.Kind, u.Value)
		if u.Time.After(d.state.UpdatedAt) {
			d.state.UpdatedAt = u.Time
		}
	}
}

// send transmits frame. A failure downgrades availability until the next
// successful command; onSuccess runs under the state lock.
func (d *binding) send(ctx context.Context, command string, frame []byte, onSuccess func(s *State)) error {
	err := d.commander.Send(ctx, d.address, frame)
	if err != nil {
		slog.Error("command failed", "address", d.address, "command", command, "error", err)
		d.mu.Lock()
		d.commandOK = false
		d.mu.Unlock()
		d.update(nil, func(*State) {})
		return fmt.Errorf("device: %s %s: %w", command, d.address, err)
	}
	slog.Info("command sent", "address", d.address, "command", command)

	d.mu.Lock()
	d.commandOK = true
	d.mu.Unlock()
	d.update(nil, func(s *State) {
		if onSuccess != nil {
			onSuccess(s)
		}
	})
	return nil
}

// notSent wraps an encoding failure.
func notSent(command string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrNotSent, command, err)
}

// discard releases a binding that was never registered. Its listener
// shares throttle state with any live binding of the address, so it is left
// alone.
func (d *binding) discard() {
	if d.queue != nil {
		d.queue.close()
	}
}

// close tears the binding down exactly once.
func (d *binding) close() {
	d.teardown.Do(func() {
		for _, unsub := range d.unsubscribe {
			unsub()
		}
		d.listener.Close()
		d.commander.Close(d.address)

		d.notifyMu.Lock()
		defer d.notifyMu.Unlock()
		d.mu.Lock()
		d.state.Available = false
		snap := d.snapshotLocked()
		d.mu.Unlock()
		if d.queue != nil {
			d.queue.push(Change{State: snap, Removed: true})
			d.queue.close()
		}
	})
}
