// Package listener routes scanner events for one bound device through the
// frame decoder and the broadcast throttle, and republishes what survives.
package listener

import (
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

// EventType distinguishes listener events.
type EventType int

const (
	// EventReading carries a throttled reading.
	EventReading EventType = iota
	// EventAvailability reports a change of the device's reachability.
	EventAvailability
)

// Event is delivered to listener subscribers.
type Event struct {
	Address   string
	Type      EventType
	Update    throttle.Update // EventReading only
	Available bool            // EventAvailability only
}

// Handler receives listener events. Events for one device arrive in order.
type Handler func(Event)

// Listener is bound to one device address and profile.
type Listener struct {
	address  string
	profile  protocol.Profile
	throttle *throttle.Throttle

	// dispatchMu serializes Handle so events keep arrival order.
	dispatchMu sync.Mutex
	available  bool
	closed     bool

	mu     sync.Mutex
	subs   map[uint64]Handler
	nextID uint64
}

// New creates a listener for address. The device starts out available.
func New(address string, profile protocol.Profile, t *throttle.Throttle) *Listener {
	return &Listener{
		address:   ble.NormalizeAddress(address),
		profile:   profile,
		throttle:  t,
		available: true,
		subs:      make(map[uint64]Handler),
	}
}

// Address returns the normalized address the listener is bound to.
func (l *Listener) Address() string { return l.address }

// Profile returns the profile used to decode broadcasts.
func (l *Listener) Profile() protocol.Profile { return l.profile }

// Subscribe registers h and returns a func that removes it.
func (l *Listener) Subscribe(h Handler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = h
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// Available reports whether the device is currently considered reachable
// by the scanner.
func (l *Listener) Available() bool {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	return l.available
}

// Handle processes one scanner event. It is the ble.ScanHandler for the
// bound address.
func (l *Listener) Handle(ev ble.ScanEvent) {
	if !strings.EqualFold(ev.Address, l.address) {
		return
	}

	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	if l.closed {
		return
	}

	switch ev.Type {
	case ble.EventUnavailable:
		l.available = false
		l.emit(Event{Address: l.address, Type: EventAvailability, Available: false})
	case ble.EventAdvertisement:
		if !l.available {
			l.available = true
			l.emit(Event{Address: l.address, Type: EventAvailability, Available: true})
		}
		l.handleAdvertisement(ev.Advertisement)
	}
}

func (l *Listener) handleAdvertisement(adv ble.Advertisement) {
	// Each manufacturer-data element is decoded on its own; a climate device
	// may carry current and target temperature in separate elements.
	for _, payload := range adv.Manufacturer(protocol.ManufacturerID) {
		readings, err := protocol.Decode(l.profile, payload)
		if err != nil {
			slog.Debug("[BLE] malformed broadcast", "address", l.address, "payload", hex.EncodeToString(payload), "error", err)
		}
		for _, r := range readings {
			u, ok := l.throttle.Offer(l.address, r)
			if !ok {
				continue
			}
			slog.Debug("[BLE] broadcast update", "address", l.address, "kind", u.Kind, "value", u.Value)
			l.emit(Event{Address: l.address, Type: EventReading, Update: u})
		}
	}
}

// emit calls every subscriber. Caller holds dispatchMu.
func (l *Listener) emit(ev Event) {
	l.mu.Lock()
	handlers := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Close drops all subscribers and the device's throttle state. Events
// handled after Close are ignored.
func (l *Listener) Close() {
	l.dispatchMu.Lock()
	defer l.dispatchMu.Unlock()
	l.closed = true

	l.mu.Lock()
	l.subs = make(map[uint64]Handler)
	l.mu.Unlock()
	l.throttle.Forget(l.address)
}
