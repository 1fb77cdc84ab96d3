package device

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/listener"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

// Restorer returns the last persisted readings of a device.
type Restorer interface {
	LastReadings(ctx context.Context, address string) ([]throttle.Update, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithRestorer seeds new bindings from r.
func WithRestorer(r Restorer) Option {
	return func(m *Manager) { m.restorer = r }
}

// WithSinks registers state sinks.
func WithSinks(sinks ...StateSink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns all device bindings, keyed by normalized address.
type Manager struct {
	commander Commander
	scanner   Subscriber
	throttle  *throttle.Throttle
	restorer  Restorer
	now       func() time.Time

	sinkMu sync.RWMutex
	sinks  []StateSink

	mu      sync.RWMutex
	devices map[string]Device
	closed  bool
}

// NewManager creates a Manager. Bindings receive scanner events through
// scanner, send commands through commander and share th.
func NewManager(commander Commander, scanner Subscriber, th *throttle.Throttle, opts ...Option) *Manager {
	m := &Manager{
		commander: commander,
		scanner:   scanner,
		throttle:  th,
		now:       time.Now,
		devices:   make(map[string]Device),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddSink registers a sink after construction. Devices bound earlier only
// reach it on their next change.
func (m *Manager) AddSink(s StateSink) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinkMu.Unlock()
}

func (m *Manager) fanOut(c Change) {
	m.sinkMu.RLock()
	sinks := append([]StateSink(nil), m.sinks...)
	m.sinkMu.RUnlock()
	for _, s := range sinks {
		s.DeviceChanged(c)
	}
}

// Bind creates a binding for b and starts routing its broadcasts. The
// returned Device is a *Cover or a *Climate.
func (m *Manager) Bind(ctx context.Context, b Binding) (Device, error) {
	b.Address = ble.NormalizeAddress(b.Address)
	if b.Address == "" {
		return nil, fmt.Errorf("device: bind: empty address")
	}
	if b.Profile != protocol.ProfileCover && b.Profile != protocol.ProfileClimate {
		return nil, fmt.Errorf("device: bind %s: unknown profile %v", b.Address, b.Profile)
	}
	if b.Name == "" {
		b.Name = DefaultName(b.Profile, b.Address)
	}

	l := listener.New(b.Address, b.Profile, m.throttle)
	base := newBinding(b, m.commander, l, m.fanOut, m.now)

	if m.restorer != nil {
		updates, err := m.restorer.LastReadings(ctx, b.Address)
		if err != nil {
			slog.Warn("restoring last readings failed", "address", b.Address, "error", err)
		} else {
			base.restore(updates)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		base.discard()
		return nil, ErrClosed
	}
	if _, ok := m.devices[b.Address]; ok {
		m.mu.Unlock()
		base.discard()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, b.Address)
	}

	var dev Device
	switch b.Profile {
	case protocol.ProfileClimate:
		dev = &Climate{binding: base}
	default:
		dev = &Cover{binding: base}
	}

	// The initial change is queued before any reading can be, so sinks see
	// the device before its first broadcast.
	base.update(nil, func(*State) {})
	base.unsubscribe = append(base.unsubscribe,
		l.Subscribe(base.handleEvent),
		m.scanner.Subscribe(b.Address, l.Handle),
	)
	m.devices[b.Address] = dev
	m.mu.Unlock()

	slog.Info("device bound", "address", b.Address, "name", b.Name, "profile", b.Profile)
	return dev, nil
}

// Unbind tears down the binding for address.
func (m *Manager) Unbind(address string) error {
	address = ble.NormalizeAddress(address)
	m.mu.Lock()
	dev, ok := m.devices[address]
	delete(m.devices, address)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotBound, address)
	}
	bindingOf(dev).close()
	slog.Info("device unbound", "address", address)
	return nil
}

// Get returns the binding for address.
func (m *Manager) Get(address string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[ble.NormalizeAddress(address)]
	return dev, ok
}

// List returns every binding ordered by address.
func (m *Manager) List() []Device {
	m.mu.RLock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address() < out[j].Address() })
	return out
}

// Close tears down every binding and rejects further Bind calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	devices := m.devices
	m.devices = make(map[string]Device)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(b *binding) {
			defer wg.Done()
			b.close()
		}(bindingOf(d))
	}
	wg.Wait()
}

// Flush waits until every change made so far has reached the sinks.
func (m *Manager) Flush() {
	for _, d := range m.List() {
		bindingOf(d).flush()
	}
}

func bindingOf(d Device) *binding {
	switch v := d.(type) {
	case *Cover:
		return v.binding
	case *Climate:
		return v.binding
	}
	panic(fmt.Sprintf("device: unexpected binding type %T", d))
}
