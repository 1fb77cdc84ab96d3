package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultUnavailableAfter is how long a device may stay silent before its
// subscribers are told it is unavailable.
const DefaultUnavailableAfter = 15 * time.Minute

// EventType distinguishes scanner events.
type EventType int

const (
	// EventAdvertisement carries a received advertisement.
	EventAdvertisement EventType = iota
	// EventUnavailable signals the device stopped advertising.
	EventUnavailable
)

// ScanEvent is delivered to subscribers of one address.
type ScanEvent struct {
	Type          EventType
	Address       string
	Advertisement Advertisement
}

// ScanHandler receives scanner events. It must not block.
type ScanHandler func(ScanEvent)

// ScannerOptions configures the Scanner.
type ScannerOptions struct {
	UnavailableAfter time.Duration
	// SweepInterval is how often silent devices are checked (default UnavailableAfter/10).
	SweepInterval time.Duration
}

type seenDevice struct {
	adv         Advertisement
	lastSeen    time.Time
	unavailable bool
}

// Scanner runs one adapter scan and fans advertisements out to per-address
// subscribers. It also serves as the registry of currently resolvable devices.
type Scanner struct {
	adapter Adapter
	opts    ScannerOptions
	now     func() time.Time

	mu     sync.RWMutex
	seen   map[string]*seenDevice
	subs   map[string]map[uint64]ScanHandler
	nextID uint64
}

// NewScanner creates a Scanner. Call Run to start scanning.
func NewScanner(adapter Adapter, opts ScannerOptions) *Scanner {
	if opts.UnavailableAfter <= 0 {
		opts.UnavailableAfter = DefaultUnavailableAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.UnavailableAfter / 10
	}
	return &Scanner{
		adapter: adapter,
		opts:    opts,
		now:     time.Now,
		seen:    make(map[string]*seenDevice),
		subs:    make(map[string]map[uint64]ScanHandler),
	}
}

// Run enables the adapter and scans until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()

	slog.Info("[BLE] scanning", "unavailable_after", s.opts.UnavailableAfter)
	err := s.adapter.Scan(ctx, s.handle)
	<-sweepDone
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// Subscribe registers handler for events about address. The returned func
// removes the subscription and is safe to call more than once.
func (s *Scanner) Subscribe(address string, handler ScanHandler) func() {
	address = NormalizeAddress(address)

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	if s.subs[address] == nil {
		s.subs[address] = make(map[uint64]ScanHandler)
	}
	s.subs[address][id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs[address], id)
			if len(s.subs[address]) == 0 {
				delete(s.subs, address)
			}
		})
	}
}

// Lookup returns the latest advertisement for address if the device is
// currently considered reachable.
func (s *Scanner) Lookup(address string) (Advertisement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.seen[NormalizeAddress(address)]
	if !ok || d.unavailable {
		return Advertisement{}, false
	}
	return d.adv, true
}

// Seen returns the latest advertisement of every device observed so far.
func (s *Scanner) Seen() []Advertisement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Advertisement, 0, len(s.seen))
	for _, d := range s.seen {
		out = append(out, d.adv)
	}
	return out
}

// handle records adv and dispatches it; called from the scan goroutine.
func (s *Scanner) handle(adv Advertisement) {
	adv.Address = NormalizeAddress(adv.Address)
	now := s.now()
	if adv.Time.IsZero() {
		adv.Time = now
	}

	s.mu.Lock()
	d, ok := s.seen[adv.Address]
	if !ok {
		d = &seenDevice{}
		s.seen[adv.Address] = d
	}
	d.adv = adv
	d.lastSeen = now
	d.unavailable = false
	handlers := s.handlersLocked(adv.Address)
	s.mu.Unlock()

	ev := ScanEvent{Type: EventAdvertisement, Address: adv.Address, Advertisement: adv}
	for _, h := range handlers {
		h(ev)
	}
}

// sweep marks devices silent for longer than UnavailableAfter and notifies
// their subscribers once.
func (s *Scanner) sweep() {
	now := s.now()

	type pending struct {
		address  string
		handlers []ScanHandler
	}
	var gone []pending

	s.mu.Lock()
	for addr, d := range s.seen {
		if d.unavailable || now.Sub(d.lastSeen) < s.opts.UnavailableAfter {
			continue
		}
		d.unavailable = true
		gone = append(gone, pending{addr, s.handlersLocked(addr)})
	}
	s.mu.Unlock()

	for _, p := range gone {
		slog.Info("[BLE] device stopped advertising", "address", p.address)
		ev := ScanEvent{Type: EventUnavailable, Address: p.address}
		for _, h := range p.handlers {
			h(ev)
		}
	}
}

func (s *Scanner) handlersLocked(address string) []ScanHandler {
	subs := s.subs[address]
	if len(subs) == 0 {
		return nil
	}
	out := make([]ScanHandler, 0, len(subs))
	for _, h := range subs {
		out = append(out, h)
	}
	return out
}
