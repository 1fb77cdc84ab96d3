// Package throttle turns the high-rate stream of decoded broadcast readings
// into a low-rate stream of updates worth publishing.
//
// Cover position and target temperature pass through on change, or as a
// heartbeat once the interval has elapsed. Current temperature is reported as
// a time-weighted average over each interval.
package throttle

import (
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

// DefaultInterval is the heartbeat / averaging window.
const DefaultInterval = 60 * time.Second

// Update is a reading that survived throttling.
type Update struct {
	Address string
	Kind    protocol.Kind
	Value   float64
	Time    time.Time
}

type key struct {
	address string
	kind    protocol.Kind
}

type state struct {
	lastValue float64
	lastEmit  time.Time

	// current temperature only
	weightedSum float64
	lastSample  time.Time
}

// Throttle holds per-(device, kind) state. Safe for concurrent use.
type Throttle struct {
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	states map[key]*state
}

// Option configures a Throttle.
type Option func(*Throttle)

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) { t.now = now }
}

// New creates a Throttle. A non-positive interval selects DefaultInterval.
func New(interval time.Duration, opts ...Option) *Throttle {
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := &Throttle{
		interval: interval,
		now:      time.Now,
		states:   make(map[key]*state),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Interval returns the configured emission interval.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// Offer feeds one reading and reports whether an update should be emitted.
func (t *Throttle) Offer(address string, r protocol.Reading) (Update, bool) {
	now := t.now()
	k := key{address: strings.ToUpper(address), kind: r.Kind}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[k]
	if !ok {
		t.states[k] = &state{lastValue: r.Value, lastEmit: now, lastSample: now}
		return Update{Address: k.address, Kind: r.Kind, Value: r.Value, Time: now}, true
	}

	if r.Kind == protocol.KindCurrentTemperature {
		return t.offerAveraged(k, s, r.Value, now)
	}

	if r.Value == s.lastValue && now.Sub(s.lastEmit) < t.interval {
		return Update{}, false
	}
	s.lastValue = r.Value
	s.lastEmit = now
	return Update{Address: k.address, Kind: r.Kind, Value: r.Value, Time: now}, true
}

// offerAveraged accumulates value weighted by the time since the previous
// sample and emits the average once the interval has passed. The divisor is
// the time since the last emission, not the accumulated weight.
func (t *Throttle) offerAveraged(k key, s *state, value float64, now time.Time) (Update, bool) {
	s.weightedSum += value * now.Sub(s.lastSample).Seconds()
	s.lastSample = now

	elapsed := now.Sub(s.lastEmit)
	if elapsed <= t.interval {
		return Update{}, false
	}
	avg := s.weightedSum / elapsed.Seconds()
	s.weightedSum = 0
	s.lastEmit = now
	s.lastValue = avg
	return Update{Address: k.address, Kind: k.kind, Value: avg, Time: now}, true
}

// Forget drops all state for address. The next reading for it is emitted immediately.
func (t *Throttle) Forget(address string) {
	address = strings.ToUpper(address)
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.states {
		if k.address == address {
			delete(t.states, k)
		}
	}
}

// Len returns the number of tracked (device, kind) pairs.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
