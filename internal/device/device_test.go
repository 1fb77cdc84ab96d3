package device

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

const (
	coverAddr   = "AA:BB:CC:DD:EE:FF"
	climateAddr = "11:22:33:44:55:66"
)

type sent struct {
	address string
	frame   []byte
}

type fakeCommander struct {
	mu     sync.Mutex
	sent   []sent
	err    error
	closed []string
}

func (c *fakeCommander) Send(_ context.Context, address string, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sent{address, append([]byte(nil), frame...)})
	return nil
}

func (c *fakeCommander) Close(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, address)
}

func (c *fakeCommander) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeCommander) frames() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

type fakeScanner struct {
	mu   sync.Mutex
	subs map[string]ble.ScanHandler
}

func newFakeScanner() *fakeScanner {
	return &fakeScanner{subs: make(map[string]ble.ScanHandler)}
}

func (s *fakeScanner) Subscribe(address string, h ble.ScanHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[address] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, address)
	}
}

func (s *fakeScanner) emit(ev ble.ScanEvent) {
	s.mu.Lock()
	h := s.subs[ev.Address]
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (s *fakeScanner) subscribed(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[address]
	return ok
}

type sinkRecorder struct {
	mu      sync.Mutex
	changes []Change
	flush   func() // waits for queued changes; set by the harness
}

func (r *sinkRecorder) DeviceChanged(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *sinkRecorder) last() Change {
	r.sync()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}

func (r *sinkRecorder) count() int {
	r.sync()
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *sinkRecorder) sync() {
	if r.flush != nil {
		r.flush()
	}
}

func (r *sinkRecorder) all() []Change {
	r.sync()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

type fakeRestorer map[string][]throttle.Update

func (r fakeRestorer) LastReadings(_ context.Context, address string) ([]throttle.Update, error) {
	return r[address], nil
}

type harness struct {
	cmd     *fakeCommander
	scanner *fakeScanner
	sink    *sinkRecorder
	mgr     *Manager
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{cmd: &fakeCommander{}, scanner: newFakeScanner(), sink: &sinkRecorder{}}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	th := throttle.New(time.Minute, throttle.WithClock(clock))
	opts = append([]Option{WithSinks(h.sink), WithClock(clock)}, opts...)
	h.mgr = NewManager(h.cmd, h.scanner, th, opts...)
	h.sink.flush = h.mgr.Flush
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) bindCover(t *testing.T) *Cover {
	t.Helper()
	dev, err := h.mgr.Bind(context.Background(), Binding{Address: coverAddr, Profile: protocol.ProfileCover})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	c, ok := dev.(*Cover)
	if !ok {
		t.Fatalf("Bind() returned %T, want *Cover", dev)
	}
	return c
}

func (h *harness) bindClimate(t *testing.T) *Climate {
	t.Helper()
	dev, err := h.mgr.Bind(context.Background(), Binding{Address: climateAddr, Name: "Bathroom", Profile: protocol.ProfileClimate})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	c, ok := dev.(*Climate)
	if !ok {
		t.Fatalf("Bind() returned %T, want *Climate", dev)
	}
	return c
}

func advertisement(address string, payload []byte) ble.ScanEvent {
	return ble.ScanEvent{
		Type:    ble.EventAdvertisement,
		Address: address,
		Advertisement: ble.Advertisement{
			Address:          address,
			ManufacturerData: []ble.ManufacturerData{{CompanyID: protocol.ManufacturerID, Data: payload}},
		},
	}
}

func TestDefaultName(t *testing.T) {
	if got := DefaultName(protocol.ProfileCover, coverAddr); got != "Gira Shutter EEFF" {
		t.Errorf("DefaultName(cover) = %q", got)
	}
	if got := DefaultName(protocol.ProfileClimate, climateAddr); got != "Gira Thermostat 5566" {
		t.Errorf("DefaultName(climate) = %q", got)
	}
}

func TestCoverCommands(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() error
		frame   []byte
		opening bool
		closing bool
	}{
		{"open", func() error { return c.Open(ctx) }, protocol.EncodeCoverMove(protocol.Up), true, false},
		{"close", func() error { return c.Close(ctx) }, protocol.EncodeCoverMove(protocol.Down), false, true},
		{"stop", func() error { return c.Stop(ctx) }, protocol.EncodeCoverStop(), false, false},
		{"step up", func() error { return c.StepUp(ctx) }, protocol.EncodeCoverStep(protocol.Up), false, false},
		{"step down", func() error { return c.StepDown(ctx) }, protocol.EncodeCoverStep(protocol.Down), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); err != nil {
				t.Fatalf("error = %v", err)
			}
			frames := h.cmd.frames()
			got := frames[len(frames)-1]
			if got.address != coverAddr || !bytes.Equal(got.frame, tt.frame) {
				t.Errorf("sent %s % X, want % X", got.address, got.frame, tt.frame)
			}
			s := c.State()
			if s.Opening != tt.opening || s.Closing != tt.closing {
				t.Errorf("opening/closing = %v/%v, want %v/%v", s.Opening, s.Closing, tt.opening, tt.closing)
			}
		})
	}
}

func TestCoverSetPositionAndVentilate(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)
	ctx := context.Background()

	if err := c.SetPosition(ctx, 100); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	if err := c.Ventilate(ctx); err != nil {
		t.Fatalf("Ventilate() error = %v", err)
	}

	frames := h.cmd.frames()
	want100, _ := protocol.EncodeCoverPosition(100)
	want50, _ := protocol.EncodeCoverPosition(protocol.VentilationPercent)
	if !bytes.Equal(frames[0].frame, want100) || !bytes.Equal(frames[1].frame, want50) {
		t.Errorf("frames = % X / % X", frames[0].frame, frames[1].frame)
	}
}

func TestCoverSetPositionDirection(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)

	payload, _ := protocol.EncodeCoverBroadcast(30)
	h.scanner.emit(advertisement(coverAddr, payload))

	if err := c.SetPosition(context.Background(), 80); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	if s := c.State(); !s.Opening || s.Closing {
		t.Errorf("moving from 30 to 80 should be opening, got %+v", s)
	}
	if err := c.SetPosition(context.Background(), 10); err != nil {
		t.Fatalf("SetPosition() error = %v", err)
	}
	if s := c.State(); s.Opening || !s.Closing {
		t.Errorf("moving from 30 to 10 should be closing, got %+v", s)
	}
}

func TestCoverSetPositionOutOfRange(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)

	for _, p := range []int{-1, 101} {
		err := c.SetPosition(context.Background(), p)
		if !errors.Is(err, ErrNotSent) || !errors.Is(err, protocol.ErrOutOfRange) {
			t.Errorf("SetPosition(%d) error = %v, want ErrNotSent and ErrOutOfRange", p, err)
		}
	}
	if got := len(h.cmd.frames()); got != 0 {
		t.Errorf("frames sent = %d, want 0", got)
	}
}

func TestCommandFailureDowngradesAvailability(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)
	ctx := context.Background()

	h.cmd.setErr(ble.ErrCommandFailed)
	if err := c.Open(ctx); !errors.Is(err, ble.ErrCommandFailed) {
		t.Fatalf("Open() error = %v, want ErrCommandFailed", err)
	}
	if c.State().Available {
		t.Error("device should be unavailable after a failed command")
	}
	if h.sink.last().State.Available {
		t.Error("sink should see the downgrade")
	}

	h.cmd.setErr(nil)
	if err := c.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !c.State().Available {
		t.Error("device should be available after a successful command")
	}
}

func TestClimateTargetTemperature(t *testing.T) {
	h := newHarness(t)
	c := h.bindClimate(t)

	if err := c.SetTargetTemperature(context.Background(), 21.5); err != nil {
		t.Fatalf("SetTargetTemperature() error = %v", err)
	}
	want, _ := protocol.EncodeClimateTarget(21.5)
	if frames := h.cmd.frames(); len(frames) != 1 || !bytes.Equal(frames[0].frame, want) {
		t.Errorf("frames = %+v, want % X", frames, want)
	}
	if s := c.State(); s.HVACMode != HVACModeHeat || s.Name != "Bathroom" {
		t.Errorf("state = %+v", s)
	}
}

func TestClimateSoftRangeGuard(t *testing.T) {
	h := newHarness(t)
	c := h.bindClimate(t)

	for _, v := range []float64{9.5, 30.5} {
		err := c.SetTargetTemperature(context.Background(), v)
		if !errors.Is(err, ErrNotSent) {
			t.Errorf("SetTargetTemperature(%v) error = %v, want ErrNotSent", v, err)
		}
	}
	if got := len(h.cmd.frames()); got != 0 {
		t.Errorf("frames sent = %d, want 0", got)
	}
	if !c.State().Available {
		t.Error("rejected set point must not affect availability")
	}
}

func TestBroadcastsUpdateState(t *testing.T) {
	h := newHarness(t)
	c := h.bindClimate(t)

	cur, _ := protocol.EncodeClimateBroadcast(protocol.KindCurrentTemperature, 0, 19.5)
	h.scanner.emit(advertisement(climateAddr, cur))

	s := c.State()
	if s.CurrentTemperature == nil || *s.CurrentTemperature != 19.5 {
		t.Fatalf("current temperature = %v, want 19.5", s.CurrentTemperature)
	}
	last := h.sink.last()
	if last.Reading == nil || last.Reading.Kind != protocol.KindCurrentTemperature {
		t.Errorf("sink change = %+v, want a current temperature reading", last)
	}
}

func TestScannerAvailabilityReachesSinks(t *testing.T) {
	h := newHarness(t)
	c := h.bindCover(t)

	h.scanner.emit(ble.ScanEvent{Type: ble.EventUnavailable, Address: coverAddr})
	if c.State().Available {
		t.Error("device should be unavailable")
	}
	if h.sink.last().State.Available {
		t.Error("sink should see unavailable")
	}

	payload, _ := protocol.EncodeCoverBroadcast(60)
	h.scanner.emit(advertisement(coverAddr, payload))
	s := c.State()
	if !s.Available || s.Position == nil || *s.Position != 60 {
		t.Errorf("state = %+v, want available at 60", s)
	}
}

func TestManagerBindTwice(t *testing.T) {
	h := newHarness(t)
	h.bindCover(t)
	_, err := h.mgr.Bind(context.Background(), Binding{Address: "aa:bb:cc:dd:ee:ff", Profile: protocol.ProfileCover})
	if !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("error = %v, want ErrAlreadyBound", err)
	}
}

func TestManagerUnbindTearsDownOnce(t *testing.T) {
	h := newHarness(t)
	h.bindCover(t)

	if err := h.mgr.Unbind(coverAddr); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if err := h.mgr.Unbind(coverAddr); !errors.Is(err, ErrNotBound) {
		t.Errorf("second Unbind() error = %v, want ErrNotBound", err)
	}

	if h.scanner.subscribed(coverAddr) {
		t.Error("scanner subscription should be removed")
	}
	h.cmd.mu.Lock()
	closed := append([]string(nil), h.cmd.closed...)
	h.cmd.mu.Unlock()
	if len(closed) != 1 || closed[0] != coverAddr {
		t.Errorf("channel closes = %v, want [%s]", closed, coverAddr)
	}
	last := h.sink.last()
	if !last.Removed || last.State.Available {
		t.Errorf("last change = %+v, want removed and unavailable", last)
	}
	if _, ok := h.mgr.Get(coverAddr); ok {
		t.Error("Get() should miss after Unbind")
	}
}

func TestManagerListAndClose(t *testing.T) {
	h := newHarness(t)
	h.bindCover(t)
	h.bindClimate(t)

	list := h.mgr.List()
	if len(list) != 2 || list[0].Address() != climateAddr || list[1].Address() != coverAddr {
		t.Fatalf("List() = %v", list)
	}

	h.mgr.Close()
	if len(h.mgr.List()) != 0 {
		t.Error("List() should be empty after Close")
	}
	if _, err := h.mgr.Bind(context.Background(), Binding{Address: coverAddr}); !errors.Is(err, ErrClosed) {
		t.Errorf("Bind() after Close error = %v, want ErrClosed", err)
	}
}

func TestManagerRestoresReadings(t *testing.T) {
	at := time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)
	h := newHarness(t, WithRestorer(fakeRestorer{
		coverAddr: {{Address: coverAddr, Kind: protocol.KindCoverPosition, Value: 75, Time: at}},
	}))
	c := h.bindCover(t)

	s := c.State()
	if s.Position == nil || *s.Position != 75 {
		t.Errorf("restored position = %v, want 75", s.Position)
	}
	if h.sink.count() != 1 {
		t.Errorf("sink changes after bind = %d, want 1", h.sink.count())
	}
}

func TestCoverBroadcastEndsMovement(t *testing.T) {
	tests := []struct {
		name     string
		start    int
		command  func(c *Cover) error
		reports  []int
		moving   bool
		position int
	}{
		{"open reaches top", 40, func(c *Cover) error { return c.Open(context.Background()) }, []int{70, 100}, false, 100},
		{"close reaches bottom", 40, func(c *Cover) error { return c.Close(context.Background()) }, []int{10, 0}, false, 0},
		{"still moving", 40, func(c *Cover) error { return c.Open(context.Background()) }, []int{55}, true, 55},
		{"unchanged heartbeat", 40, func(c *Cover) error { return c.Open(context.Background()) }, []int{60, 60}, false, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			clock := func() time.Time { return now }
			scanner := newFakeScanner()
			mgr := NewManager(&fakeCommander{}, scanner, throttle.New(time.Minute, throttle.WithClock(clock)), WithClock(clock))
			t.Cleanup(mgr.Close)
			dev, err := mgr.Bind(context.Background(), Binding{Address: coverAddr, Profile: protocol.ProfileCover})
			if err != nil {
				t.Fatal(err)
			}
			c := dev.(*Cover)

			start, _ := protocol.EncodeCoverBroadcast(tt.start)
			scanner.emit(advertisement(coverAddr, start))
			if err := tt.command(c); err != nil {
				t.Fatal(err)
			}
			for _, p := range tt.reports {
				// Step past the throttle interval so repeats are emitted.
				now = now.Add(2 * time.Minute)
				payload, _ := protocol.EncodeCoverBroadcast(p)
				scanner.emit(advertisement(coverAddr, payload))
			}

			s := c.State()
			if s.Position == nil || *s.Position != tt.position {
				t.Fatalf("position = %v, want %d", s.Position, tt.position)
			}
			if moving := s.Opening || s.Closing; moving != tt.moving {
				t.Errorf("opening=%v closing=%v, want moving=%v", s.Opening, s.Closing, tt.moving)
			}
		})
	}
}

// gateSink blocks on readings of one address until released.
type gateSink struct {
	address string
	release chan struct{}
	others  chan Change
}

func (g *gateSink) DeviceChanged(c Change) {
	if c.State.Address == g.address && c.Reading != nil {
		<-g.release
		return
	}
	if c.Reading != nil {
		g.others <- c
	}
}

func TestSlowSinkDoesNotDelayOtherDevices(t *testing.T) {
	gate := &gateSink{address: coverAddr, release: make(chan struct{}), others: make(chan Change, 4)}
	h := newHarness(t, WithSinks(gate))
	h.bindCover(t)
	h.bindClimate(t)
	defer close(gate.release)

	cover, _ := protocol.EncodeCoverBroadcast(30)
	emitted := make(chan struct{})
	go func() {
		h.scanner.emit(advertisement(coverAddr, cover))
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("scanner callback blocked on a slow sink")
	}

	cur, _ := protocol.EncodeClimateBroadcast(protocol.KindCurrentTemperature, 0, 19.5)
	h.scanner.emit(advertisement(climateAddr, cur))
	select {
	case c := <-gate.others:
		if c.State.Address != climateAddr {
			t.Errorf("change for %s, want %s", c.State.Address, climateAddr)
		}
	case <-time.After(time.Second):
		t.Fatal("climate reading held up behind the cover's sink")
	}
}

// eagerScanner delivers an advertisement as soon as a handler subscribes.
type eagerScanner struct {
	payload []byte
}

func (s eagerScanner) Subscribe(address string, h ble.ScanHandler) func() {
	h(advertisement(address, s.payload))
	return func() {}
}

func TestBindAnnouncesBeforeFirstReading(t *testing.T) {
	payload, _ := protocol.EncodeCoverBroadcast(20)
	sink := &sinkRecorder{}
	mgr := NewManager(&fakeCommander{}, eagerScanner{payload: payload}, throttle.New(time.Minute), WithSinks(sink))
	sink.flush = mgr.Flush
	t.Cleanup(mgr.Close)

	if _, err := mgr.Bind(context.Background(), Binding{Address: coverAddr, Profile: protocol.ProfileCover}); err != nil {
		t.Fatal(err)
	}
	changes := sink.all()
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}
	if changes[0].Reading != nil {
		t.Errorf("first change carries reading %+v, want the bare announcement", changes[0].Reading)
	}
	if changes[1].Reading == nil || changes[1].Reading.Value != 20 {
		t.Errorf("second change = %+v, want the 20%% reading", changes[1])
	}
}

func TestChangeQueueOrderAndClose(t *testing.T) {
	var (
		mu  sync.Mutex
		got []int
	)
	q := newChangeQueue(func(c Change) {
		mu.Lock()
		got = append(got, *c.State.Position)
		mu.Unlock()
	})
	for i := 0; i < 50; i++ {
		p := i
		q.push(Change{State: State{Position: &p}})
	}
	q.flush()
	q.close()
	extra := 99
	q.push(Change{State: State{Position: &extra}})
	q.flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("delivered %d changes, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, out of order", i, v)
		}
	}
}
