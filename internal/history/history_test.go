package history

import (
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/config"
	"github.com/chaz8081/gira-bridge/internal/device"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

type recordingAPI struct {
	points  []*write.Point
	flushed int
}

func (r *recordingAPI) WritePoint(p *write.Point) { r.points = append(r.points, p) }
func (r *recordingAPI) Flush()                    { r.flushed++ }

func TestConnectDisabled(t *testing.T) {
	if _, err := Connect(config.InfluxDBConfig{}); !errors.Is(err, ErrDisabled) {
		t.Errorf("err = %v, want ErrDisabled", err)
	}
}

func TestPoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := Point(throttle.Update{
		Address: "AA:BB:CC:DD:EE:FF",
		Kind:    protocol.KindCurrentTemperature,
		Value:   21.5,
		Time:    at,
	})

	if p.Name() != Measurement {
		t.Errorf("Name = %q", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{
		"address": "AA:BB:CC:DD:EE:FF",
		"kind":    protocol.KindCurrentTemperature.String(),
	}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
	fields := p.FieldList()
	if len(fields) != 1 || fields[0].Key != "value" || fields[0].Value != 21.5 {
		t.Errorf("fields = %+v", fields)
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time = %v", p.Time())
	}
}

func TestDeviceChangedWritesReadingsOnly(t *testing.T) {
	rec := &recordingAPI{}
	w := &Writer{api: rec}

	state := device.State{Address: "AA", Name: "Shutter", Profile: protocol.ProfileCover}
	w.DeviceChanged(device.Change{State: state})
	u := throttle.Update{Address: "AA", Kind: protocol.KindCoverPosition, Value: 30, Time: time.Now()}
	w.DeviceChanged(device.Change{State: state, Reading: &u})
	w.DeviceChanged(device.Change{State: state, Removed: true})

	if len(rec.points) != 1 {
		t.Fatalf("points = %d, want 1", len(rec.points))
	}
	w.Close()
	if rec.flushed != 1 {
		t.Errorf("flushed = %d, want 1", rec.flushed)
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	rec := &recordingAPI{}
	w := &Writer{api: rec}
	w.Close()
	w.Close()

	u := throttle.Update{Address: "AA", Kind: protocol.KindCoverPosition, Value: 30, Time: time.Now()}
	w.WriteReading(u)
	w.DeviceChanged(device.Change{Reading: &u})

	if len(rec.points) != 0 {
		t.Errorf("points = %d after Close, want 0", len(rec.points))
	}
	if rec.flushed != 1 {
		t.Errorf("flushed = %d, want 1", rec.flushed)
	}
}
