package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeClimateTarget(t *testing.T) {
	tests := []struct {
		celsius float64
		want    []byte
	}{
		{21.5, []byte{0xF6, 0x00, 0x65, 0x01, 0xF5, 0x10, 0x01, 0x0C, 0x33}},
		{15.0, []byte{0xF6, 0x00, 0x65, 0x01, 0xF5, 0x10, 0x01, 0x05, 0xDC}},
		{10.0, []byte{0xF6, 0x00, 0x65, 0x01, 0xF5, 0x10, 0x01, 0x03, 0xE8}},
	}
	for _, tt := range tests {
		got, err := EncodeClimateTarget(tt.celsius)
		if err != nil {
			t.Fatalf("EncodeClimateTarget(%v) error = %v", tt.celsius, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeClimateTarget(%v) = %x, want %x", tt.celsius, got, tt.want)
		}
	}
}

func TestEncodeClimateTargetSoftRange(t *testing.T) {
	for _, c := range []float64{9.99, 30.01, -5, 45} {
		if _, err := EncodeClimateTarget(c); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("EncodeClimateTarget(%v) error = %v, want ErrOutOfRange", c, err)
		}
	}
}

func currentFrame(celsius float64) []byte {
	f, _ := EncodeClimateBroadcast(KindCurrentTemperature, 0x42, celsius)
	return f
}

func targetFrame(celsius float64) []byte {
	f, _ := EncodeClimateBroadcast(KindTargetTemperature, 0x00, celsius)
	return f
}

func TestDecodeClimateSingleReadings(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		kind    Kind
		want    float64
	}{
		{"current", currentFrame(20.0), KindCurrentTemperature, 20.0},
		{"target", targetFrame(21.5), KindTargetTemperature, 21.5},
		{"current with preamble", append([]byte{0x02, 0x15}, currentFrame(22.3)...), KindCurrentTemperature, 22.3},
		// 0xFF in the opaque field must not leak into the value.
		{"opaque byte ignored", []byte{0xF7, 0x00, 0x65, 0x01, 0xFF, 0x10, 0x01, 0x07, 0xD0}, KindTargetTemperature, 20.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClimate(tt.payload)
			if err != nil {
				t.Fatalf("DecodeClimate(%x) error = %v", tt.payload, err)
			}
			if len(got) != 1 {
				t.Fatalf("DecodeClimate(%x) = %+v, want 1 reading", tt.payload, got)
			}
			if got[0].Kind != tt.kind || math.Abs(got[0].Value-tt.want) > 0.011 {
				t.Errorf("DecodeClimate(%x) = %+v, want %v %v", tt.payload, got[0], tt.kind, tt.want)
			}
		})
	}
}

func TestDecodeClimateExactLength(t *testing.T) {
	long := append(currentFrame(20.0), 0x00)
	got, err := DecodeClimate(long)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeClimate(frame+1) error = %v, want ErrMalformedFrame", err)
	}
	if len(got) != 0 {
		t.Errorf("DecodeClimate(frame+1) = %+v, want no readings", got)
	}

	short := currentFrame(20.0)[:8]
	if _, err := DecodeClimate(short); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeClimate(frame-1) error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeClimateMalformedDoesNotDropOther(t *testing.T) {
	// The target frame is followed by another frame, so its length is wrong;
	// the current frame ends the payload and is valid.
	payload := append(targetFrame(21.0), currentFrame(19.5)...)
	got, err := DecodeClimate(payload)
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("error = %v, want ErrMalformedFrame for the target frame", err)
	}
	if len(got) != 1 || got[0].Kind != KindCurrentTemperature || got[0].Value != 19.5 {
		t.Errorf("readings = %+v, want only current 19.5", got)
	}
}

func TestDecodeClimateNoSignature(t *testing.T) {
	cover, _ := EncodeCoverBroadcast(40)
	got, err := DecodeClimate(cover)
	if err != nil || len(got) != 0 {
		t.Errorf("DecodeClimate(cover frame) = %+v, %v; want nothing", got, err)
	}
}

func TestEncodeClimateBroadcastRejectsCoverKind(t *testing.T) {
	if _, err := EncodeClimateBroadcast(KindCoverPosition, 0, 20); err == nil {
		t.Error("EncodeClimateBroadcast(KindCoverPosition) should fail")
	}
}
