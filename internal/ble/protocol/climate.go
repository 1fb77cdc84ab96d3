package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	climateCommandPrefix = []byte{0xF6, 0x00, 0x65, 0x01, 0xF5, 0x10, 0x01}

	currentTemperatureSignature = []byte{0xF7, 0x01, 0x41, 0x01}
	targetTemperatureSignature  = []byte{0xF7, 0x00, 0x65, 0x01}

	// climateBroadcastSuffix is the observed value of the two bytes between the
	// opaque field and the temperature. Only its length is checked.
	climateBroadcastSuffix = []byte{0x10, 0x01}
)

// Soft limits for target temperature commands. The protocol itself can carry
// wider values.
const (
	MinTargetCelsius  = 10.0
	MaxTargetCelsius  = 30.0
	TargetCelsiusStep = 0.5
)

// climateFrameLen is the exact number of bytes from a climate signature's
// start to the end of the payload: signature, opaque byte, suffix, temperature.
func climateFrameLen(sig []byte) int {
	return len(sig) + 1 + len(climateBroadcastSuffix) + 2
}

// EncodeClimateTarget builds a set-target-temperature command.
func EncodeClimateTarget(celsius float64) ([]byte, error) {
	if celsius < MinTargetCelsius || celsius > MaxTargetCelsius {
		return nil, fmt.Errorf("%w: target temperature %.2f not in [%.0f,%.0f]",
			ErrOutOfRange, celsius, MinTargetCelsius, MaxTargetCelsius)
	}
	return appendTemperature(concat(climateCommandPrefix), celsius)
}

// EncodeClimateBroadcast builds a climate advertisement frame carrying one
// temperature. opaque fills the field whose meaning is unknown.
func EncodeClimateBroadcast(kind Kind, opaque byte, celsius float64) ([]byte, error) {
	var sig []byte
	switch kind {
	case KindCurrentTemperature:
		sig = currentTemperatureSignature
	case KindTargetTemperature:
		sig = targetTemperatureSignature
	default:
		return nil, fmt.Errorf("protocol: %s is not a climate reading", kind)
	}
	return appendTemperature(concat(sig, []byte{opaque}, climateBroadcastSuffix), celsius)
}

// DecodeClimate locates the current and target temperature signatures
// independently. A signature whose frame does not end exactly at the end of
// the payload is reported as malformed and skipped; the other is still decoded.
func DecodeClimate(payload []byte) ([]Reading, error) {
	var (
		readings []Reading
		errs     []error
	)
	for _, f := range []struct {
		kind Kind
		sig  []byte
	}{
		{KindCurrentTemperature, currentTemperatureSignature},
		{KindTargetTemperature, targetTemperatureSignature},
	} {
		c, ok, err := decodeTemperatureFrame(payload, f.sig)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.kind, err))
			continue
		}
		if ok {
			readings = append(readings, Reading{Kind: f.kind, Value: c})
		}
	}
	return readings, errors.Join(errs...)
}

func decodeTemperatureFrame(payload, sig []byte) (float64, bool, error) {
	end := findSignature(payload, sig)
	if end < 0 {
		return 0, false, nil
	}
	start := end - len(sig)
	if got, want := len(payload)-start, climateFrameLen(sig); got != want {
		return 0, false, fmt.Errorf("%w: %d bytes after signature start, want %d", ErrMalformedFrame, got, want)
	}
	raw := binary.BigEndian.Uint16(payload[len(payload)-2:])
	return RawToCelsius(raw), true, nil
}
