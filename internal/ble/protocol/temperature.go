package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// The device encodes temperatures on two linear segments. Raw values up to
// 2048 are hundredths of a degree. Above that the scale switches to 0.02 °C
// per unit starting at raw 3072 (2048 + 1024); raw values in (2048, 3072)
// are never produced by the encoder.
const (
	rawSegmentBoundary = 2048
	rawSegmentOffset   = 1024
	celsiusBoundary    = 20.48
	coarseResolution   = 0.02
)

// RawToCelsius converts a raw temperature field to degrees Celsius.
func RawToCelsius(raw uint16) float64 {
	if raw <= rawSegmentBoundary {
		return float64(raw) / 100.0
	}
	return float64(int(raw)-rawSegmentOffset-rawSegmentBoundary)*coarseResolution + celsiusBoundary
}

// CelsiusToRaw converts degrees Celsius to the raw temperature field,
// rounding half up to the resolution of the segment the value falls in.
func CelsiusToRaw(celsius float64) (uint16, error) {
	if math.IsNaN(celsius) || celsius < 0 {
		return 0, fmt.Errorf("%w: temperature %v", ErrOutOfRange, celsius)
	}
	var raw float64
	if celsius < celsiusBoundary {
		raw = roundHalfUp(celsius * 100)
	} else {
		raw = roundHalfUp((celsius-celsiusBoundary)/coarseResolution) + rawSegmentBoundary + rawSegmentOffset
	}
	if raw > math.MaxUint16 {
		return 0, fmt.Errorf("%w: temperature %v", ErrOutOfRange, celsius)
	}
	return uint16(raw), nil
}

// appendTemperature appends the big-endian raw field for celsius.
func appendTemperature(buf []byte, celsius float64) ([]byte, error) {
	raw, err := CelsiusToRaw(celsius)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(buf, raw), nil
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
