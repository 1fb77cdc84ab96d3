package protocol

import (
	"fmt"
	"math"
)

var (
	coverCommandPrefix = []byte{0xF6, 0x03, 0x20, 0x01}
	coverCommandSuffix = []byte{0x10, 0x01}

	// coverBroadcastSignature precedes the raw position byte in cover advertisements.
	coverBroadcastSignature = []byte{0xF7, 0x03, 0x20, 0x01, 0xF6, 0x10, 0x01}
)

// Cover property ids select the command kind.
const (
	PropertyMove     byte = 0xFF
	PropertyStep     byte = 0xFE
	PropertyStop     byte = 0xFD
	PropertyPosition byte = 0xFC
)

// Direction is the value byte of move and step commands.
type Direction byte

const (
	Up   Direction = 0x00
	Down Direction = 0x01
)

func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// VentilationPercent is the position the device's ventilation preset uses.
const VentilationPercent = 50

func coverCommand(property, value byte) []byte {
	return concat(coverCommandPrefix, []byte{property}, coverCommandSuffix, []byte{value})
}

// EncodeCoverMove builds a continuous move command.
func EncodeCoverMove(dir Direction) []byte {
	return coverCommand(PropertyMove, byte(dir))
}

// EncodeCoverStop builds the stop command.
func EncodeCoverStop() []byte {
	return coverCommand(PropertyStop, 0x00)
}

// EncodeCoverStep builds a single step (slat tilt) command.
func EncodeCoverStep(dir Direction) []byte {
	return coverCommand(PropertyStep, byte(dir))
}

// EncodeCoverPosition builds an absolute position command. percent uses the
// Home Assistant convention (100 = fully open); the device axis is reversed
// and scaled to 0-255.
func EncodeCoverPosition(percent int) ([]byte, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: cover position %d not in [0,100]", ErrOutOfRange, percent)
	}
	return coverCommand(PropertyPosition, percentToRaw(percent)), nil
}

// EncodeCoverBroadcast builds the advertisement payload a cover at percent
// would emit. Used by tests and the scan tool's self-check.
func EncodeCoverBroadcast(percent int) ([]byte, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: cover position %d not in [0,100]", ErrOutOfRange, percent)
	}
	return concat(coverBroadcastSignature, []byte{percentToRaw(percent)}), nil
}

// DecodeCoverPosition finds the cover signature anywhere in payload and
// converts the byte that follows it to an open percentage.
func DecodeCoverPosition(payload []byte) (int, bool) {
	end := findSignature(payload, coverBroadcastSignature)
	if end < 0 || end >= len(payload) {
		return 0, false
	}
	return rawToPercent(payload[end]), true
}

func percentToRaw(percent int) byte {
	return byte((100 - percent) * 255 / 100)
}

func rawToPercent(raw byte) int {
	return int(math.Round(100 * float64(255-int(raw)) / 255))
}
