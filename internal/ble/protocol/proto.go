// Package protocol implements the Gira System 3000 BLE wire format: command
// frames written to the device and the manufacturer-data frames it broadcasts.
//
// All functions are pure. Decoders never fail on foreign input; they report
// "no match" through a boolean.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// ManufacturerID is the Bluetooth SIG company identifier carried in Gira
// advertisements (0x0584).
const ManufacturerID uint16 = 1412

// CommandCharUUID is the writable GATT characteristic that accepts command frames.
const CommandCharUUID = "97696341-f77a-43ae-8c35-09f0c5245308"

var (
	// ErrOutOfRange is returned when a command value is outside its valid domain.
	// Nothing is transmitted when encoding fails.
	ErrOutOfRange = errors.New("protocol: value out of range")

	// ErrMalformedFrame is returned when a broadcast signature is present but
	// the bytes that follow it do not have the expected length.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// Profile selects which of the two reverse-engineered device families a
// binding talks to.
type Profile int

const (
	ProfileCover Profile = iota
	ProfileClimate
)

func (p Profile) String() string {
	switch p {
	case ProfileCover:
		return "cover"
	case ProfileClimate:
		return "climate"
	default:
		return fmt.Sprintf("Profile(%d)", int(p))
	}
}

// ParseProfile accepts the profile selector used in configuration.
// The vendor's product names "Jal+Schaltuhr" and "Thermostat" are accepted
// as aliases.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cover", "shutter", "jal+schaltuhr":
		return ProfileCover, nil
	case "climate", "thermostat":
		return ProfileClimate, nil
	default:
		return 0, fmt.Errorf("protocol: unknown profile %q", s)
	}
}

// MarshalYAML and UnmarshalYAML let Profile appear as a plain string in config files.
func (p Profile) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p *Profile) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseProfile(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText and UnmarshalText are used by encoding/json.
func (p Profile) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Profile) UnmarshalText(text []byte) error {
	parsed, err := ParseProfile(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Kind identifies what a decoded reading measures.
type Kind int

const (
	KindCoverPosition Kind = iota
	KindCurrentTemperature
	KindTargetTemperature
)

func (k Kind) String() string {
	switch k {
	case KindCoverPosition:
		return "position"
	case KindCurrentTemperature:
		return "current_temperature"
	case KindTargetTemperature:
		return "target_temperature"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "position":
		return KindCoverPosition, nil
	case "current_temperature":
		return KindCurrentTemperature, nil
	case "target_temperature":
		return KindTargetTemperature, nil
	default:
		return 0, fmt.Errorf("protocol: unknown reading kind %q", s)
	}
}

// Reading is one value decoded from a broadcast. Cover positions are whole
// percentages stored as float64 so all kinds share one representation.
type Reading struct {
	Kind  Kind
	Value float64
}

// Decode dispatches a manufacturer-data payload to the decoder for profile.
// A nil slice with a nil error means the payload carried nothing recognisable.
// A non-nil error lists malformed frames; readings decoded from other
// signatures in the same payload are still returned.
func Decode(profile Profile, payload []byte) ([]Reading, error) {
	switch profile {
	case ProfileCover:
		pos, ok := DecodeCoverPosition(payload)
		if !ok {
			return nil, nil
		}
		return []Reading{{Kind: KindCoverPosition, Value: float64(pos)}}, nil
	case ProfileClimate:
		return DecodeClimate(payload)
	default:
		return nil, nil
	}
}

// concat builds a fresh slice so callers never alias the package-level constants.
func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

// findSignature returns the offset just past sig within payload, or -1.
func findSignature(payload, sig []byte) int {
	i := bytes.Index(payload, sig)
	if i < 0 {
		return -1
	}
	return i + len(sig)
}
