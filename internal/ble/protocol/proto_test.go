package protocol

import (
	"errors"
	"testing"
)

func TestParseProfile(t *testing.T) {
	tests := []struct {
		in      string
		want    Profile
		wantErr bool
	}{
		{"Cover", ProfileCover, false},
		{"cover", ProfileCover, false},
		{"Climate", ProfileClimate, false},
		{"Thermostat", ProfileClimate, false},
		{"Jal+Schaltuhr", ProfileCover, false},
		{" climate ", ProfileClimate, false},
		{"light", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseProfile(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseProfile(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && got != tt.want {
			t.Errorf("ParseProfile(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range []Kind{KindCoverPosition, KindCurrentTemperature, KindTargetTemperature} {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q) error = %v", k.String(), err)
		}
		if got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if _, err := ParseKind("humidity"); err == nil {
		t.Error("ParseKind(humidity) should fail")
	}
}

func TestDecodeDispatch(t *testing.T) {
	cover, _ := EncodeCoverBroadcast(30)
	got, err := Decode(ProfileCover, cover)
	if err != nil {
		t.Fatalf("Decode(cover) error = %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindCoverPosition || got[0].Value != 30 {
		t.Errorf("Decode(cover) = %+v, want one position reading of 30", got)
	}

	// A cover frame means nothing to a climate binding.
	got, err = Decode(ProfileClimate, cover)
	if err != nil || got != nil {
		t.Errorf("Decode(climate, cover frame) = %+v, %v; want nil, nil", got, err)
	}

	climate, _ := EncodeClimateBroadcast(KindTargetTemperature, 0x00, 21.5)
	got, err = Decode(ProfileClimate, climate)
	if err != nil {
		t.Fatalf("Decode(climate) error = %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindTargetTemperature {
		t.Errorf("Decode(climate) = %+v, want one target reading", got)
	}
}

func TestDecodeNeverFailsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0xF7},
		{0xF7, 0x03, 0x20},
		{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09},
		{0xF7, 0x01, 0x41, 0x01},
	}
	for _, in := range inputs {
		if _, ok := DecodeCoverPosition(in); ok {
			t.Errorf("DecodeCoverPosition(%x) matched, want no match", in)
		}
		readings, _ := DecodeClimate(in)
		if len(readings) != 0 {
			t.Errorf("DecodeClimate(%x) = %+v, want none", in, readings)
		}
	}
}

func TestDecodeClimateTruncatedSignatureIsMalformed(t *testing.T) {
	_, err := DecodeClimate([]byte{0xF7, 0x01, 0x41, 0x01})
	if !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("DecodeClimate(bare signature) error = %v, want ErrMalformedFrame", err)
	}
}
