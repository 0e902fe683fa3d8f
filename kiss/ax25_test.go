package kiss

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestEncodeAddress(t *testing.T) {
	got := EncodeAddress("n0call", true)
	want := []byte{'N' << 1, '0' << 1, 'C' << 1, 'A' << 1, 'L' << 1, 'L' << 1, 0x61}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeAddress = % x, want % x", got, want)
	}
	if got := EncodeAddress("AB1-7", false); got[4] != ' '<<1 || got[6] != 0x60|7<<1 {
		t.Errorf("padding or SSID wrong: % x", got)
	}
}

func TestAddressRoundTrip(t *testing.T) {
	tests := []struct{ in, want string }{
		{"N0CALL", "N0CALL"},
		{"k1abc-3", "K1ABC-3"},
		{"W1AW-0", "W1AW"},
		{"LONGCALL", "LONGCA"},
	}
	for _, tt := range tests {
		if got := DecodeAddress(EncodeAddress(tt.in, false)); got != tt.want {
			t.Errorf("round trip %q = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHeader(t *testing.T) {
	h := BuildHeader("SRC-1", "DST")
	if len(h) != HeaderLen || h[14] != ControlUI || h[15] != PIDNone {
		t.Fatalf("header % x", h)
	}
	if h[6]&0x01 != 0 || h[13]&0x01 != 1 {
		t.Error("last address bit misplaced")
	}

	packet := append(h, []byte("info")...)
	parsed, info, err := ParseHeader(packet)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Dest != "DST" || parsed.Source != "SRC-1" || string(info) != "info" {
		t.Errorf("parsed %+v %q", parsed, info)
	}

	if _, _, err := ParseHeader(h[:10]); !errors.Is(err, ErrShortHeader) {
		t.Errorf("short header: %v", err)
	}
}

func TestSameCallsign(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"n0call", "N0CALL", true},
		{"N0CALL-0", "N0CALL", true},
		{"N0CALL-1", "N0CALL", false},
		{"LONGCALL", "LONGCA", true},
		{"AB1", "AB2", false},
	}
	for _, tt := range tests {
		if got := SameCallsign(tt.a, tt.b); got != tt.want {
			t.Errorf("SameCallsign(%q, %q) = %v", tt.a, tt.b, got)
		}
	}
}
