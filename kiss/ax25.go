package kiss

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ---------------------
// AX.25 UI header
// ---------------------

const (
	// AddressLen is the length of one encoded AX.25 address.
	AddressLen = 7
	// HeaderLen covers destination, source, control and PID.
	HeaderLen = 2*AddressLen + 2

	ControlUI = 0x03
	PIDNone   = 0xF0
)

var ErrShortHeader = errors.New("packet shorter than AX.25 header")

// Header is the addressing part of an AX.25 UI frame.
type Header struct {
	Dest   string
	Source string
}

// EncodeAddress encodes an AX.25 address field for the given callsign. An
// optional -N suffix becomes the SSID.
func EncodeAddress(callsign string, isLast bool) []byte {
	call, ssid := splitCallsign(callsign)
	if len(call) < 6 {
		call += strings.Repeat(" ", 6-len(call))
	}
	addr := make([]byte, AddressLen)
	for i := 0; i < 6; i++ {
		addr[i] = call[i] << 1
	}
	addr[6] = 0x60 | byte(ssid&0x0F)<<1
	if isLast {
		addr[6] |= 0x01
	}
	return addr
}

// DecodeAddress is the inverse of EncodeAddress. A zero SSID is omitted.
func DecodeAddress(addr []byte) string {
	if len(addr) < AddressLen {
		return ""
	}
	var call strings.Builder
	for _, b := range addr[:6] {
		call.WriteByte(b >> 1)
	}
	s := strings.TrimSpace(call.String())
	if ssid := (addr[6] >> 1) & 0x0F; ssid != 0 {
		s += "-" + strconv.Itoa(int(ssid))
	}
	return s
}

// BuildHeader builds an AX.25 UI header from source to destination.
func BuildHeader(source, destination string) []byte {
	header := make([]byte, 0, HeaderLen)
	header = append(header, EncodeAddress(destination, false)...)
	header = append(header, EncodeAddress(source, true)...)
	return append(header, ControlUI, PIDNone)
}

// ParseHeader splits a packet into its AX.25 header and the info field.
func ParseHeader(packet []byte) (Header, []byte, error) {
	if len(packet) < HeaderLen {
		return Header{}, nil, errors.Wrapf(ErrShortHeader, "got %d bytes", len(packet))
	}
	h := Header{
		Dest:   DecodeAddress(packet[:AddressLen]),
		Source: DecodeAddress(packet[AddressLen : 2*AddressLen]),
	}
	return h, packet[HeaderLen:], nil
}

// SameCallsign compares two callsigns the way they compare on the air:
// case-insensitive, truncated to six characters, a missing SSID equal to 0.
func SameCallsign(a, b string) bool {
	ca, sa := splitCallsign(a)
	cb, sb := splitCallsign(b)
	return ca == cb && sa == sb
}

func splitCallsign(cs string) (string, int) {
	call, ssidStr, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(cs)), "-")
	if len(call) > 6 {
		call = call[:6]
	}
	ssid, err := strconv.Atoi(ssidStr)
	if err != nil || ssid < 0 || ssid > 15 {
		ssid = 0
	}
	return call, ssid
}
