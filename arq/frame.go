package arq

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Kind is the frame type carried in the first byte of every frame.
type Kind uint8

const (
	KindData Kind = 0
	KindAck  Kind = 1
	KindNak  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

const (
	// HeaderLen covers kind, ack and seq.
	HeaderLen = 3
	// TrailerLen is the CRC32 trailer.
	TrailerLen = 4
	// MinFrameLen is the length of a control frame, the shortest valid frame.
	MinFrameLen = HeaderLen + TrailerLen
)

var (
	ErrShortFrame = errors.New("frame shorter than minimum length")
	ErrChecksum   = errors.New("frame checksum mismatch")
)

// Frame is the decoded form of a link frame. Seq and Payload only mean
// something for DATA frames.
type Frame struct {
	Kind    Kind
	Ack     Seq
	Seq     Seq
	Payload []byte
}

func (f Frame) String() string {
	if f.Kind == KindData {
		return fmt.Sprintf("%s seq=%d ack=%d len=%d", f.Kind, f.Seq, f.Ack, len(f.Payload))
	}
	return fmt.Sprintf("%s ack=%d", f.Kind, f.Ack)
}

// Encode packs f and appends the CRC32 trailer computed over every preceding
// byte. Control frames never carry a payload.
func Encode(f Frame) []byte {
	n := HeaderLen
	if f.Kind == KindData {
		n += len(f.Payload)
	}
	buf := make([]byte, n, n+TrailerLen)
	buf[0] = byte(f.Kind)
	buf[1] = byte(f.Ack)
	buf[2] = byte(f.Seq)
	if f.Kind == KindData {
		copy(buf[HeaderLen:], f.Payload)
	}
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
}

// Decode verifies the trailer of b and unpacks it. The returned payload
// aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinFrameLen {
		return Frame{}, errors.Wrapf(ErrShortFrame, "got %d bytes", len(b))
	}
	body := b[:len(b)-TrailerLen]
	want := binary.LittleEndian.Uint32(b[len(b)-TrailerLen:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return Frame{}, errors.Wrapf(ErrChecksum, "computed %08x, trailer %08x", got, want)
	}
	f := Frame{
		Kind: Kind(body[0]),
		Ack:  Seq(body[1]),
		Seq:  Seq(body[2]),
	}
	if len(body) > HeaderLen {
		f.Payload = body[HeaderLen:]
	}
	return f, nil
}
