// Package kiss moves link frames over a KISS TNC, either on a TCP socket or
// a serial port, wrapping each one in an AX.25 UI frame.
package kiss

import "bytes"

// ---------------------
// KISS framing
// ---------------------

const (
	FEND  = 0xC0
	FESC  = 0xDB
	TFEND = 0xDC
	TFESC = 0xDD

	// CmdData is the KISS command byte for a data frame on port 0.
	CmdData = 0x00
)

// Escape escapes any KISS special bytes so that framing is preserved.
func Escape(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	for _, b := range data {
		switch b {
		case FEND:
			out = append(out, FESC, TFEND)
		case FESC:
			out = append(out, FESC, TFESC)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unescape reverses the KISS escaping. A FESC that is not followed by a
// transposed byte is kept as is.
func Unescape(data []byte) []byte {
	var out bytes.Buffer
	for i := 0; i < len(data); {
		b := data[i]
		if b == FESC && i+1 < len(data) {
			switch data[i+1] {
			case TFEND:
				out.WriteByte(FEND)
				i += 2
				continue
			case TFESC:
				out.WriteByte(FESC)
				i += 2
				continue
			}
		}
		out.WriteByte(b)
		i++
	}
	return out.Bytes()
}

// BuildFrame builds a KISS data frame from raw packet bytes.
func BuildFrame(packet []byte) []byte {
	frame := make([]byte, 0, len(packet)+8)
	frame = append(frame, FEND, CmdData)
	frame = append(frame, Escape(packet)...)
	return append(frame, FEND)
}

// ExtractFrames extracts complete KISS frames from buf. Each returned frame
// includes its opening and closing FEND. The closing FEND of one frame may
// open the next. Bytes after the last complete frame are returned as the
// remainder.
func ExtractFrames(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.IndexByte(buf, FEND)
		if start == -1 {
			return frames, nil
		}
		buf = buf[start:]
		end := bytes.IndexByte(buf[1:], FEND)
		if end == -1 {
			return frames, buf
		}
		end++
		if end > 1 {
			frames = append(frames, buf[:end+1])
		}
		buf = buf[end:]
	}
}

// Payload strips the FENDs and command byte from a frame returned by
// ExtractFrames and unescapes it. ok is false for empty frames and for
// anything but a data frame.
func Payload(frame []byte) (packet []byte, ok bool) {
	if len(frame) < 4 || frame[0] != FEND || frame[len(frame)-1] != FEND {
		return nil, false
	}
	if frame[1]&0x0F != CmdData {
		return nil, false
	}
	return Unescape(frame[2 : len(frame)-1]), true
}
