// Package filexfer turns files into fixed-size network layer packets for the
// link and puts them back together on the other side.
package filexfer

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"math/rand"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	TypeHeader byte = 'H'
	TypeData   byte = 'D'

	// PrefixLen is the type byte plus the 2-byte content length.
	PrefixLen = 3
)

var (
	ErrPacketTooSmall = errors.New("packet size too small")
	ErrBadPacket      = errors.New("malformed packet")
	ErrBadHeader      = errors.New("malformed file header")
)

// Header describes one file. It travels as the content of the first packet
// of a transfer: id|name|origSize|compSize|md5|count|compress.
type Header struct {
	ID       string
	Name     string
	OrigSize int
	CompSize int
	MD5      string
	// Count is the number of data packets that follow.
	Count    int
	Compress bool
}

func (h Header) String() string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%d|%d",
		h.ID, h.Name, h.OrigSize, h.CompSize, h.MD5, h.Count, boolToInt(h.Compress))
}

// ParseHeader parses the content of a header packet.
func ParseHeader(s string) (Header, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 7 {
		return Header{}, errors.Wrapf(ErrBadHeader, "%d fields", len(parts))
	}
	h := Header{
		ID:       parts[0],
		Name:     parts[1],
		MD5:      parts[4],
		Compress: parts[6] == "1",
	}
	var err error
	if h.OrigSize, err = strconv.Atoi(parts[2]); err != nil {
		return Header{}, errors.Wrap(ErrBadHeader, "original size")
	}
	if h.CompSize, err = strconv.Atoi(parts[3]); err != nil {
		return Header{}, errors.Wrap(ErrBadHeader, "compressed size")
	}
	if h.Count, err = strconv.Atoi(parts[5]); err != nil || h.Count < 0 {
		return Header{}, errors.Wrap(ErrBadHeader, "packet count")
	}
	if h.Name == "" {
		return Header{}, errors.Wrap(ErrBadHeader, "empty file name")
	}
	return h, nil
}

// Options controls how a file is split.
type Options struct {
	PacketSize int
	Compress   bool
}

// ChunkSize is the file bytes carried per data packet.
func (o Options) ChunkSize() int {
	return o.PacketSize - PrefixLen
}

// Packetize compresses data if asked, splits it into data packets and
// prepends the header packet.
func Packetize(name string, data []byte, opts Options) ([][]byte, Header, error) {
	if opts.ChunkSize() < 1 || opts.ChunkSize() > math.MaxUint16 {
		return nil, Header{}, errors.Wrapf(ErrPacketTooSmall, "%d bytes", opts.PacketSize)
	}
	payload := data
	if opts.Compress {
		var buf bytes.Buffer
		zw, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
		if err != nil {
			return nil, Header{}, errors.Wrap(err, "compression")
		}
		if _, err := zw.Write(data); err != nil {
			return nil, Header{}, errors.Wrap(err, "compression")
		}
		if err := zw.Close(); err != nil {
			return nil, Header{}, errors.Wrap(err, "compression")
		}
		payload = buf.Bytes()
	}
	sum := md5.Sum(data)
	chunk := opts.ChunkSize()
	h := Header{
		ID:       generateFileID(),
		Name:     strings.ReplaceAll(filepath.Base(name), "|", "_"),
		OrigSize: len(data),
		CompSize: len(payload),
		MD5:      hex.EncodeToString(sum[:]),
		Count:    (len(payload) + chunk - 1) / chunk,
		Compress: opts.Compress,
	}

	headerContent := []byte(h.String())
	if len(headerContent) > chunk {
		return nil, Header{}, errors.Wrapf(ErrPacketTooSmall, "header needs %d bytes, packet holds %d", len(headerContent), chunk)
	}
	packets := make([][]byte, 0, h.Count+1)
	packets = append(packets, encodePacket(TypeHeader, headerContent, opts.PacketSize))
	for i := 0; i < len(payload); i += chunk {
		end := min(i+chunk, len(payload))
		packets = append(packets, encodePacket(TypeData, payload[i:end], opts.PacketSize))
	}
	return packets, h, nil
}

func encodePacket(typ byte, content []byte, size int) []byte {
	pkt := make([]byte, size)
	pkt[0] = typ
	binary.BigEndian.PutUint16(pkt[1:PrefixLen], uint16(len(content)))
	copy(pkt[PrefixLen:], content)
	return pkt
}

// DecodePacket returns the type and content of a packet, ignoring padding.
func DecodePacket(pkt []byte) (byte, []byte, error) {
	if len(pkt) < PrefixLen {
		return 0, nil, errors.Wrapf(ErrBadPacket, "%d bytes", len(pkt))
	}
	n := int(binary.BigEndian.Uint16(pkt[1:PrefixLen]))
	if PrefixLen+n > len(pkt) {
		return 0, nil, errors.Wrapf(ErrBadPacket, "length %d exceeds packet", n)
	}
	switch pkt[0] {
	case TypeHeader, TypeData:
	default:
		return 0, nil, errors.Wrapf(ErrBadPacket, "type %#x", pkt[0])
	}
	return pkt[0], pkt[PrefixLen : PrefixLen+n], nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decompression")
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	return out, errors.Wrap(err, "decompression")
}

// generateFileID returns a two-character random file ID.
func generateFileID() string {
	chars := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	return string([]byte{
		chars[rand.Intn(len(chars))],
		chars[rand.Intn(len(chars))],
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
