package arq

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultPacketSize is the fixed network layer packet size.
const DefaultPacketSize = 256

var ErrInvalidConfig = errors.New("invalid link configuration")

// Config parameterises the link engine. The three protocol variants are
// presets of the same engine; Selective and RetransmitAll may be combined
// freely.
type Config struct {
	Name string

	MaxSeq     Seq
	WindowSize int
	PacketSize int

	// Selective buffers out of order frames and sends NAKs. When false the
	// receiver only accepts the next expected frame.
	Selective bool
	// RetransmitAll resends the whole outstanding window on a data timeout
	// instead of the single frame that timed out.
	RetransmitAll bool
	// AckKeepalive re-arms the ack timer every time a bare ACK goes out.
	AckKeepalive bool
	// VerboseMismatch logs dropped out of sequence frames at info level.
	VerboseMismatch bool

	DataTimeout time.Duration
	AckTimeout  time.Duration

	Logger logrus.FieldLogger
}

// Preset names accepted by Preset.
const (
	GoBackN         = "gobackn"
	GoBackNImproved = "gobackn-improved"
	SelectiveRepeat = "selective"
)

// Preset returns the defaults for a named protocol variant.
func Preset(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case GoBackN:
		return Config{
			Name:          GoBackN,
			MaxSeq:        DefaultMaxSeq,
			WindowSize:    int(DefaultMaxSeq),
			PacketSize:    DefaultPacketSize,
			RetransmitAll: true,
			DataTimeout:   2000 * time.Millisecond,
			AckTimeout:    500 * time.Millisecond,
		}, nil
	case GoBackNImproved:
		return Config{
			Name:            GoBackNImproved,
			MaxSeq:          DefaultMaxSeq,
			WindowSize:      int(DefaultMaxSeq),
			PacketSize:      DefaultPacketSize,
			RetransmitAll:   true,
			AckKeepalive:    true,
			VerboseMismatch: true,
			DataTimeout:     2000 * time.Millisecond,
			AckTimeout:      1000 * time.Millisecond,
		}, nil
	case SelectiveRepeat:
		return Config{
			Name:        SelectiveRepeat,
			MaxSeq:      DefaultMaxSeq,
			WindowSize:  (int(DefaultMaxSeq) + 1) / 2,
			PacketSize:  DefaultPacketSize,
			Selective:   true,
			DataTimeout: 1080 * time.Millisecond,
			AckTimeout:  1080 * time.Millisecond,
		}, nil
	}
	return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown protocol %q", name)
}

// MaxWindow returns the largest window the sequence space allows for the
// configured receive mode.
func (c Config) MaxWindow() int {
	if c.Selective {
		return (int(c.MaxSeq) + 1) / 2
	}
	return int(c.MaxSeq)
}

// Validate checks the window bounds and timers.
func (c Config) Validate() error {
	if c.MaxSeq == 0 {
		return errors.Wrap(ErrInvalidConfig, "max seq must be at least 1")
	}
	if c.WindowSize < 1 || c.WindowSize > c.MaxWindow() {
		return errors.Wrapf(ErrInvalidConfig, "window size %d outside [1, %d]", c.WindowSize, c.MaxWindow())
	}
	if c.PacketSize < 1 {
		return errors.Wrapf(ErrInvalidConfig, "packet size %d", c.PacketSize)
	}
	if c.DataTimeout <= 0 || c.AckTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "timeouts must be positive")
	}
	return nil
}

func (c Config) space() Space {
	return Space{Max: c.MaxSeq}
}

// slots is the arena size. It is the window size when that divides the
// sequence space, so consecutive sequence numbers never share a slot;
// otherwise every sequence number gets its own slot.
func (c Config) slots() int {
	n := int(c.MaxSeq) + 1
	if n%c.WindowSize == 0 {
		return c.WindowSize
	}
	return n
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}
