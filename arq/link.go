package arq

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PhysicalLayer transmits encoded frames.
type PhysicalLayer interface {
	SendFrame(frame []byte) error
}

// Channel is a physical layer that also delivers inbound frames and signals
// when it can accept the next outbound frame.
type Channel interface {
	PhysicalLayer
	Frames() <-chan []byte
	Ready() <-chan struct{}
}

// NetworkLayer receives packets in order, exactly once each.
type NetworkLayer interface {
	PutPacket(pkt []byte)
}

// Link is one end of an ARQ link. All window state belongs to the goroutine
// that calls Run; the exported event handlers exist so the engine can be
// driven step by step and must not be called concurrently with Run.
type Link struct {
	cfg   Config
	space Space
	log   logrus.FieldLogger

	phy    PhysicalLayer
	net    NetworkLayer
	timers Timers

	ch    Channel
	clock *Clock

	snd sendWindow
	rcv recvWindow

	noNak    bool
	phyReady bool

	sendErr  error
	drained  chan struct{}
	counters Counters

	mu     sync.Mutex
	status Status
}

// NewLink builds a link over ch delivering to net. Timers are provided by an
// internal Clock.
func NewLink(cfg Config, ch Channel, net NetworkLayer) (*Link, error) {
	clock := NewClock(int(cfg.MaxSeq) + 2)
	l, err := newLink(cfg, ch, net, clock)
	if err != nil {
		return nil, err
	}
	l.ch = ch
	l.clock = clock
	return l, nil
}

func newLink(cfg Config, phy PhysicalLayer, net NetworkLayer, timers Timers) (*Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Link{
		cfg:     cfg,
		space:   cfg.space(),
		log:     cfg.logger().WithField("protocol", cfg.Name),
		phy:     phy,
		net:     net,
		timers:  timers,
		snd:     newSendWindow(cfg),
		rcv:     newRecvWindow(cfg),
		noNak:   true,
		drained: make(chan struct{}),
	}
	l.publish()
	return l, nil
}

// Drained is closed once Run has seen the packet source close and every
// submitted packet has been acknowledged.
func (l *Link) Drained() <-chan struct{} {
	return l.drained
}

// IntakeEnabled reports whether the link will accept a packet from the
// network layer: the window has headroom and the channel is ready.
func (l *Link) IntakeEnabled() bool {
	return l.phyReady && !l.snd.full()
}

// OnPhysicalReady records that the channel can take another frame.
func (l *Link) OnPhysicalReady() {
	l.phyReady = true
}

// OnFrame handles one raw frame from the channel. Corrupt frames are
// counted and dropped; the sender's timer recovers them.
func (l *Link) OnFrame(raw []byte) {
	f, err := Decode(raw)
	if err != nil {
		if errors.Is(err, ErrShortFrame) {
			l.counters.ShortFrames++
		} else {
			l.counters.ChecksumErrors++
		}
		l.log.WithError(err).Warn("dropping frame")
		return
	}
	l.counters.FramesReceived++
	l.log.WithFields(logrus.Fields{"kind": f.Kind, "seq": f.Seq, "ack": f.Ack}).Debug("recv")

	switch f.Kind {
	case KindData:
		l.handleData(f)
	case KindNak:
		if l.cfg.Selective {
			l.handleNak(f)
		}
	case KindAck:
	default:
		l.counters.UnknownKind++
		l.log.WithField("kind", f.Kind).Warn("unknown frame kind")
		return
	}
	l.handleAck(f.Ack)
}

func (l *Link) putFrame(f Frame) {
	l.phyReady = false
	l.counters.FramesSent++
	if err := l.phy.SendFrame(Encode(f)); err != nil && l.sendErr == nil {
		l.sendErr = errors.Wrapf(err, "send %s", f.Kind)
	}
}

// Run processes channel, timer and network layer events until ctx is done
// or the channel fails. Packets are taken from source only while
// IntakeEnabled holds; closing source lets the link drain.
func (l *Link) Run(ctx context.Context, source <-chan []byte) error {
	if l.ch == nil || l.clock == nil {
		return errors.New("link was not built with NewLink")
	}
	defer l.clock.Close()

	frames := l.ch.Frames()
	l.log.WithFields(logrus.Fields{
		"window":    l.cfg.WindowSize,
		"max_seq":   l.cfg.MaxSeq,
		"selective": l.cfg.Selective,
	}).Info("link running")

	for {
		var intake <-chan []byte
		if source != nil && l.IntakeEnabled() {
			intake = source
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-intake:
			if !ok {
				source = nil
				break
			}
			if _, err := l.Submit(pkt); err != nil {
				// intake is gated on headroom, so only an oversized
				// packet gets here; it is dropped
				l.log.WithError(err).Error("submit")
			}
		case <-l.ch.Ready():
			l.OnPhysicalReady()
		case raw, ok := <-frames:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return errors.New("channel closed")
			}
			l.OnFrame(raw)
		case ev := <-l.clock.C():
			if !l.clock.Current(ev) {
				break
			}
			if ev.Ack {
				l.OnAckTimeout()
			} else {
				l.OnDataTimeout(ev.Seq)
			}
		}

		if l.sendErr != nil {
			return l.sendErr
		}
		if source == nil && l.snd.count == 0 {
			l.markDrained()
		}
		l.publish()
	}
}

func (l *Link) markDrained() {
	select {
	case <-l.drained:
	default:
		l.log.Info("send window drained")
		close(l.drained)
	}
}
