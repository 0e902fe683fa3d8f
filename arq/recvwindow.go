package arq

import (
	"bytes"

	"github.com/sirupsen/logrus"
)

type recvWindow struct {
	space    Space
	capacity int

	frameExpected Seq
	tooFar        Seq

	// in is only used in selective mode; a used slot is a frame that has
	// arrived but not yet been delivered.
	in arena
}

func newRecvWindow(cfg Config) recvWindow {
	sp := cfg.space()
	w := recvWindow{
		space:    sp,
		capacity: cfg.WindowSize,
		tooFar:   sp.Add(0, cfg.WindowSize),
	}
	if cfg.Selective {
		w.in = newArena(cfg.slots(), cfg.PacketSize)
	}
	return w
}

func (w *recvWindow) acceptable(s Seq) bool {
	return Between(w.frameExpected, s, w.tooFar)
}

func (w *recvWindow) advance() {
	w.frameExpected = w.space.Next(w.frameExpected)
	w.tooFar = w.space.Next(w.tooFar)
}

// piggyback is the ack value carried by every outgoing frame: the last
// sequence number delivered in order.
func (l *Link) piggyback() Seq {
	return l.space.Prev(l.rcv.frameExpected)
}

func (l *Link) handleData(f Frame) {
	if len(f.Payload) > l.cfg.PacketSize {
		l.counters.Oversized++
		l.log.WithFields(logrus.Fields{"seq": f.Seq, "len": len(f.Payload), "packet_size": l.cfg.PacketSize}).Warn("oversized frame dropped")
		return
	}
	if l.cfg.Selective {
		l.receiveSelective(f)
		return
	}
	l.receiveStrict(f)
}

// receiveStrict accepts only the next expected frame. Everything else is
// dropped and left to the sender's timeout.
func (l *Link) receiveStrict(f Frame) {
	w := &l.rcv
	if f.Seq != w.frameExpected {
		l.counters.OutOfSequence++
		entry := l.log.WithFields(logrus.Fields{"seq": f.Seq, "expected": w.frameExpected})
		if l.cfg.VerboseMismatch {
			entry.Info("wrong sequence number, frame dropped")
		} else {
			entry.Debug("wrong sequence number, frame dropped")
		}
		return
	}
	l.deliver(f.Payload)
	w.advance()
	l.timers.StartAckTimer(l.cfg.AckTimeout)
}

// receiveSelective buffers any frame inside the receive window and delivers
// the contiguous run starting at frameExpected. A gap is reported with at
// most one NAK until it is filled.
func (l *Link) receiveSelective(f Frame) {
	w := &l.rcv
	if f.Seq != w.frameExpected && l.noNak {
		l.sendNak()
	} else {
		l.timers.StartAckTimer(l.cfg.AckTimeout)
	}

	if !w.acceptable(f.Seq) {
		l.counters.OutOfSequence++
		l.log.WithFields(logrus.Fields{"seq": f.Seq, "expected": w.frameExpected}).Debug("frame outside receive window")
		return
	}
	if w.in.busy(f.Seq) {
		l.counters.Duplicates++
		l.log.WithField("seq", f.Seq).Debug("duplicate frame")
		return
	}
	if err := w.in.put(f.Seq, f.Payload); err != nil {
		// busy was checked above; a failure here is a slot sizing bug
		l.log.WithError(err).Error("receive buffer")
		return
	}
	if f.Seq != w.frameExpected {
		l.counters.Buffered++
	}

	for w.in.busy(w.frameExpected) {
		l.deliver(w.in.get(w.frameExpected))
		w.in.release(w.frameExpected)
		l.noNak = true
		w.advance()
		l.timers.StartAckTimer(l.cfg.AckTimeout)
	}
}

// deliver passes a copy of pkt to the network layer.
func (l *Link) deliver(pkt []byte) {
	l.counters.PacketsDelivered++
	l.net.PutPacket(bytes.Clone(pkt))
}

// OnAckTimeout sends the pending acknowledgment as a bare ACK frame.
func (l *Link) OnAckTimeout() {
	l.counters.AckTimeouts++
	l.sendControl(KindAck)
	if l.cfg.AckKeepalive {
		l.timers.StartAckTimer(l.cfg.AckTimeout)
	}
}

func (l *Link) sendNak() {
	l.noNak = false
	l.counters.NaksSent++
	l.sendControl(KindNak)
}

// sendControl transmits an ACK or NAK carrying the piggyback value. Any
// outgoing frame carries the ack, so the ack timer is stopped.
func (l *Link) sendControl(k Kind) {
	f := Frame{Kind: k, Ack: l.piggyback()}
	l.timers.StopAckTimer()
	l.log.WithFields(logrus.Fields{"kind": k, "ack": f.Ack}).Debug("send control")
	if k == KindAck {
		l.counters.AcksSent++
	}
	l.putFrame(f)
}
