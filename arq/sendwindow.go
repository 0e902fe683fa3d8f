package arq

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrWindowFull = errors.New("send window full")
	ErrSlotBusy   = errors.New("buffer slot already in use")
	// ErrPacketTooLarge is returned by Submit for packets longer than the
	// configured packet size.
	ErrPacketTooLarge = errors.New("packet larger than packet size")
)

// arena is a fixed set of packet buffers indexed by seq mod len(bufs). A
// slot is marked used while it holds a live packet and must be released
// before it can be written again.
type arena struct {
	bufs [][]byte
	used []bool
}

func newArena(slots, size int) arena {
	a := arena{
		bufs: make([][]byte, slots),
		used: make([]bool, slots),
	}
	for i := range a.bufs {
		a.bufs[i] = make([]byte, size)
	}
	return a
}

func (a *arena) index(s Seq) int {
	return int(s) % len(a.bufs)
}

// put copies pkt into the slot for s, zero padding it to the packet size.
// Callers reject packets longer than the slot.
func (a *arena) put(s Seq, pkt []byte) error {
	i := a.index(s)
	if a.used[i] {
		return errors.Wrapf(ErrSlotBusy, "slot %d for seq %d", i, s)
	}
	n := copy(a.bufs[i], pkt)
	clear(a.bufs[i][n:])
	a.used[i] = true
	return nil
}

func (a *arena) get(s Seq) []byte {
	return a.bufs[a.index(s)]
}

func (a *arena) busy(s Seq) bool {
	return a.used[a.index(s)]
}

func (a *arena) release(s Seq) {
	a.used[a.index(s)] = false
}

/*
	          ackExpected            nextFrameToSend
	               |                        |
	---------------+------------------------+----------------
	     acked     |  in flight (count)     |   not yet sent
	---------------+------------------------+----------------
	               |<------ capacity ------------->|
*/

type sendWindow struct {
	space    Space
	capacity int

	ackExpected     Seq
	nextFrameToSend Seq
	count           int

	out arena
}

func newSendWindow(cfg Config) sendWindow {
	return sendWindow{
		space:    cfg.space(),
		capacity: cfg.WindowSize,
		out:      newArena(cfg.slots(), cfg.PacketSize),
	}
}

func (w *sendWindow) full() bool {
	return w.count >= w.capacity
}

// outstanding reports whether s has been sent and not yet acknowledged.
func (w *sendWindow) outstanding(s Seq) bool {
	return Between(w.ackExpected, s, w.nextFrameToSend)
}

// Submit hands one network layer packet to the link. It fails with
// ErrWindowFull while the window has no headroom; the caller must hold the
// packet until an acknowledgment frees a slot. Packets longer than the
// packet size fail with ErrPacketTooLarge.
func (l *Link) Submit(pkt []byte) (Seq, error) {
	w := &l.snd
	if len(pkt) > l.cfg.PacketSize {
		return 0, errors.Wrapf(ErrPacketTooLarge, "%d bytes, packet size %d", len(pkt), l.cfg.PacketSize)
	}
	if w.full() {
		return 0, errors.Wrapf(ErrWindowFull, "%d frames outstanding", w.count)
	}
	seq := w.nextFrameToSend
	if err := w.out.put(seq, pkt); err != nil {
		return 0, err
	}
	w.count++
	l.counters.PacketsSubmitted++
	l.sendData(seq)
	w.nextFrameToSend = w.space.Next(seq)
	return seq, nil
}

// sendData transmits the buffered packet for seq with the current piggyback
// ack and (re)starts its timer. Sending data satisfies any pending ack, so
// the ack timer is stopped.
func (l *Link) sendData(seq Seq) {
	f := Frame{
		Kind:    KindData,
		Ack:     l.piggyback(),
		Seq:     seq,
		Payload: l.snd.out.get(seq),
	}
	l.timers.StopAckTimer()
	l.log.WithFields(logrus.Fields{"seq": f.Seq, "ack": f.Ack}).Debug("send DATA")
	l.putFrame(f)
	l.counters.DataSent++
	l.timers.StartTimer(seq, l.cfg.DataTimeout)
}

// handleAck retires every outstanding frame up to and including ack.
// Values outside the outstanding range change nothing.
func (l *Link) handleAck(ack Seq) {
	w := &l.snd
	for w.outstanding(ack) {
		l.timers.StopTimer(w.ackExpected)
		w.out.release(w.ackExpected)
		w.count--
		l.counters.FramesAcked++
		w.ackExpected = w.space.Next(w.ackExpected)
	}
}

// handleNak resends the frame the peer is missing without waiting for its
// timer.
func (l *Link) handleNak(f Frame) {
	l.counters.NaksReceived++
	seq := l.space.Next(f.Ack)
	if !l.snd.outstanding(seq) {
		l.log.WithField("seq", seq).Debug("NAK for frame not outstanding")
		return
	}
	l.log.WithField("seq", seq).Debug("NAK, resending")
	l.counters.Retransmissions++
	l.sendData(seq)
}

// OnDataTimeout handles the expiry of the data timer for seq. A timeout for
// a frame that is no longer outstanding is stale and ignored.
func (l *Link) OnDataTimeout(seq Seq) {
	w := &l.snd
	if !w.outstanding(seq) {
		l.counters.StaleTimeouts++
		l.log.WithField("seq", seq).Debug("stale data timeout")
		return
	}
	l.counters.DataTimeouts++
	l.log.WithField("seq", seq).Info("data timeout")
	if !l.cfg.RetransmitAll {
		l.counters.Retransmissions++
		l.sendData(seq)
		return
	}
	w.nextFrameToSend = w.ackExpected
	for i := 0; i < w.count; i++ {
		l.counters.Retransmissions++
		l.sendData(w.nextFrameToSend)
		w.nextFrameToSend = w.space.Next(w.nextFrameToSend)
	}
}
