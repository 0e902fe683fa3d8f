package arq

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeTimers struct {
	running map[Seq]bool
	started []Seq
	stops   int
	ack     bool
	ackRuns int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{running: make(map[Seq]bool)}
}

func (f *fakeTimers) StartTimer(seq Seq, d time.Duration) {
	f.running[seq] = true
	f.started = append(f.started, seq)
}

func (f *fakeTimers) StopTimer(seq Seq) {
	f.stops++
	delete(f.running, seq)
}

func (f *fakeTimers) StartAckTimer(d time.Duration) {
	f.ack = true
	f.ackRuns++
}

func (f *fakeTimers) StopAckTimer() { f.ack = false }

type fakePhy struct {
	t      *testing.T
	frames []Frame
}

func (p *fakePhy) SendFrame(b []byte) error {
	f, err := Decode(b)
	if err != nil {
		p.t.Fatalf("link sent undecodable frame: %v", err)
	}
	f.Payload = bytes.Clone(f.Payload)
	p.frames = append(p.frames, f)
	return nil
}

func (p *fakePhy) kinds(k Kind) []Frame {
	var out []Frame
	for _, f := range p.frames {
		if f.Kind == k {
			out = append(out, f)
		}
	}
	return out
}

func (p *fakePhy) dataSeqs() []Seq {
	var out []Seq
	for _, f := range p.kinds(KindData) {
		out = append(out, f.Seq)
	}
	return out
}

type fakeNet struct {
	pkts [][]byte
}

func (n *fakeNet) PutPacket(pkt []byte) { n.pkts = append(n.pkts, pkt) }

func testConfig(t *testing.T, preset string) Config {
	t.Helper()
	cfg, err := Preset(preset)
	if err != nil {
		t.Fatal(err)
	}
	cfg.PacketSize = 4
	return cfg
}

func newTestLink(t *testing.T, cfg Config) (*Link, *fakePhy, *fakeTimers, *fakeNet) {
	t.Helper()
	phy := &fakePhy{t: t}
	tm := newFakeTimers()
	nl := &fakeNet{}
	l, err := newLink(cfg, phy, nl, tm)
	if err != nil {
		t.Fatal(err)
	}
	return l, phy, tm, nl
}

func pkt(b byte) []byte { return []byte{b, b, b, b} }

func dataFrame(seq, ack Seq) []byte {
	return Encode(Frame{Kind: KindData, Seq: seq, Ack: ack, Payload: pkt(byte(seq))})
}

func ackFrame(ack Seq) []byte {
	return Encode(Frame{Kind: KindAck, Ack: ack})
}

func submitN(t *testing.T, l *Link, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seq, err := l.Submit(pkt(byte(i)))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if int(seq) != i%l.space.Size() {
			t.Fatalf("submit %d got seq %d", i, seq)
		}
	}
}

func seqsEqual(a, b []Seq) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitPiggybacksAndStartsTimer(t *testing.T) {
	l, phy, tm, _ := newTestLink(t, testConfig(t, GoBackN))

	l.OnFrame(dataFrame(0, 7))
	if !tm.ack {
		t.Fatal("ack timer not armed after in order data")
	}
	submitN(t, l, 1)

	if tm.ack {
		t.Error("ack timer still armed after piggybacked data")
	}
	if !tm.running[0] {
		t.Error("data timer for seq 0 not running")
	}
	got := phy.kinds(KindData)
	if len(got) != 1 || got[0].Ack != 0 {
		t.Fatalf("sent %v, want one DATA with ack 0", got)
	}
	if !bytes.Equal(got[0].Payload, pkt(0)) {
		t.Errorf("payload %v", got[0].Payload)
	}
}

func TestGoBackNTimeoutResendsRest(t *testing.T) {
	l, phy, tm, _ := newTestLink(t, testConfig(t, GoBackN))
	submitN(t, l, 4)

	l.OnFrame(ackFrame(0))
	if tm.running[0] {
		t.Error("timer for retired seq 0 still running")
	}

	phy.frames = nil
	tm.started = nil
	l.OnDataTimeout(1)

	want := []Seq{1, 2, 3}
	if got := phy.dataSeqs(); !seqsEqual(got, want) {
		t.Errorf("retransmitted %v, want %v", got, want)
	}
	if !seqsEqual(tm.started, want) {
		t.Errorf("timers restarted for %v, want %v", tm.started, want)
	}
	if l.snd.nextFrameToSend != 4 || l.snd.count != 3 {
		t.Errorf("next=%d count=%d, want 4 and 3", l.snd.nextFrameToSend, l.snd.count)
	}
	if l.counters.Retransmissions != 3 {
		t.Errorf("retransmissions = %d", l.counters.Retransmissions)
	}
}

func TestSelectiveTimeoutResendsOneFrame(t *testing.T) {
	l, phy, _, _ := newTestLink(t, testConfig(t, SelectiveRepeat))
	submitN(t, l, 3)
	phy.frames = nil

	l.OnDataTimeout(1)
	if got := phy.dataSeqs(); !seqsEqual(got, []Seq{1}) {
		t.Errorf("retransmitted %v, want [1]", got)
	}
}

func TestStaleDataTimeoutIgnored(t *testing.T) {
	l, phy, _, _ := newTestLink(t, testConfig(t, GoBackN))
	submitN(t, l, 2)
	l.OnFrame(ackFrame(1))
	phy.frames = nil

	l.OnDataTimeout(0)
	if len(phy.frames) != 0 {
		t.Errorf("stale timeout sent %v", phy.frames)
	}
	if l.counters.StaleTimeouts != 1 {
		t.Errorf("stale timeouts = %d", l.counters.StaleTimeouts)
	}
}

func TestCumulativeAck(t *testing.T) {
	tests := []struct {
		name      string
		acks      []Seq
		wantAck   Seq
		wantCount int
	}{
		{"none", nil, 0, 4},
		{"first", []Seq{0}, 1, 3},
		{"cumulative", []Seq{2}, 3, 1},
		{"repeated", []Seq{2, 2, 2}, 3, 1},
		{"stale after advance", []Seq{2, 0}, 3, 1},
		{"not yet sent", []Seq{5}, 0, 4},
		{"last delivered before start", []Seq{7}, 0, 4},
		{"all", []Seq{1, 3}, 4, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, tm, _ := newTestLink(t, testConfig(t, GoBackN))
			submitN(t, l, 4)
			for _, a := range tt.acks {
				l.OnFrame(ackFrame(a))
			}
			if l.snd.ackExpected != tt.wantAck || l.snd.count != tt.wantCount {
				t.Errorf("ackExpected=%d count=%d, want %d and %d",
					l.snd.ackExpected, l.snd.count, tt.wantAck, tt.wantCount)
			}
			if len(tm.running) != tt.wantCount {
				t.Errorf("%d data timers running, want %d", len(tm.running), tt.wantCount)
			}
			// one stop per retired frame, none for acks already seen
			if retired := 4 - tt.wantCount; tm.stops != retired {
				t.Errorf("%d timer stops, want %d", tm.stops, retired)
			}
		})
	}
}

func TestAckWrapsAroundSequenceSpace(t *testing.T) {
	l, _, _, _ := newTestLink(t, testConfig(t, GoBackN))
	submitN(t, l, 6)
	l.OnFrame(ackFrame(5))
	for i := 0; i < 4; i++ {
		if _, err := l.Submit(pkt(byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	// seqs 6,7,0,1 outstanding
	l.OnFrame(ackFrame(0))
	if l.snd.ackExpected != 1 || l.snd.count != 1 {
		t.Errorf("ackExpected=%d count=%d, want 1 and 1", l.snd.ackExpected, l.snd.count)
	}
}

func TestBackpressure(t *testing.T) {
	l, _, _, _ := newTestLink(t, testConfig(t, GoBackN))
	l.OnPhysicalReady()
	if !l.IntakeEnabled() {
		t.Fatal("intake disabled on an idle ready link")
	}
	submitN(t, l, 7)

	if _, err := l.Submit(pkt(9)); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("submit on full window: %v", err)
	}
	l.OnPhysicalReady()
	if l.IntakeEnabled() {
		t.Error("intake enabled with a full window")
	}

	l.OnFrame(ackFrame(0))
	if !l.IntakeEnabled() {
		t.Error("intake disabled after an ack freed a slot")
	}
	if _, err := l.Submit(pkt(9)); err != nil {
		t.Errorf("submit after ack: %v", err)
	}
	if l.IntakeEnabled() {
		t.Error("intake enabled before the channel signalled ready")
	}
}

func TestSubmitRejectsOversizedPacket(t *testing.T) {
	l, phy, tm, _ := newTestLink(t, testConfig(t, SelectiveRepeat))

	_, err := l.Submit([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("submit of 8 bytes with packet size 4: %v", err)
	}
	if len(phy.frames) != 0 || len(tm.started) != 0 || l.snd.count != 0 {
		t.Error("rejected packet reached the window")
	}

	if _, err := l.Submit([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("submit of exactly packet size: %v", err)
	}
	if got := phy.frames[0].Payload; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("sent %v", got)
	}
}

func TestOversizedDataDropped(t *testing.T) {
	for _, preset := range []string{GoBackN, SelectiveRepeat} {
		t.Run(preset, func(t *testing.T) {
			l, phy, tm, nl := newTestLink(t, testConfig(t, preset))

			big := Encode(Frame{Kind: KindData, Seq: 0, Ack: 7, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
			l.OnFrame(big)
			if len(nl.pkts) != 0 || len(phy.frames) != 0 || tm.ack {
				t.Fatalf("oversized frame had an effect: delivered %v, sent %v", nl.pkts, phy.frames)
			}
			if l.counters.Oversized != 1 {
				t.Errorf("oversized = %d", l.counters.Oversized)
			}

			l.OnFrame(dataFrame(0, 7))
			if len(nl.pkts) != 1 || !bytes.Equal(nl.pkts[0], pkt(0)) {
				t.Errorf("delivered %v after a good frame", nl.pkts)
			}
		})
	}
}

func TestStrictReceiveDropsOutOfOrder(t *testing.T) {
	l, phy, tm, nl := newTestLink(t, testConfig(t, GoBackN))

	l.OnFrame(dataFrame(1, 7))
	if len(nl.pkts) != 0 || tm.ack || len(phy.frames) != 0 {
		t.Fatal("out of order frame had an effect")
	}
	l.OnFrame(dataFrame(0, 7))
	l.OnFrame(dataFrame(0, 7))
	l.OnFrame(dataFrame(1, 7))

	if len(nl.pkts) != 2 || !bytes.Equal(nl.pkts[0], pkt(0)) || !bytes.Equal(nl.pkts[1], pkt(1)) {
		t.Errorf("delivered %v", nl.pkts)
	}
	if l.counters.OutOfSequence != 2 {
		t.Errorf("out of sequence = %d", l.counters.OutOfSequence)
	}
	if l.piggyback() != 1 {
		t.Errorf("piggyback = %d, want 1", l.piggyback())
	}
}

func TestAckTimeoutSendsBareAck(t *testing.T) {
	for _, preset := range []string{GoBackN, GoBackNImproved, SelectiveRepeat} {
		t.Run(preset, func(t *testing.T) {
			cfg := testConfig(t, preset)
			l, phy, tm, _ := newTestLink(t, cfg)
			l.OnFrame(dataFrame(0, 7))
			l.OnFrame(dataFrame(1, 7))

			l.OnAckTimeout()
			acks := phy.kinds(KindAck)
			if len(acks) != 1 || acks[0].Ack != 1 {
				t.Fatalf("sent %v, want one ACK 1", phy.frames)
			}
			if len(phy.kinds(KindNak)) != 0 {
				t.Error("ack timeout sent a NAK")
			}
			if tm.ack != cfg.AckKeepalive {
				t.Errorf("ack timer armed = %v, want %v", tm.ack, cfg.AckKeepalive)
			}
		})
	}
}

func TestSelectiveReassembly(t *testing.T) {
	l, phy, _, nl := newTestLink(t, testConfig(t, SelectiveRepeat))

	l.OnFrame(dataFrame(0, 7))
	l.OnFrame(dataFrame(2, 7))
	l.OnFrame(dataFrame(3, 7))
	if len(nl.pkts) != 1 {
		t.Fatalf("delivered %d packets before the gap was filled", len(nl.pkts))
	}
	l.OnFrame(dataFrame(1, 7))

	if len(nl.pkts) != 4 {
		t.Fatalf("delivered %d packets, want 4", len(nl.pkts))
	}
	for i, p := range nl.pkts {
		if !bytes.Equal(p, pkt(byte(i))) {
			t.Errorf("packet %d = %v", i, p)
		}
	}
	if l.rcv.frameExpected != 4 || l.rcv.tooFar != 0 {
		t.Errorf("frameExpected=%d tooFar=%d, want 4 and 0", l.rcv.frameExpected, l.rcv.tooFar)
	}
	for i, used := range l.rcv.in.used {
		if used {
			t.Errorf("slot %d still marked arrived", i)
		}
	}
	naks := phy.kinds(KindNak)
	if len(naks) != 1 || naks[0].Ack != 0 {
		t.Errorf("NAKs %v, want one asking for seq 1", naks)
	}
	if !l.noNak {
		t.Error("NAK suppression not cleared after gap filled")
	}

	l.OnFrame(dataFrame(2, 7))
	if len(nl.pkts) != 4 {
		t.Error("old frame delivered twice")
	}
}

func TestSelectiveDuplicateBuffered(t *testing.T) {
	l, _, _, nl := newTestLink(t, testConfig(t, SelectiveRepeat))
	l.OnFrame(dataFrame(2, 7))
	l.OnFrame(dataFrame(2, 7))
	l.OnFrame(dataFrame(4, 7))
	if l.counters.Duplicates != 1 || l.counters.OutOfSequence != 1 {
		t.Errorf("duplicates=%d outOfSequence=%d", l.counters.Duplicates, l.counters.OutOfSequence)
	}
	l.OnFrame(dataFrame(0, 7))
	l.OnFrame(dataFrame(1, 7))
	if len(nl.pkts) != 3 {
		t.Errorf("delivered %d packets, want 3", len(nl.pkts))
	}
}

func TestNakSuppression(t *testing.T) {
	l, phy, _, _ := newTestLink(t, testConfig(t, SelectiveRepeat))

	l.OnFrame(dataFrame(1, 7))
	l.OnFrame(dataFrame(2, 7))
	if n := len(phy.kinds(KindNak)); n != 1 {
		t.Fatalf("%d NAKs for one gap", n)
	}

	l.OnFrame(dataFrame(0, 7))
	l.OnFrame(dataFrame(4, 7))
	naks := phy.kinds(KindNak)
	if len(naks) != 2 {
		t.Fatalf("%d NAKs, want a second one for the new gap", len(naks))
	}
	if naks[1].Ack != 2 {
		t.Errorf("second NAK ack = %d, want 2", naks[1].Ack)
	}
}

func TestNakResendsMissingFrame(t *testing.T) {
	l, phy, _, _ := newTestLink(t, testConfig(t, SelectiveRepeat))
	submitN(t, l, 3)
	phy.frames = nil

	l.OnFrame(Encode(Frame{Kind: KindNak, Ack: 0}))
	if got := phy.dataSeqs(); !seqsEqual(got, []Seq{1}) {
		t.Errorf("resent %v, want [1]", got)
	}
	// the NAK's ack also retires seq 0
	if l.snd.ackExpected != 1 {
		t.Errorf("ackExpected = %d", l.snd.ackExpected)
	}

	phy.frames = nil
	l.OnFrame(Encode(Frame{Kind: KindNak, Ack: 5}))
	if len(phy.frames) != 0 {
		t.Errorf("NAK outside window resent %v", phy.frames)
	}
}

func TestCorruptFrameDropped(t *testing.T) {
	l, phy, tm, nl := newTestLink(t, testConfig(t, GoBackN))
	raw := dataFrame(0, 7)
	raw[1] ^= 0x40

	l.OnFrame(raw)
	l.OnFrame([]byte{0, 1})
	if len(nl.pkts) != 0 || len(phy.frames) != 0 || tm.ack {
		t.Error("corrupt frame had an effect")
	}
	if l.counters.ChecksumErrors != 1 || l.counters.ShortFrames != 1 {
		t.Errorf("checksum=%d short=%d", l.counters.ChecksumErrors, l.counters.ShortFrames)
	}
}

func TestStatusSnapshot(t *testing.T) {
	l, _, _, _ := newTestLink(t, testConfig(t, SelectiveRepeat))
	submitN(t, l, 2)
	l.publish()

	s := l.Status()
	if s.Protocol != SelectiveRepeat || s.Outstanding != 2 || s.NextFrameToSend != 2 || s.WindowSize != 4 {
		t.Errorf("status %+v", s)
	}
	if s.Counters.DataSent != 2 {
		t.Errorf("data sent = %d", s.Counters.DataSent)
	}
}

func TestArenaSlotBusy(t *testing.T) {
	a := newArena(4, 2)
	if err := a.put(0, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if got := a.get(0); !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("slot holds %v", got)
	}
	if err := a.put(4, []byte{9}); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("put into busy slot: %v", err)
	}
	a.release(0)
	if err := a.put(4, []byte{9}); err != nil {
		t.Fatal(err)
	}
	if got := a.get(4); !bytes.Equal(got, []byte{9, 0}) {
		t.Errorf("slot not zero padded: %v", got)
	}
}
