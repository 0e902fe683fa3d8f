package arq

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

// loopEnd is one side of an in-memory channel. Frames sent by one end land
// in the other end's inbox; every dropEvery'th frame is lost.
type loopEnd struct {
	mu        sync.Mutex
	sent      int
	dropEvery int

	inbox chan []byte
	ready chan struct{}
	peer  *loopEnd
}

func newLoopPair(dropEvery int) (*loopEnd, *loopEnd) {
	a := &loopEnd{inbox: make(chan []byte, 1024), ready: make(chan struct{}, 1), dropEvery: dropEvery}
	b := &loopEnd{inbox: make(chan []byte, 1024), ready: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	a.ready <- struct{}{}
	b.ready <- struct{}{}
	return a, b
}

func (e *loopEnd) SendFrame(frame []byte) error {
	e.mu.Lock()
	e.sent++
	drop := e.dropEvery > 0 && e.sent%e.dropEvery == 0
	e.mu.Unlock()

	if !drop {
		select {
		case e.peer.inbox <- bytes.Clone(frame):
		default:
		}
	}
	select {
	case e.ready <- struct{}{}:
	default:
	}
	return nil
}

func (e *loopEnd) Frames() <-chan []byte  { return e.inbox }
func (e *loopEnd) Ready() <-chan struct{} { return e.ready }

type chanNet chan []byte

func (c chanNet) PutPacket(pkt []byte) { c <- pkt }

func TestLinkLoopback(t *testing.T) {
	const packets = 40

	for _, preset := range []string{GoBackN, GoBackNImproved, SelectiveRepeat} {
		for _, dropEvery := range []int{0, 5} {
			t.Run(fmt.Sprintf("%s/drop%d", preset, dropEvery), func(t *testing.T) {
				logger := logrus.New()
				logger.SetLevel(logrus.WarnLevel)

				cfg := testConfig(t, preset)
				cfg.DataTimeout = 60 * time.Millisecond
				cfg.AckTimeout = 10 * time.Millisecond
				cfg.Logger = logger

				endA, endB := newLoopPair(dropEvery)
				delivered := make(chanNet, packets)

				a, err := NewLink(cfg, endA, chanNet(make(chan []byte)))
				if err != nil {
					t.Fatal(err)
				}
				b, err := NewLink(cfg, endB, delivered)
				if err != nil {
					t.Fatal(err)
				}

				ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
				defer cancel()

				source := make(chan []byte)
				go func() {
					defer close(source)
					for i := 0; i < packets; i++ {
						select {
						case source <- []byte{byte(i), byte(i >> 8), 0xA5, 0x5A}:
						case <-ctx.Done():
							return
						}
					}
				}()

				var wg sync.WaitGroup
				wg.Add(2)
				go func() { defer wg.Done(); a.Run(ctx, source) }()
				go func() { defer wg.Done(); b.Run(ctx, nil) }()

				for i := 0; i < packets; i++ {
					select {
					case p := <-delivered:
						want := []byte{byte(i), byte(i >> 8), 0xA5, 0x5A}
						if !bytes.Equal(p, want) {
							t.Fatalf("packet %d = %v, want %v", i, p, want)
						}
					case <-ctx.Done():
						t.Fatalf("only %d of %d packets delivered", i, packets)
					}
				}
				select {
				case <-a.Drained():
				case <-ctx.Done():
					t.Fatal("sender never drained")
				}
				cancel()
				wg.Wait()

				if dropEvery > 0 && a.Status().Counters.Retransmissions == 0 {
					t.Error("lossy link recovered without retransmitting")
				}
				select {
				case p := <-delivered:
					t.Errorf("extra packet delivered: %v", p)
				default:
				}
			})
		}
	}
}
