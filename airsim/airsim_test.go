package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kissarq/kiss"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testClient struct {
	remote net.Conn
	frames chan []byte
}

// attach connects a client to m and collects the KISS frames it hears.
func attach(ctx context.Context, t *testing.T, m *medium, listenOnly bool) *testClient {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })
	go m.read(ctx, m.join(local, listenOnly))

	tc := &testClient{remote: remote, frames: make(chan []byte, 16)}
	go func() {
		var buffer []byte
		buf := make([]byte, 512)
		for {
			n, err := remote.Read(buf)
			if err != nil {
				return
			}
			buffer = append(buffer, buf[:n]...)
			frames, rest := kiss.ExtractFrames(buffer)
			buffer = append(buffer[:0], rest...)
			for _, f := range frames {
				tc.frames <- bytes.Clone(f)
			}
		}
	}()
	return tc
}

func (tc *testClient) expect(t *testing.T, want []byte) {
	t.Helper()
	select {
	case got := <-tc.frames:
		if want != nil && !bytes.Equal(got, want) {
			t.Errorf("heard % X, want % X", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never heard")
	}
}

func (tc *testClient) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got := <-tc.frames:
		t.Errorf("unexpected frame % X", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMediumDeliversToOthers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMedium(mediumConfig{}, quietLogger())
	go m.run(ctx)

	a := attach(ctx, t, m, false)
	b := attach(ctx, t, m, false)
	mon := attach(ctx, t, m, true)

	frame := kiss.BuildFrame(append(kiss.BuildHeader("AAA", "BBB"), 1, 2, 3))
	if _, err := a.remote.Write(frame); err != nil {
		t.Fatal(err)
	}
	b.expect(t, frame)
	mon.expect(t, frame)
	a.expectNothing(t)

	if _, err := mon.remote.Write(frame); err != nil {
		t.Fatal(err)
	}
	a.expectNothing(t)
	b.expectNothing(t)

	if got := m.frames.Load(); got != 1 {
		t.Errorf("frames on the air = %d", got)
	}
}

func TestMediumImpairment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMedium(mediumConfig{Impairment: kiss.Impairment{Loss: 1, Seed: 3}}, quietLogger())
	go m.run(ctx)

	a := attach(ctx, t, m, false)
	b := attach(ctx, t, m, false)
	mon := attach(ctx, t, m, true)

	frame := kiss.BuildFrame([]byte("lost in the noise"))
	if _, err := a.remote.Write(frame); err != nil {
		t.Fatal(err)
	}
	mon.expect(t, frame)
	b.expectNothing(t)
	if got := m.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d", got)
	}
}

func TestMediumPacesFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newMedium(mediumConfig{Baud: 9600}, quietLogger())
	go m.run(ctx)

	a := attach(ctx, t, m, false)
	b := attach(ctx, t, m, false)

	frame := kiss.BuildFrame(bytes.Repeat([]byte{0x55}, 237))
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := a.remote.Write(frame); err != nil {
			t.Fatal(err)
		}
	}
	b.expect(t, frame)
	b.expect(t, frame)
	if elapsed, want := time.Since(start), 2*kiss.Airtime(len(frame), 9600); elapsed < want {
		t.Errorf("two frames took %v, airtime is %v", elapsed, want)
	}
}
