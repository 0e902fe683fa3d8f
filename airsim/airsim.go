// airsim.go
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kissarq/kiss"
	"kissarq/status"
)

// -----------------------------------------------------------------------------
// Shared medium
// -----------------------------------------------------------------------------

type mediumConfig struct {
	// Baud holds the medium busy for the airtime of each frame. Zero
	// delivers immediately.
	Baud int
	// Turnaround is the minimum gap between the end of one frame and the
	// start of the next.
	Turnaround time.Duration
	Impairment kiss.Impairment
}

type transmission struct {
	from  *client
	frame []byte
}

type client struct {
	conn net.Conn
	out  chan []byte
	// listenOnly clients receive everything and never transmit.
	listenOnly bool
}

// medium is a half duplex channel shared by every connected client. A KISS
// frame written by one client is heard by all the others, one frame at a
// time.
type medium struct {
	cfg mediumConfig
	log logrus.FieldLogger
	imp *kiss.Impairer

	air chan transmission

	mu      sync.Mutex
	clients map[*client]struct{}

	frames    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	corrupted atomic.Int64
}

func newMedium(cfg mediumConfig, log logrus.FieldLogger) *medium {
	return &medium{
		cfg:     cfg,
		log:     log,
		imp:     kiss.NewImpairer(cfg.Impairment),
		air:     make(chan transmission, 64),
		clients: make(map[*client]struct{}),
	}
}

func (m *medium) join(conn net.Conn, listenOnly bool) *client {
	c := &client{conn: conn, out: make(chan []byte, 256), listenOnly: listenOnly}
	m.mu.Lock()
	m.clients[c] = struct{}{}
	n := len(m.clients)
	m.mu.Unlock()
	m.log.Infof("Client connected: %s (%d on the air)", conn.RemoteAddr(), n)
	go m.write(c)
	return c
}

func (m *medium) leave(c *client) {
	m.mu.Lock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.out)
	}
	m.mu.Unlock()
	c.conn.Close()
	m.log.Infof("Client %s disconnected.", c.conn.RemoteAddr())
}

func (m *medium) write(c *client) {
	for frame := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.conn.Write(frame); err != nil {
			m.log.Warnf("Error writing to client %s: %v. Removing client.", c.conn.RemoteAddr(), err)
			go m.leave(c)
			for range c.out {
			}
			return
		}
	}
}

// read queues every complete KISS frame the client writes for transmission.
func (m *medium) read(ctx context.Context, c *client) {
	defer m.leave(c)
	var buffer []byte
	buf := make([]byte, 1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 && !c.listenOnly {
			buffer = append(buffer, buf[:n]...)
			frames, remaining := kiss.ExtractFrames(buffer)
			buffer = append(buffer[:0], remaining...)
			for _, f := range frames {
				select {
				case m.air <- transmission{from: c, frame: bytes.Clone(f)}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				m.log.Debugf("Error reading from client %s: %v", c.conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// run puts queued frames on the air until ctx is done.
func (m *medium) run(ctx context.Context) error {
	var lastEnd time.Time
	for {
		var tx transmission
		select {
		case <-ctx.Done():
			return nil
		case tx = <-m.air:
		}
		if m.cfg.Turnaround > 0 {
			if wait := m.cfg.Turnaround - time.Since(lastEnd); wait > 0 {
				m.log.Debugf("Applying turnaround delay of %v", wait)
				if !sleep(ctx, wait) {
					return nil
				}
			}
		}
		if m.cfg.Baud > 0 && !sleep(ctx, kiss.Airtime(len(tx.frame), m.cfg.Baud)) {
			return nil
		}
		lastEnd = time.Now()
		m.frames.Add(1)
		m.deliver(tx)
	}
}

func (m *medium) deliver(tx transmission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		if c == tx.from {
			continue
		}
		frame := tx.frame
		if !c.listenOnly {
			var ok bool
			if frame, ok = m.impair(tx.frame); !ok {
				continue
			}
		}
		select {
		case c.out <- frame:
			m.delivered.Add(1)
		default:
			m.log.Warnf("Client %s is not keeping up, frame dropped", c.conn.RemoteAddr())
		}
	}
}

// impair returns the frame as one receiver hears it, or false when that
// receiver loses it. m.mu must be held.
func (m *medium) impair(frame []byte) ([]byte, bool) {
	if m.imp == nil {
		return frame, true
	}
	packet, ok := kiss.Payload(frame)
	if !ok {
		return frame, true
	}
	packet = append([]byte(nil), packet...)
	drop, flipped := m.imp.Apply(packet)
	if drop {
		m.dropped.Add(1)
		return nil, false
	}
	if flipped {
		m.corrupted.Add(1)
	}
	return kiss.BuildFrame(packet), true
}

func (m *medium) stats() any {
	m.mu.Lock()
	n := len(m.clients)
	m.mu.Unlock()
	return map[string]any{
		"clients":   n,
		"frames":    m.frames.Load(),
		"delivered": m.delivered.Load(),
		"dropped":   m.dropped.Load(),
		"corrupted": m.corrupted.Load(),
		"queued":    len(m.air),
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// -----------------------------------------------------------------------------
// Listeners
// -----------------------------------------------------------------------------

func (m *medium) serve(ctx context.Context, ln net.Listener, listenOnly bool) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Errorf("Error accepting client: %v", err)
			continue
		}
		go m.read(ctx, m.join(conn, listenOnly))
	}
}

func listen(port int, what string, log logrus.FieldLogger) net.Listener {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Error starting %s listener on %s: %v", what, addr, err)
	}
	log.Infof("%s listener started on %s", what, addr)
	return ln
}

// -----------------------------------------------------------------------------
// Main
// -----------------------------------------------------------------------------

func main() {
	clientListenPort := flag.Int("client-listen-port", 5010, "TCP port stations connect to as if it were a KISS TNC")
	tcpBroadcastPort := flag.Int("tcp-broadcast-port", 0, "TCP port to broadcast every frame on the air (one-way, for monitors)")
	airBaud := flag.Int("air-baud", 1200, "Simulated channel rate; 0 delivers frames immediately")
	sendDelay := flag.Int("send-delay", 0, "Turnaround delay in milliseconds between frames on the air")
	loss := flag.Float64("loss", 0, "Probability that a receiver loses a frame")
	ber := flag.Float64("ber", 0, "Probability of each bit being flipped for a receiver")
	seed := flag.Int64("seed", 0, "Random seed for the impairments (0 picks one)")
	httpPort := flag.Int("http-port", 0, "Port for the /status endpoint (0 disables it)")
	debug := flag.Bool("debug", false, "Enable debug output")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if *loss < 0 || *loss > 1 || *ber < 0 || *ber > 1 {
		log.Fatal("-loss and -ber must be between 0 and 1")
	}

	m := newMedium(mediumConfig{
		Baud:       *airBaud,
		Turnaround: time.Duration(*sendDelay) * time.Millisecond,
		Impairment: kiss.Impairment{Loss: *loss, BER: *ber, Seed: *seed},
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.run(ctx) })
	clients := listen(*clientListenPort, "Client", log)
	g.Go(func() error { return m.serve(ctx, clients, false) })
	if *tcpBroadcastPort > 0 {
		bc := listen(*tcpBroadcastPort, "TCP broadcast", log)
		g.Go(func() error { return m.serve(ctx, bc, true) })
	}
	if *httpPort > 0 {
		st := status.NewServer(log)
		st.Add("medium", m.stats)
		g.Go(func() error { return st.ListenAndServe(ctx, fmt.Sprintf(":%d", *httpPort), nil) })
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("airsim: %v", err)
	}
	log.Info("Shutting down.")
}
