package kiss

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PortConfig describes one end of a link over a TNC.
type PortConfig struct {
	MyCallsign     string
	RemoteCallsign string
	// OnlyFrom drops frames whose source is not RemoteCallsign.
	OnlyFrom bool
	// Baud paces the ready signal by the airtime of each frame at 8N1.
	// Zero signals ready as soon as a frame has been written.
	Baud       int
	Impairment Impairment
	Logger     logrus.FieldLogger
}

// Impairment degrades outbound frames to exercise recovery: Loss is the
// probability a frame is never sent and BER the probability any given bit
// is flipped.
type Impairment struct {
	Loss float64
	BER  float64
	Seed int64
}

func (im Impairment) active() bool {
	return im.Loss > 0 || im.BER > 0
}

// Impairer applies an Impairment from its own random source. It is not safe
// for concurrent use.
type Impairer struct {
	im  Impairment
	rng *rand.Rand
}

// NewImpairer returns nil when im has no effect; a nil Impairer passes
// every frame untouched.
func NewImpairer(im Impairment) *Impairer {
	if !im.active() {
		return nil
	}
	seed := im.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Impairer{im: im, rng: rand.New(rand.NewSource(seed))}
}

// Apply degrades body in place. drop means the frame is lost; flipped
// means at least one bit was changed.
func (m *Impairer) Apply(body []byte) (drop, flipped bool) {
	if m == nil {
		return false, false
	}
	if m.im.Loss > 0 && m.rng.Float64() < m.im.Loss {
		return true, false
	}
	if m.im.BER > 0 {
		for i := range body {
			for bit := 0; bit < 8; bit++ {
				if m.rng.Float64() < m.im.BER {
					body[i] ^= 1 << bit
					flipped = true
				}
			}
		}
	}
	return false, flipped
}

// Port carries link frames over a Connection. It satisfies arq.Channel.
type Port struct {
	conn   Connection
	cfg    PortConfig
	header []byte
	log    logrus.FieldLogger

	frames chan []byte
	ready  chan struct{}

	mu        sync.Mutex
	busyUntil time.Time
	pace      *time.Timer
	imp       *Impairer

	stats PortStats
}

// PortStats counts traffic through a Port.
type PortStats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	Filtered  uint64 `json:"filtered"`
	Dropped   uint64 `json:"dropped"`
	Corrupted uint64 `json:"corrupted"`
}

func NewPort(conn Connection, cfg PortConfig) *Port {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Port{
		conn:   conn,
		cfg:    cfg,
		header: BuildHeader(cfg.MyCallsign, cfg.RemoteCallsign),
		log:    log,
		frames: make(chan []byte, 64),
		ready:  make(chan struct{}, 1),
		imp:    NewImpairer(cfg.Impairment),
	}
	p.ready <- struct{}{}
	return p
}

func (p *Port) Frames() <-chan []byte  { return p.frames }
func (p *Port) Ready() <-chan struct{} { return p.ready }

// Stats returns the traffic counters.
func (p *Port) Stats() PortStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// SendFrame wraps frame in an AX.25 UI frame addressed to the remote
// station and writes it to the TNC.
func (p *Port) SendFrame(frame []byte) error {
	packet := make([]byte, 0, len(p.header)+len(frame))
	packet = append(packet, p.header...)
	packet = append(packet, frame...)

	p.mu.Lock()
	drop, flipped := p.imp.Apply(packet[len(p.header):])
	switch {
	case drop:
		p.stats.Dropped++
	case flipped:
		p.stats.Corrupted++
		fallthrough
	default:
		p.stats.Sent++
	}
	p.mu.Unlock()

	kissFrame := BuildFrame(packet)
	p.scheduleReady(len(kissFrame))
	if drop {
		p.log.Debug("impairment dropped frame")
		return nil
	}
	return errors.Wrap(p.conn.SendFrame(kissFrame), "tnc")
}

// scheduleReady posts the ready signal once the channel has had time to
// clock out n more bytes.
func (p *Port) scheduleReady(n int) {
	select {
	case <-p.ready:
	default:
	}
	if p.cfg.Baud <= 0 {
		p.signalReady()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.busyUntil.Before(now) {
		p.busyUntil = now
	}
	p.busyUntil = p.busyUntil.Add(Airtime(n, p.cfg.Baud))
	d := p.busyUntil.Sub(now)
	if p.pace == nil {
		p.pace = time.AfterFunc(d, p.signalReady)
	} else {
		p.pace.Reset(d)
	}
}

func (p *Port) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Airtime is how long n bytes take on an asynchronous serial line at baud,
// counting a start and a stop bit per byte.
func Airtime(n, baud int) time.Duration {
	return time.Duration(n) * 10 * time.Second / time.Duration(baud)
}

// Run reads frames from the TNC until ctx is done or the connection fails,
// delivering the ARQ frames addressed to this station on Frames. Frames is
// closed when Run returns.
func (p *Port) Run(ctx context.Context) error {
	defer close(p.frames)
	defer func() {
		p.mu.Lock()
		if p.pace != nil {
			p.pace.Stop()
		}
		p.mu.Unlock()
	}()

	packets := make(chan []byte, 64)
	reader := NewFrameReader(p.conn, packets, p.log)
	errc := make(chan error, 1)
	go func() { errc <- reader.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		case packet := <-packets:
			frame, ok := p.accept(packet)
			if !ok {
				continue
			}
			select {
			case p.frames <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (p *Port) accept(packet []byte) ([]byte, bool) {
	h, info, err := ParseHeader(packet)
	if err != nil {
		p.log.WithError(err).Debug("ignoring packet")
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !SameCallsign(h.Dest, p.cfg.MyCallsign) {
		p.stats.Filtered++
		p.log.WithFields(logrus.Fields{"src": h.Source, "dst": h.Dest}).Debug("not for us")
		return nil, false
	}
	if p.cfg.OnlyFrom && !SameCallsign(h.Source, p.cfg.RemoteCallsign) {
		p.stats.Filtered++
		p.log.WithField("src", h.Source).Debug("ignoring frame from other station")
		return nil, false
	}
	p.stats.Received++
	return info, true
}
