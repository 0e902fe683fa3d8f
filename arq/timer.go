package arq

import (
	"sync"
	"time"
)

// Timers is the timer service the link drives: one data timer per sequence
// number and a single shared ack timer. Stopping a timer that is not running
// is a no-op.
type Timers interface {
	StartTimer(seq Seq, d time.Duration)
	StopTimer(seq Seq)
	StartAckTimer(d time.Duration)
	StopAckTimer()
}

// Timeout is delivered by a Clock when a timer expires.
type Timeout struct {
	Ack bool
	Seq Seq
	gen uint64
}

// Clock implements Timers with time.AfterFunc. Expiries are posted to C.
// Every start and stop bumps the timer's generation so an expiry that was
// already in flight when the timer was stopped or re-armed is recognised
// as stale by Current.
type Clock struct {
	mu   sync.Mutex
	data map[Seq]*clockTimer
	ack  clockTimer
	c    chan Timeout

	done      chan struct{}
	closeOnce sync.Once
}

type clockTimer struct {
	gen   uint64
	armed bool
	t     *time.Timer
}

// NewClock returns a Clock whose expiry channel holds up to depth events.
func NewClock(depth int) *Clock {
	return &Clock{
		data: make(map[Seq]*clockTimer),
		c:    make(chan Timeout, depth),
		done: make(chan struct{}),
	}
}

// C returns the expiry channel.
func (c *Clock) C() <-chan Timeout {
	return c.c
}

func (c *Clock) StartTimer(seq Seq, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.data[seq]
	if !ok {
		ct = &clockTimer{}
		c.data[seq] = ct
	}
	c.arm(ct, Timeout{Seq: seq}, d)
}

func (c *Clock) StopTimer(seq Seq) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.data[seq]; ok {
		c.disarm(ct)
	}
}

func (c *Clock) StartAckTimer(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arm(&c.ack, Timeout{Ack: true}, d)
}

func (c *Clock) StopAckTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarm(&c.ack)
}

// Current reports whether ev belongs to a timer that is still armed with the
// same generation, and if so marks that timer as expired.
func (c *Clock) Current(ev Timeout) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct := &c.ack
	if !ev.Ack {
		var ok bool
		if ct, ok = c.data[ev.Seq]; !ok {
			return false
		}
	}
	if !ct.armed || ct.gen != ev.gen {
		return false
	}
	ct.armed = false
	return true
}

// Close cancels every timer and releases expiries that are blocked on a
// full channel. The Clock must not be started again afterwards.
func (c *Clock) Close() {
	c.mu.Lock()
	for _, ct := range c.data {
		c.disarm(ct)
	}
	c.disarm(&c.ack)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Clock) arm(ct *clockTimer, ev Timeout, d time.Duration) {
	if ct.t != nil {
		ct.t.Stop()
	}
	ct.gen++
	ct.armed = true
	ev.gen = ct.gen
	ct.t = time.AfterFunc(d, func() {
		select {
		case c.c <- ev:
		case <-c.done:
		}
	})
}

func (c *Clock) disarm(ct *clockTimer) {
	if !ct.armed {
		return
	}
	ct.t.Stop()
	ct.gen++
	ct.armed = false
}
