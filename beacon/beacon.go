// beacon.go
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"kissarq/station"
)

// Arguments holds the command-line arguments for the beacon.
type Arguments struct {
	Link     station.Options
	Message  string
	Interval time.Duration
	Count    int
	Linger   time.Duration
}

func parseArguments(log *logrus.Logger) *Arguments {
	args := &Arguments{}
	station.AddFlags(flag.CommandLine, &args.Link, "remote-callsign")
	flag.StringVar(&args.Message, "message", "", "Beacon message (required)")
	flag.DurationVar(&args.Interval, "interval", 30*time.Second, "Interval between beacons")
	flag.IntVar(&args.Count, "count", 0, "Number of beacons to send before exiting (0 runs until interrupted)")
	flag.DurationVar(&args.Linger, "linger", 2*time.Second, "Keep the link up this long after the last beacon is acknowledged")
	flag.Parse()

	if err := args.Link.Check(); err != nil {
		log.Fatalf("%v", err)
	}
	if args.Message == "" {
		log.Fatal("The -message flag is required.")
	}
	if args.Interval <= 0 {
		log.Fatal("The -interval flag must be positive.")
	}
	return args
}

// makeBeacon numbers message, prefixes it with '>' and cuts it to fit in
// one packet.
func makeBeacon(message string, n, packetSize int) []byte {
	if !strings.HasPrefix(message, ">") {
		message = ">" + message
	}
	b := []byte(fmt.Sprintf("%s #%d", message, n))
	if len(b) > packetSize {
		b = b[:packetSize]
	}
	return b
}

// printer shows the beacons heard from the remote station.
type printer struct {
	log      logrus.FieldLogger
	remote   string
	received atomic.Int64
}

func (p *printer) PutPacket(pkt []byte) {
	p.received.Add(1)
	p.log.Infof("Beacon from %s: %s", p.remote, bytes.TrimRight(pkt, "\x00"))
}

// beacons feeds one beacon to source every interval, starting at once,
// and closes source after count beacons when count is positive.
func beacons(ctx context.Context, args *Arguments, source chan<- []byte, log logrus.FieldLogger) {
	defer close(source)
	ticker := time.NewTicker(args.Interval)
	defer ticker.Stop()
	for n := 1; args.Count <= 0 || n <= args.Count; n++ {
		b := makeBeacon(args.Message, n, args.Link.PacketSize)
		select {
		case source <- b:
			log.Infof("Queued beacon %d: %s", n, b)
		case <-ctx.Done():
			return
		}
		if n == args.Count {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	log := logrus.New()
	args := parseArguments(log)
	log = station.NewLogger(args.Link.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sink := &printer{log: log, remote: strings.ToUpper(args.Link.Remote)}
	st, err := station.Open(args.Link, sink, log)
	if err != nil {
		log.Fatalf("Link setup error: %v", err)
	}
	st.Status.Add("beacons", func() any {
		return map[string]int64{"received": sink.received.Load()}
	})

	source := make(chan []byte)
	go beacons(ctx, args, source, log)
	if args.Count > 0 {
		go func() {
			select {
			case <-st.Link.Drained():
			case <-ctx.Done():
				return
			}
			log.Infof("All beacons acknowledged. Lingering %v before exit.", args.Linger)
			select {
			case <-time.After(args.Linger):
			case <-ctx.Done():
			}
			cancel()
		}()
	}

	if err := st.Run(ctx, source); err != nil {
		log.Fatalf("Link error: %v", err)
	}
	c := st.Link.Status().Counters
	log.Infof("Beacons sent: %d, heard: %d, retransmissions: %d.", c.PacketsSubmitted, sink.received.Load(), c.Retransmissions)
}
