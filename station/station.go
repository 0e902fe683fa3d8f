// Package station assembles one end of an ARQ link over a KISS TNC from
// command line flags: the TNC connection, the AX.25 port, the link engine
// and the optional HTTP status server.
package station

import (
	"context"
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kissarq/arq"
	"kissarq/kiss"
	"kissarq/status"
)

// Options holds the flags shared by every tool that runs a link.
type Options struct {
	Protocol      string  // gobackn, gobackn-improved or selective
	WindowSize    int     // 0 keeps the protocol default
	MaxSeq        int     // 0 keeps the protocol default
	PacketSize    int     // network layer packet size in bytes
	DataTimeoutMs int     // 0 keeps the protocol default
	AckTimeoutMs  int     // 0 keeps the protocol default
	Retransmit    string  // "all", "single" or "" for the protocol default
	Connection    string  // "tcp" or "serial"
	Host          string  // TCP host
	Port          int     // TCP port
	SerialPort    string  // Serial port (e.g. COM3 or /dev/ttyUSB0)
	Baud          int     // Baud rate for serial
	AirBaud       int     // On-air bit rate used to pace frames; 0 disables pacing
	MyCallsign    string  // Your callsign (required)
	Remote        string  // Remote station callsign (required)
	OnlyFrom      bool    // Ignore frames from stations other than Remote
	Loss          float64 // Probability an outbound frame is dropped
	BER           float64 // Probability an outbound bit is flipped
	HTTPPort      int     // Status server port; 0 disables it
	HTTPLogFile   string  // Access log for the status server
	Debug         bool    // Enable debug output
}

// AddFlags registers the shared flags on fs. remoteFlag names the flag for
// the remote callsign so each tool can keep its own wording.
func AddFlags(fs *flag.FlagSet, o *Options, remoteFlag string) {
	fs.StringVar(&o.Protocol, "protocol", arq.SelectiveRepeat, "ARQ protocol: gobackn, gobackn-improved or selective")
	fs.IntVar(&o.WindowSize, "window-size", 0, "Send window size (0 for the protocol default)")
	fs.IntVar(&o.MaxSeq, "max-seq", 0, "Largest sequence number (0 for the protocol default of 7)")
	fs.IntVar(&o.PacketSize, "packet-size", 200, "Network layer packet size in bytes")
	fs.IntVar(&o.DataTimeoutMs, "data-timeout-ms", 0, "Retransmission timeout in milliseconds (0 for the protocol default)")
	fs.IntVar(&o.AckTimeoutMs, "ack-timeout-ms", 0, "Delayed ACK timeout in milliseconds (0 for the protocol default)")
	fs.StringVar(&o.Retransmit, "retransmit", "", "Retransmit on timeout: all or single (empty for the protocol default)")
	fs.StringVar(&o.Connection, "connection", "tcp", "Connection type: tcp or serial")
	fs.StringVar(&o.Host, "host", "127.0.0.1", "TCP host")
	fs.IntVar(&o.Port, "port", 9001, "TCP port")
	fs.StringVar(&o.SerialPort, "serial-port", "", "Serial port (e.g. COM3 or /dev/ttyUSB0)")
	fs.IntVar(&o.Baud, "baud", 115200, "Baud rate for serial")
	fs.IntVar(&o.AirBaud, "air-baud", 1200, "On-air bit rate used to pace frames (0 to disable)")
	fs.StringVar(&o.MyCallsign, "my-callsign", "", "Your callsign (required)")
	fs.StringVar(&o.Remote, remoteFlag, "", "Remote station callsign (required)")
	fs.BoolVar(&o.OnlyFrom, "only-from", false, "Only accept frames from the remote callsign")
	fs.Float64Var(&o.Loss, "loss", 0, "Drop this fraction of outbound frames (testing)")
	fs.Float64Var(&o.BER, "ber", 0, "Flip outbound bits with this probability (testing)")
	fs.IntVar(&o.HTTPPort, "http-port", 0, "Serve link status on this port (0 to disable)")
	fs.StringVar(&o.HTTPLogFile, "http-log-file", "", "Write status server access log to this file")
	fs.BoolVar(&o.Debug, "debug", false, "Enable debug output")
}

// Check validates the flags that do not depend on the protocol.
func (o *Options) Check() error {
	if o.MyCallsign == "" || o.Remote == "" {
		return errors.New("both callsigns are required")
	}
	if o.Connection == "serial" && o.SerialPort == "" {
		return errors.New("-serial-port is required for serial connection")
	}
	if o.Loss < 0 || o.Loss > 1 || o.BER < 0 || o.BER > 1 {
		return errors.New("-loss and -ber must be between 0 and 1")
	}
	if o.PacketSize < 1 {
		return errors.Errorf("-packet-size %d must be positive", o.PacketSize)
	}
	if o.MaxSeq < 0 || o.MaxSeq > 255 {
		return errors.Errorf("-max-seq %d does not fit the 8-bit sequence field", o.MaxSeq)
	}
	return nil
}

// LinkConfig starts from the protocol preset and applies the overrides.
func (o *Options) LinkConfig(log logrus.FieldLogger) (arq.Config, error) {
	cfg, err := arq.Preset(o.Protocol)
	if err != nil {
		return cfg, err
	}
	if o.MaxSeq > 0 {
		cfg.MaxSeq = arq.Seq(o.MaxSeq)
		if o.WindowSize == 0 {
			cfg.WindowSize = cfg.MaxWindow()
		}
	}
	if o.WindowSize > 0 {
		cfg.WindowSize = o.WindowSize
	}
	if o.PacketSize > 0 {
		cfg.PacketSize = o.PacketSize
	}
	if o.DataTimeoutMs > 0 {
		cfg.DataTimeout = time.Duration(o.DataTimeoutMs) * time.Millisecond
	}
	if o.AckTimeoutMs > 0 {
		cfg.AckTimeout = time.Duration(o.AckTimeoutMs) * time.Millisecond
	}
	switch strings.ToLower(o.Retransmit) {
	case "":
	case "all":
		cfg.RetransmitAll = true
	case "single":
		cfg.RetransmitAll = false
	default:
		return cfg, errors.Wrapf(arq.ErrInvalidConfig, "unknown retransmit mode %q", o.Retransmit)
	}
	cfg.Logger = log
	return cfg, cfg.Validate()
}

// NewLogger returns the logger the tools share: timestamps always, debug
// level and caller reporting with -debug.
func NewLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetReportCaller(true)
	}
	return log
}

// Station is a running link endpoint.
type Station struct {
	Conn   kiss.Connection
	Port   *kiss.Port
	Link   *arq.Link
	Status *status.Server

	opts Options
	log  logrus.FieldLogger
}

// Open connects to the TNC and builds the link. Delivered packets go to
// sink.
func Open(o Options, sink arq.NetworkLayer, log logrus.FieldLogger) (*Station, error) {
	cfg, err := o.LinkConfig(log)
	if err != nil {
		return nil, err
	}
	conn, err := kiss.Open(o.Connection, o.Host, o.Port, o.SerialPort, o.Baud, log)
	if err != nil {
		return nil, err
	}
	s, err := New(o, conn, cfg, sink, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// New builds a station over an already open connection.
func New(o Options, conn kiss.Connection, cfg arq.Config, sink arq.NetworkLayer, log logrus.FieldLogger) (*Station, error) {
	port := kiss.NewPort(conn, kiss.PortConfig{
		MyCallsign:     o.MyCallsign,
		RemoteCallsign: o.Remote,
		OnlyFrom:       o.OnlyFrom,
		Baud:           o.AirBaud,
		Impairment:     kiss.Impairment{Loss: o.Loss, BER: o.BER},
		Logger:         log,
	})
	link, err := arq.NewLink(cfg, port, sink)
	if err != nil {
		return nil, err
	}
	s := &Station{
		Conn:   conn,
		Port:   port,
		Link:   link,
		Status: status.NewServer(log),
		opts:   o,
		log:    log,
	}
	s.Status.Add("link", func() any { return link.Status() })
	s.Status.Add("port", func() any { return port.Stats() })
	s.log.WithFields(logrus.Fields{
		"protocol": cfg.Name,
		"window":   cfg.WindowSize,
		"max_seq":  cfg.MaxSeq,
		"packet":   cfg.PacketSize,
		"me":       strings.ToUpper(o.MyCallsign),
		"remote":   strings.ToUpper(o.Remote),
	}).Info("station ready")
	return s, nil
}

// Run drives the port, the link and the status server until ctx is done or
// one of them fails. The connection is closed on return.
func (s *Station) Run(ctx context.Context, source <-chan []byte) error {
	defer s.Conn.Close()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Port.Run(ctx) })
	g.Go(func() error { return s.Link.Run(ctx, source) })
	if s.opts.HTTPPort > 0 {
		var accessLog io.Writer
		if s.opts.HTTPLogFile != "" {
			f, err := os.OpenFile(s.opts.HTTPLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				return errors.Wrap(err, "opening HTTP log file")
			}
			defer f.Close()
			accessLog = f
		}
		addr := ":" + strconv.Itoa(s.opts.HTTPPort)
		g.Go(func() error { return s.Status.ListenAndServe(ctx, addr, accessLog) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
