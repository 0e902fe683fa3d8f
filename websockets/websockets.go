// websockets.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"

	"kissarq/kiss"
	"kissarq/status"
	"kissarq/trace"
)

const emitTimeout = 2 * time.Second

// hub fans frames from the TNC out to Socket.IO and raw TCP clients, and
// forwards what the clients write back to the TNC. Only the most recently
// connected Socket.IO client may write.
type hub struct {
	log logrus.FieldLogger

	devMu sync.Mutex
	dev   kiss.Connection

	mu      sync.Mutex
	sockets []*socket.Socket
	active  *socket.Socket
	tcp     []net.Conn

	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesOut  atomic.Int64
}

func newHub(log logrus.FieldLogger) *hub {
	return &hub{log: log}
}

func (h *hub) setDevice(c kiss.Connection) {
	h.devMu.Lock()
	h.dev = c
	h.devMu.Unlock()
}

// toDevice writes client bytes to the TNC unchanged.
func (h *hub) toDevice(data []byte, from string) {
	h.devMu.Lock()
	dev := h.dev
	h.devMu.Unlock()
	if dev == nil {
		h.log.Warnf("No device connection, dropping %d bytes from %s", len(data), from)
		return
	}
	if err := dev.SendFrame(data); err != nil {
		h.log.Errorf("Error writing to device from %s: %v", from, err)
		return
	}
	h.framesOut.Add(1)
	h.bytesOut.Add(int64(len(data)))
	h.log.Debugf("Forwarded %d bytes from %s to device", len(data), from)
}

// ---------------------
// Socket.IO clients
// ---------------------

func (h *hub) onConnection(args ...any) {
	client := args[0].(*socket.Socket)
	h.log.Infof("New Socket.IO client connected: %s", client.Id())

	h.mu.Lock()
	h.active = client
	h.sockets = append(h.sockets, client)
	h.log.Infof("Now %d Socket.IO client(s) connected", len(h.sockets))
	h.mu.Unlock()

	client.On("raw_kiss_frame", func(datas ...any) {
		h.mu.Lock()
		isActive := h.active == client
		h.mu.Unlock()
		if !isActive || len(datas) == 0 {
			return
		}
		var msg []byte
		switch v := datas[0].(type) {
		case []byte:
			msg = v
		case string:
			msg = []byte(v)
		case interface{ Bytes() []byte }:
			msg = v.Bytes()
		default:
			h.log.Warnf("Unexpected type for raw_kiss_frame: %T", v)
			return
		}
		h.toDevice(msg, "Socket.IO client "+string(client.Id()))
	})

	client.On("disconnect", func(...any) {
		h.log.Infof("Socket.IO client disconnected: %s", client.Id())
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, c := range h.sockets {
			if c == client {
				h.sockets = append(h.sockets[:i], h.sockets[i+1:]...)
				break
			}
		}
		if h.active == client {
			h.active = nil
		}
	})
}

// emit sends ev to every Socket.IO client without letting a slow client
// hold up the others.
func (h *hub) emit(ev string, data any) {
	h.mu.Lock()
	clients := append([]*socket.Socket(nil), h.sockets...)
	h.mu.Unlock()
	for _, c := range clients {
		go func(client *socket.Socket) {
			done := make(chan error, 1)
			go func() { done <- client.Emit(ev, data) }()
			select {
			case err := <-done:
				if err != nil {
					h.log.Errorf("Error sending %s to client %s: %v", ev, client.Id(), err)
				}
			case <-time.After(emitTimeout):
				h.log.Warnf("Timeout sending %s to client %s", ev, client.Id())
			}
		}(c)
	}
}

// ---------------------
// Raw TCP clients
// ---------------------

func (h *hub) serveTCP(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Errorf("Error accepting raw TCP connection: %v", err)
			continue
		}
		h.log.Infof("New raw TCP connection from %s", conn.RemoteAddr())
		h.mu.Lock()
		h.tcp = append(h.tcp, conn)
		h.mu.Unlock()
		go h.handleTCP(conn)
	}
}

func (h *hub) handleTCP(conn net.Conn) {
	defer h.dropTCP(conn)
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			h.toDevice(append([]byte(nil), buf[:n]...), "raw TCP client "+conn.RemoteAddr().String())
		}
		if err != nil {
			if err != io.EOF {
				h.log.Debugf("Error reading from raw TCP client %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

func (h *hub) dropTCP(conn net.Conn) {
	conn.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.tcp {
		if c == conn {
			h.tcp = append(h.tcp[:i], h.tcp[i+1:]...)
			h.log.Infof("Raw TCP connection from %s closed", conn.RemoteAddr())
			return
		}
	}
}

// broadcast hands a complete KISS frame, escapes intact, to every client.
func (h *hub) broadcast(frame []byte) {
	h.framesIn.Add(1)
	frame = append([]byte(nil), frame...)
	h.emit("raw_kiss_frame", frame)

	h.mu.Lock()
	conns := append([]net.Conn(nil), h.tcp...)
	h.mu.Unlock()
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(emitTimeout))
		if _, err := c.Write(frame); err != nil {
			h.log.Errorf("Error writing to raw TCP client %s: %v", c.RemoteAddr(), err)
			h.dropTCP(c)
		}
	}
}

func (h *hub) stats() any {
	h.mu.Lock()
	sockets, tcp := len(h.sockets), len(h.tcp)
	h.mu.Unlock()
	return map[string]any{
		"socketio_clients": sockets,
		"tcp_clients":      tcp,
		"frames_from_tnc":  h.framesIn.Load(),
		"frames_to_tnc":    h.framesOut.Load(),
		"bytes_to_tnc":     h.bytesOut.Load(),
	}
}

// ---------------------
// Device loop
// ---------------------

type deviceConfig struct {
	Connection string
	SerialPort string
	Baud       int
	Host       string
	Port       int

	// Inactivity is how long the TNC may stay silent before it is
	// reconnected.
	Inactivity   time.Duration
	Retry        time.Duration
	FileTransfer bool
}

// runDevice keeps a TNC connection open until ctx is done, reconnecting
// after errors and long silences.
func (h *hub) runDevice(ctx context.Context, cfg deviceConfig, conn kiss.Connection) {
	for ctx.Err() == nil {
		if conn == nil {
			var err error
			conn, err = kiss.Open(cfg.Connection, cfg.Host, cfg.Port, cfg.SerialPort, cfg.Baud, h.log)
			if err != nil {
				h.log.Errorf("Reconnect failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(cfg.Retry):
				}
				continue
			}
			h.log.Info("Reconnected successfully to the device")
		}
		h.setDevice(conn)
		err := h.session(ctx, cfg, conn)
		h.setDevice(nil)
		conn.Close()
		conn = nil
		if ctx.Err() != nil {
			return
		}
		h.log.Warnf("Device session ended: %v; reconnecting in %v", err, cfg.Retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Retry):
		}
	}
}

var errInactive = errors.New("no data received within the inactivity deadline")

func (h *hub) session(ctx context.Context, cfg deviceConfig, conn kiss.Connection) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var last atomic.Int64
	last.Store(time.Now().UnixNano())

	packets := make(chan []byte, 100)
	reader := kiss.NewFrameReader(conn, packets, h.log)
	reader.Raw = func(frame []byte) {
		last.Store(time.Now().UnixNano())
		h.log.Debugf("Complete frame received: % X", frame)
		h.broadcast(frame)
	}

	if cfg.Inactivity > 0 {
		go func() {
			tick := time.NewTicker(time.Second)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					if time.Since(time.Unix(0, last.Load())) > cfg.Inactivity {
						cancel(errInactive)
						return
					}
				}
			}
		}()
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case p := <-packets:
				h.emit("arq_frame", trace.Describe(p, cfg.FileTransfer))
			}
		}
	}()

	err := reader.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// ---------------------
// Main
// ---------------------

func main() {
	connectionType := flag.String("connection", "", "Connection type: serial or tcp")
	serialPort := flag.String("serial-port", "", "Serial port device (required for serial connection)")
	baudRate := flag.Int("baud", 115200, "Baud rate (serial connection only, default 115200)")
	tcpHost := flag.String("host", "", "TCP host or IP (required for tcp connection)")
	tcpPort := flag.Int("port", 0, "TCP port (required for tcp connection)")
	listenIP := flag.String("listen-ip", "0.0.0.0", "IP address to bind the HTTP server (default 0.0.0.0)")
	listenPort := flag.Int("listen-port", 5000, "Port to bind the HTTP server (default 5000)")
	tcpReadDeadline := flag.Int("tcp-read-deadline", 600, "Time (in seconds) without data before triggering reconnect")
	decodeFileTransfer := flag.Bool("decode-file-transfer", false, "Decode file transfer packets in arq_frame events")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg := deviceConfig{
		Connection:   *connectionType,
		SerialPort:   *serialPort,
		Baud:         *baudRate,
		Host:         *tcpHost,
		Port:         *tcpPort,
		Inactivity:   time.Duration(*tcpReadDeadline) * time.Second,
		Retry:        5 * time.Second,
		FileTransfer: *decodeFileTransfer,
	}
	conn, err := kiss.Open(cfg.Connection, cfg.Host, cfg.Port, cfg.SerialPort, cfg.Baud, log)
	if err != nil {
		log.Fatalf("Initial connection error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	h := newHub(log)

	engineServer := types.CreateServer(nil)
	ioServer := socket.NewServer(engineServer, nil)
	ioServer.On("connection", h.onConnection)

	rawTCPPort := *listenPort + 1
	tcpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", *listenIP, rawTCPPort))
	if err != nil {
		log.Fatalf("Failed to listen on raw TCP port %d: %v", rawTCPPort, err)
	}
	log.Infof("Listening for raw TCP connections on %s:%d", *listenIP, rawTCPPort)
	go h.serveTCP(ctx, tcpListener)
	go h.runDevice(ctx, cfg, conn)

	st := status.NewServer(log)
	st.Add("bridge", h.stats)
	statusHandler := st.Handler(nil)

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", engineServer)
	mux.Handle("/status", statusHandler)
	mux.Handle("/status/", statusHandler)
	mux.Handle("/healthz", statusHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.ServeFile(w, r, "index.html")
			return
		}
		http.FileServer(http.Dir(".")).ServeHTTP(w, r)
	})

	bindAddr := fmt.Sprintf("%s:%d", *listenIP, *listenPort)
	httpServer := &http.Server{Addr: bindAddr, Handler: mux}
	go func() {
		log.Infof("Serving static files and Socket.IO on http://%s", bindAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	ioServer.Close(nil)
	httpServer.Close()
}
