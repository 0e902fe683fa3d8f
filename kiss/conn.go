package kiss

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// ---------------------
// Connection Interfaces and Implementations
// ---------------------

// Connection sends KISS frames to a TNC and reads raw bytes back.
// RecvData returns an empty slice when nothing arrived within timeout and
// io.EOF once the TNC has gone away.
type Connection interface {
	SendFrame(frame []byte) error
	RecvData(timeout time.Duration) ([]byte, error)
	Close() error
}

// TCPConnection implements Connection over TCP.
type TCPConnection struct {
	conn     net.Conn
	listener net.Listener
	lock     sync.Mutex
}

// DialTCP connects to a KISS TNC listening on host:port.
func DialTCP(host string, port int, log logrus.FieldLogger) (*TCPConnection, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	log.Infof("[TCP Client] Connected to %s", addr)
	return &TCPConnection{conn: conn}, nil
}

// ListenTCP waits for a single client on host:port. It is used when this
// end plays the TNC, for example in tests or with a software modem that
// dials out.
func ListenTCP(host string, port int, log logrus.FieldLogger) (*TCPConnection, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	log.Infof("[TCP Server] Listening on %s", addr)
	conn, err := ln.Accept()
	if err != nil {
		ln.Close()
		return nil, errors.Wrap(err, "accept")
	}
	log.Infof("[TCP Server] Connection from %s", conn.RemoteAddr())
	return &TCPConnection{conn: conn, listener: ln}, nil
}

// NewTCPConnection wraps an established connection.
func NewTCPConnection(conn net.Conn) *TCPConnection {
	return &TCPConnection{conn: conn}
}

func (t *TCPConnection) SendFrame(frame []byte) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, err := t.conn.Write(frame)
	return errors.Wrap(err, "tcp write")
}

func (t *TCPConnection) RecvData(timeout time.Duration) ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.Wrap(err, "set read deadline")
	}
	buf := make([]byte, 1024)
	n, err := t.conn.Read(buf)
	if err != nil {
		var nErr net.Error
		if errors.As(err, &nErr) && nErr.Timeout() {
			return buf[:n], nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "tcp read")
	}
	return buf[:n], nil
}

func (t *TCPConnection) Close() error {
	err := t.conn.Close()
	if t.listener != nil {
		t.listener.Close()
	}
	return err
}

// SerialConnection implements Connection over a serial port.
type SerialConnection struct {
	ser  serial.Port
	lock sync.Mutex
}

// OpenSerial opens portName at baud with a 100ms read timeout.
func OpenSerial(portName string, baud int, log logrus.FieldLogger) (*SerialConnection, error) {
	mode := &serial.Mode{
		BaudRate: baud,
	}
	ser, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", portName)
	}
	if err := ser.SetReadTimeout(100 * time.Millisecond); err != nil {
		ser.Close()
		return nil, errors.Wrap(err, "set read timeout")
	}
	log.Infof("[Serial] Opened serial port %s at %d baud", portName, baud)
	return &SerialConnection{ser: ser}, nil
}

func (s *SerialConnection) SendFrame(frame []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	_, err := s.ser.Write(frame)
	return errors.Wrap(err, "serial write")
}

// RecvData reads whatever the port has; the read timeout is fixed when the
// port is opened.
func (s *SerialConnection) RecvData(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 1024)
	n, err := s.ser.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "serial read")
	}
	return buf[:n], nil
}

func (s *SerialConnection) Close() error {
	return s.ser.Close()
}

// Open connects to a TNC the way the command line flags describe it:
// "tcp" dials host:port, "serial" opens serialPort at baud.
func Open(connection, host string, port int, serialPort string, baud int, log logrus.FieldLogger) (Connection, error) {
	switch connection {
	case "tcp":
		return DialTCP(host, port, log)
	case "serial":
		if serialPort == "" {
			return nil, errors.New("serial connection needs a serial port")
		}
		return OpenSerial(serialPort, baud, log)
	}
	return nil, errors.Errorf("unknown connection type %q", connection)
}
