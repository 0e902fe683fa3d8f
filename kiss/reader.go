package kiss

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ---------------------
// Frame Reader
// ---------------------

// FrameReader continuously reads from a Connection, extracts complete KISS
// frames, unescapes them, and sends the resulting packet bytes over a
// channel.
type FrameReader struct {
	conn    Connection
	outChan chan<- []byte
	buffer  []byte
	log     logrus.FieldLogger

	// Raw, when set, sees every complete KISS frame before it is unescaped.
	Raw func(frame []byte)
}

func NewFrameReader(conn Connection, outChan chan<- []byte, log logrus.FieldLogger) *FrameReader {
	return &FrameReader{
		conn:    conn,
		outChan: outChan,
		log:     log,
	}
}

// Run reads until ctx is done or the connection fails. io.EOF from the
// connection ends the loop with io.EOF.
func (fr *FrameReader) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		data, err := fr.conn.RecvData(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fr.log.Info("TNC closed the connection")
				return io.EOF
			}
			if ctx.Err() != nil {
				break
			}
			return errors.Wrap(err, "receive")
		}
		if len(data) == 0 {
			continue
		}
		fr.buffer = append(fr.buffer, data...)
		frames, remaining := ExtractFrames(fr.buffer)
		for _, f := range frames {
			if fr.Raw != nil {
				fr.Raw(f)
			}
			packet, ok := Payload(f)
			if !ok {
				continue
			}
			select {
			case fr.outChan <- packet:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		fr.buffer = append(fr.buffer[:0], remaining...)
	}
	return ctx.Err()
}
