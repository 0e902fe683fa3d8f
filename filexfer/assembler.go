package filexfer

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// File is a completed transfer.
type File struct {
	Header     Header
	Data       []byte
	Path       string
	ChecksumOK bool
	Elapsed    time.Duration
}

// AssemblerConfig controls where received files go.
type AssemblerConfig struct {
	OutputDir string
	// Replace overwrites an existing file instead of picking a new name.
	Replace bool
	// Discard skips writing files; OnFile still sees them.
	Discard bool
	Logger  logrus.FieldLogger
	// OnFile is called from PutPacket for every completed transfer.
	OnFile func(File)
}

// transfer holds state for an incoming file.
type transfer struct {
	header       Header
	buf          bytes.Buffer
	received     int
	startTime    time.Time
	lastProgress int
}

// Assembler rebuilds files from the in-order packet stream the link
// delivers. It implements arq.NetworkLayer.
type Assembler struct {
	cfg AssemblerConfig
	log logrus.FieldLogger
	cur *transfer

	completed atomic.Int64
	failed    atomic.Int64
}

func NewAssembler(cfg AssemblerConfig) *Assembler {
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Assembler{cfg: cfg, log: log}
}

// PutPacket consumes one network layer packet.
func (a *Assembler) PutPacket(pkt []byte) {
	typ, content, err := DecodePacket(pkt)
	if err != nil {
		a.log.WithError(err).Warn("dropping packet")
		return
	}
	switch typ {
	case TypeHeader:
		a.start(string(content))
	case TypeData:
		a.data(content)
	}
}

func (a *Assembler) start(s string) {
	h, err := ParseHeader(s)
	if err != nil {
		a.log.WithError(err).Warn("invalid header, ignoring transfer")
		return
	}
	if a.cur != nil {
		a.log.WithFields(logrus.Fields{
			"file":     a.cur.header.Name,
			"received": a.cur.received,
			"count":    a.cur.header.Count,
		}).Warn("new header before transfer finished, abandoning it")
		a.failed.Add(1)
	}
	a.cur = &transfer{header: h, startTime: time.Now()}
	a.cur.buf.Grow(h.CompSize)
	a.log.WithFields(logrus.Fields{
		"file":    h.Name,
		"id":      h.ID,
		"size":    h.OrigSize,
		"packets": h.Count,
	}).Info("started transfer")
	if h.Count == 0 {
		a.finish()
	}
}

func (a *Assembler) data(content []byte) {
	t := a.cur
	if t == nil {
		a.log.Warn("data packet for unknown transfer, ignoring")
		return
	}
	t.buf.Write(content)
	t.received++

	if pct := t.received * 100 / t.header.Count; pct/10 > t.lastProgress/10 {
		t.lastProgress = pct
		elapsed := time.Since(t.startTime).Seconds()
		a.log.Infof("%s: %d/%d bytes (%d%%), %.2f bytes/s",
			t.header.Name, t.buf.Len(), t.header.CompSize, pct, float64(t.buf.Len())/elapsed)
	}
	if t.received == t.header.Count {
		a.finish()
	}
}

func (a *Assembler) finish() {
	t := a.cur
	a.cur = nil
	h := t.header
	f := File{Header: h, Elapsed: time.Since(t.startTime)}

	data := t.buf.Bytes()
	if h.Compress {
		var err error
		if data, err = decompress(data); err != nil {
			a.log.WithError(err).WithField("file", h.Name).Error("transfer failed")
			a.failed.Add(1)
			return
		}
	}
	f.Data = data
	sum := md5.Sum(data)
	got := hex.EncodeToString(sum[:])
	f.ChecksumOK = got == h.MD5

	entry := a.log.WithFields(logrus.Fields{"file": h.Name, "id": h.ID})
	if !f.ChecksumOK {
		entry.Errorf("Checksum mismatch! (Expected: %s, Got: %s)", h.MD5, got)
		a.failed.Add(1)
	} else {
		entry.WithField("elapsed", f.Elapsed.Round(time.Millisecond)).Info("Checksum OK, transfer complete")
		a.completed.Add(1)
		if !a.cfg.Discard {
			path, err := a.save(h.Name, data)
			if err != nil {
				entry.WithError(err).Error("Error saving file")
			} else {
				f.Path = path
				entry.Infof("Saved received file as %s", path)
			}
		}
	}
	if a.cfg.OnFile != nil {
		a.cfg.OnFile(f)
	}
}

func (a *Assembler) save(name string, data []byte) (string, error) {
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", errors.Errorf("unusable file name %q", name)
	}
	path := filepath.Join(a.cfg.OutputDir, name)
	if !a.cfg.Replace {
		path = UniqueName(path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrap(err, "write")
	}
	return path, nil
}

// Completed and Failed count finished transfers. They may be called from
// any goroutine.
func (a *Assembler) Completed() int { return int(a.completed.Load()) }
func (a *Assembler) Failed() int    { return int(a.failed.Load()) }

// UniqueName returns path if nothing exists there, otherwise the first free
// name of the form base_N.ext.
func UniqueName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	out := path
	for cnt := 1; ; cnt++ {
		if _, err := os.Stat(out); os.IsNotExist(err) {
			return out
		}
		out = fmt.Sprintf("%s_%d%s", base, cnt, ext)
	}
}
