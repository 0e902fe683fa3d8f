// Package trace decodes frames seen on the channel into a printable and
// JSON friendly form for the monitoring tools.
package trace

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"kissarq/arq"
	"kissarq/filexfer"
	"kissarq/kiss"
)

// Event is one frame seen on the channel.
type Event struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source,omitempty"`
	Dest    string    `json:"dest,omitempty"`
	Kind    string    `json:"kind,omitempty"`
	Seq     int       `json:"seq"`
	Ack     int       `json:"ack"`
	Length  int       `json:"length"`
	Valid   bool      `json:"valid"`
	Error   string    `json:"error,omitempty"`
	Content string    `json:"content,omitempty"`
	Raw     string    `json:"raw"`
}

// Describe decodes the AX.25 header and link frame in packet, an unescaped
// KISS payload. Seq and Ack are -1 when the frame does not carry them.
// With fileTransfer set the payload of DATA frames is decoded as well.
func Describe(packet []byte, fileTransfer bool) Event {
	ev := Event{Time: time.Now(), Length: len(packet), Raw: hex.EncodeToString(packet), Seq: -1, Ack: -1}
	h, info, err := kiss.ParseHeader(packet)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	ev.Source, ev.Dest = h.Source, h.Dest
	f, err := arq.Decode(info)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	ev.Valid = true
	ev.Kind = f.Kind.String()
	ev.Ack = int(f.Ack)
	if f.Kind == arq.KindData {
		ev.Seq = int(f.Seq)
		if fileTransfer {
			ev.Content = describePayload(f.Payload)
		}
	}
	return ev
}

func describePayload(p []byte) string {
	typ, content, err := filexfer.DecodePacket(p)
	if err != nil {
		return "undecodable: " + err.Error()
	}
	if typ == filexfer.TypeHeader {
		h, err := filexfer.ParseHeader(string(content))
		if err != nil {
			return "bad file header: " + err.Error()
		}
		return fmt.Sprintf("file header: %s (%d bytes, %d packets, id %s)", h.Name, h.OrigSize, h.Count, h.ID)
	}
	return fmt.Sprintf("file data: %d bytes", len(content))
}

func (ev Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s>%s ", ev.Source, ev.Dest)
	if !ev.Valid {
		fmt.Fprintf(&b, "INVALID (%s) %s", ev.Error, ev.Raw)
		return b.String()
	}
	if ev.Seq >= 0 {
		fmt.Fprintf(&b, "%s seq=%d ack=%d len=%d", ev.Kind, ev.Seq, ev.Ack, ev.Length)
	} else {
		fmt.Fprintf(&b, "%s ack=%d", ev.Kind, ev.Ack)
	}
	if ev.Content != "" {
		b.WriteString(" | " + ev.Content)
	}
	return b.String()
}
