package trace

import (
	"encoding/json"
	"strings"
	"testing"

	"kissarq/arq"
	"kissarq/filexfer"
	"kissarq/kiss"
)

func onAir(f arq.Frame) []byte {
	return append(kiss.BuildHeader("N0SND", "N0RCV"), arq.Encode(f)...)
}

func TestDescribe(t *testing.T) {
	pkts, _, err := filexfer.Packetize("notes.txt", []byte("hello"), filexfer.Options{PacketSize: 64})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		packet  []byte
		valid   bool
		kind    string
		seq     int
		content string
	}{
		{"header", onAir(arq.Frame{Kind: arq.KindData, Seq: 3, Ack: 1, Payload: pkts[0]}), true, "DATA", 3, "file header: notes.txt"},
		{"file data", onAir(arq.Frame{Kind: arq.KindData, Seq: 4, Payload: pkts[1]}), true, "DATA", 4, "file data: 5 bytes"},
		{"ack", onAir(arq.Frame{Kind: arq.KindAck, Ack: 6}), true, "ACK", -1, ""},
		{"nak", onAir(arq.Frame{Kind: arq.KindNak, Ack: 2}), true, "NAK", -1, ""},
		{"corrupt", append(kiss.BuildHeader("A", "B"), 0, 1, 2, 3, 4, 5, 6), false, "", -1, ""},
		{"no header", []byte{1, 2, 3}, false, "", -1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Describe(tt.packet, true)
			if ev.Valid != tt.valid || ev.Kind != tt.kind || ev.Seq != tt.seq {
				t.Errorf("event %+v", ev)
			}
			if !strings.HasPrefix(ev.Content, tt.content) {
				t.Errorf("content %q, want prefix %q", ev.Content, tt.content)
			}
			if tt.valid && (ev.Source != "N0SND" || ev.Dest != "N0RCV") {
				t.Errorf("addresses %s>%s", ev.Source, ev.Dest)
			}
			if !tt.valid && ev.Error == "" {
				t.Error("invalid frame without an error")
			}
		})
	}
}

func TestEventString(t *testing.T) {
	ev := Describe(onAir(arq.Frame{Kind: arq.KindAck, Ack: 6}), false)
	if got, want := ev.String(), "N0SND>N0RCV ACK ack=6"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	doc, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(doc, &back); err != nil {
		t.Fatal(err)
	}
	if back["kind"] != "ACK" || back["valid"] != true {
		t.Errorf("json %s", doc)
	}
}
