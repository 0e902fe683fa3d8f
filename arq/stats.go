package arq

// Counters tallies link events. The running link owns them; other
// goroutines read them through Status.
type Counters struct {
	FramesSent       uint64 `json:"frames_sent"`
	FramesReceived   uint64 `json:"frames_received"`
	FramesAcked      uint64 `json:"frames_acked"`
	DataSent         uint64 `json:"data_sent"`
	Retransmissions  uint64 `json:"retransmissions"`
	AcksSent         uint64 `json:"acks_sent"`
	NaksSent         uint64 `json:"naks_sent"`
	NaksReceived     uint64 `json:"naks_received"`
	ChecksumErrors   uint64 `json:"checksum_errors"`
	ShortFrames      uint64 `json:"short_frames"`
	UnknownKind      uint64 `json:"unknown_kind"`
	Oversized        uint64 `json:"oversized"`
	OutOfSequence    uint64 `json:"out_of_sequence"`
	Duplicates       uint64 `json:"duplicates"`
	Buffered         uint64 `json:"buffered"`
	PacketsSubmitted uint64 `json:"packets_submitted"`
	PacketsDelivered uint64 `json:"packets_delivered"`
	DataTimeouts     uint64 `json:"data_timeouts"`
	StaleTimeouts    uint64 `json:"stale_timeouts"`
	AckTimeouts      uint64 `json:"ack_timeouts"`
}

// Status is a point in time view of a link.
type Status struct {
	Protocol string `json:"protocol"`

	AckExpected     Seq `json:"ack_expected"`
	NextFrameToSend Seq `json:"next_frame_to_send"`
	Outstanding     int `json:"outstanding"`
	WindowSize      int `json:"window_size"`

	FrameExpected Seq  `json:"frame_expected"`
	TooFar        Seq  `json:"too_far"`
	NoNak         bool `json:"no_nak"`

	PhysicalReady bool `json:"physical_ready"`
	IntakeEnabled bool `json:"intake_enabled"`

	Counters Counters `json:"counters"`
}

// Status returns the snapshot taken after the last processed event. It is
// safe to call from any goroutine.
func (l *Link) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *Link) publish() {
	s := Status{
		Protocol:        l.cfg.Name,
		AckExpected:     l.snd.ackExpected,
		NextFrameToSend: l.snd.nextFrameToSend,
		Outstanding:     l.snd.count,
		WindowSize:      l.snd.capacity,
		FrameExpected:   l.rcv.frameExpected,
		TooFar:          l.rcv.tooFar,
		NoNak:           l.noNak,
		PhysicalReady:   l.phyReady,
		IntakeEnabled:   l.IntakeEnabled(),
		Counters:        l.counters,
	}
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}
