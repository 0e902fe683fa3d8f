package arq

// Seq is a sequence number. Values live in [0, Space.Max] and wrap around.
type Seq uint8

// DefaultMaxSeq is the largest sequence number of the 3-bit field used on the wire.
const DefaultMaxSeq Seq = 7

// Between reports whether b lies in the circular half-open interval [a, c).
func Between(a, b, c Seq) bool {
	return (a <= b && b < c) || (c < a && a <= b) || (b < c && c < a)
}

// Space is a circular sequence number space [0, Max].
type Space struct {
	Max Seq
}

// Size returns the number of distinct sequence numbers in the space.
func (sp Space) Size() int {
	return int(sp.Max) + 1
}

// Next returns the sequence number following s.
func (sp Space) Next(s Seq) Seq {
	if s >= sp.Max {
		return 0
	}
	return s + 1
}

// Prev returns the sequence number preceding s.
func (sp Space) Prev(s Seq) Seq {
	if s == 0 {
		return sp.Max
	}
	return s - 1
}

// Add advances s by n positions.
func (sp Space) Add(s Seq, n int) Seq {
	return Seq((int(s) + n) % sp.Size())
}
