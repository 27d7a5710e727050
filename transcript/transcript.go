// Package transcript models the plaintext exchanged during a notarized TLS
// session: the raw sent and received bytes, a span-preserving HTTP view of
// them, and the commitment configuration that selects which byte ranges the
// notary will vouch for.
package transcript

import (
	"fmt"
	"sort"
)

// Direction says which side of the connection produced a byte.
type Direction uint8

const (
	// Sent is prover to server.
	Sent Direction = iota
	// Received is server to prover.
	Received
)

func (d Direction) String() string {
	switch d {
	case Sent:
		return "sent"
	case Received:
		return "received"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Range is a half-open byte interval [Start, End) within one direction of a
// transcript.
type Range struct {
	Start int `cbor:"1,keyasint"`
	End   int `cbor:"2,keyasint"`
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int { return r.End - r.Start }

// Empty reports whether r covers no bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// normalize sorts ranges and merges overlapping or touching ones. Empty
// ranges are dropped.
func normalize(ranges []Range) []Range {
	out := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	merged := out[:0]
	for _, r := range out {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// Transcript is the immutable record of one session's plaintext.
type Transcript struct {
	sent     []byte
	received []byte
}

// New copies sent and received into a new Transcript.
func New(sent, received []byte) *Transcript {
	return &Transcript{
		sent:     append([]byte(nil), sent...),
		received: append([]byte(nil), received...),
	}
}

// Sent returns a copy of the bytes sent to the server.
func (t *Transcript) Sent() []byte { return append([]byte(nil), t.sent...) }

// Received returns a copy of the bytes received from the server.
func (t *Transcript) Received() []byte { return append([]byte(nil), t.received...) }

// Len returns the length of one direction.
func (t *Transcript) Len(dir Direction) int {
	return len(t.data(dir))
}

func (t *Transcript) data(dir Direction) []byte {
	if dir == Sent {
		return t.sent
	}
	return t.received
}

// Contains reports whether r lies within direction dir.
func (t *Transcript) Contains(dir Direction, r Range) bool {
	return r.Start >= 0 && r.Start < r.End && r.End <= t.Len(dir)
}

// Slice returns the concatenated bytes of ranges in direction dir.
func (t *Transcript) Slice(dir Direction, ranges ...Range) ([]byte, error) {
	data := t.data(dir)
	var out []byte
	for _, r := range ranges {
		if !t.Contains(dir, r) {
			return nil, fmt.Errorf("transcript: range %s outside %s data (len %d)", r, dir, len(data))
		}
		out = append(out, data[r.Start:r.End]...)
	}
	return out, nil
}
