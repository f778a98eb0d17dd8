// Package tsnorm normalizes per-segment decode timestamps against the
// playlist's cumulative expected start time, so that packets demuxed from
// independently-fetched segments land on one coherent timeline.
package tsnorm

// Epsilon tolerates float arithmetic jitter in timestamp-based lookups.
const Epsilon = 1e-4

// Packet is the minimal shape tsnorm needs from a demuxed media packet.
// DecodeSequence orders packets for normalization; B-frames make
// PresentationTimestamp an unreliable ordering key, so it is never used
// for that purpose here.
type Packet struct {
	DecodeSequence        int64
	DecodeTimestamp       float64
	PresentationTimestamp float64
}

// Normalize returns a copy of packets with DecodeTimestamp and
// PresentationTimestamp shifted by offset = packets[0].DecodeTimestamp -
// expectedStart, so the first packet (by decode sequence) lands exactly
// on expectedStart. Input order is assumed to already be decode-sequence
// order; Normalize does not sort.
func Normalize(packets []Packet, expectedStart float64) []Packet {
	if len(packets) == 0 {
		return packets
	}
	offset := packets[0].DecodeTimestamp - expectedStart
	out := make([]Packet, len(packets))
	for i, p := range packets {
		out[i] = Packet{
			DecodeSequence:        p.DecodeSequence,
			DecodeTimestamp:       p.DecodeTimestamp - offset,
			PresentationTimestamp: p.PresentationTimestamp - offset,
		}
	}
	return out
}

// NearlyEqual reports whether a and b are within Epsilon of each other,
// for timestamp-based lookups that must tolerate float jitter.
func NearlyEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < Epsilon
}
