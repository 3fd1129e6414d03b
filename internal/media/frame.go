// Package media defines the encoded-unit type that flows through the llcast
// engine, from the encoder through the packetizer to the network sender.
package media

// EncodedUnit represents one compressed H.264 access unit produced by the
// encoder. It carries the raw NAL units (no framing prefix) along with the
// parameter sets the encoder attached, if any. Ownership is linear: the
// encoder produces it, the packetizer consumes it exactly once, and the
// resulting wire buffer is handed to the sender.
type EncodedUnit struct {
	PTS        int64 // presentation timestamp, 90 kHz clock
	NALUs      [][]byte
	IsKeyframe bool
	SPS        []byte // parameter sets embedded in the unit's format
	PPS        []byte // description, nil when the encoder omitted them
	Generation uint64 // session generation active when the source frame was admitted
}

// PayloadSize returns the total NAL payload size in bytes, excluding any
// framing overhead added later by the packetizer.
func (u *EncodedUnit) PayloadSize() int {
	var n int
	for _, nalu := range u.NALUs {
		n += len(nalu)
	}
	return n
}
