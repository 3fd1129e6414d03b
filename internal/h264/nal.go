// Package h264 implements the bitstream packaging side of the llcast engine:
// NAL unit framing in Annex B (start-code) and length-prefixed form,
// parameter-set extraction and caching, and keyframe header injection.
// Everything in this package is pure and reentrant; identical inputs always
// produce identical bytes.
package h264

import (
	"encoding/binary"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      byte = 1
	NALTypeIDR        byte = 5
	NALTypeSEI        byte = 6
	NALTypeSPS        byte = 7
	NALTypePPS        byte = 8
	NALTypeAUD        byte = 9
	NALTypeFillerData byte = 12
)

// startCode is the 4-byte Annex B start code prepended to every NAL unit
// and parameter set in start-code framing mode.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// NALUnit is a parsed H.264 NAL unit: the 5-bit type plus the raw NAL data
// including the header byte, without any start code or length prefix.
type NALUnit struct {
	Type byte
	Data []byte
}

// NALTypeOf extracts the NAL unit type from the first byte of raw NAL data.
func NALTypeOf(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0] & 0x1F
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}

// ParseAnnexB scans an Annex B byte stream for start codes and extracts NAL
// units. Both 3-byte (0x000001) and 4-byte (0x00000001) start codes are
// recognized. Data before the first start code is ignored.
func ParseAnnexB(data []byte) []NALUnit {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var units []NALUnit
	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}
		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{Type: NALTypeOf(nalData), Data: nalData})
	}
	return units
}

// SplitLengthPrefixed splits a length-prefixed (AVCC) elementary stream into
// raw NAL units. Each unit is preceded by its big-endian 4-byte length.
// Truncated trailing data is discarded silently: the valid prefix is returned.
func SplitLengthPrefixed(data []byte) [][]byte {
	var nalus [][]byte
	for len(data) >= 4 {
		size := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if size <= 0 || size > len(data) {
			break
		}
		nalus = append(nalus, data[:size])
		data = data[size:]
	}
	return nalus
}

// LengthPrefixedToAnnexB rewrites a length-prefixed elementary stream into
// Annex B form: each 4-byte big-endian length prefix is replaced by a 4-byte
// start code. A truncated unit at the end of the buffer is dropped; the
// validly parsed prefix is returned.
func LengthPrefixedToAnnexB(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, nalu := range SplitLengthPrefixed(data) {
		out = append(out, startCode...)
		out = append(out, nalu...)
	}
	return out
}

// AnnexBToLengthPrefixed converts NAL units (with or without start codes)
// into a single length-prefixed buffer: each unit preceded by its big-endian
// 4-byte length.
func AnnexBToLengthPrefixed(nalus [][]byte) []byte {
	var total int
	for _, nalu := range nalus {
		total += 4 + len(stripStartCode(nalu))
	}

	out := make([]byte, 0, total)
	for _, nalu := range nalus {
		raw := stripStartCode(nalu)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out
}

// stripStartCode removes a 3-byte or 4-byte Annex B start code prefix.
func stripStartCode(nalu []byte) []byte {
	if len(nalu) >= 4 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 0 && nalu[3] == 1 {
		return nalu[4:]
	}
	if len(nalu) >= 3 && nalu[0] == 0 && nalu[1] == 0 && nalu[2] == 1 {
		return nalu[3:]
	}
	return nalu
}

// Framing selects the wire format for NAL delimiting.
type Framing int

// Supported wire framings.
const (
	// FramingAnnexB prefixes every NAL unit and parameter set with the
	// 4-byte start code 00 00 00 01.
	FramingAnnexB Framing = iota
	// FramingLengthPrefixed prefixes every NAL unit and parameter set with
	// its big-endian 4-byte length (AVCC style, no start codes).
	FramingLengthPrefixed
)

// String returns the configuration name of the framing mode.
func (f Framing) String() string {
	switch f {
	case FramingAnnexB:
		return "annexb"
	case FramingLengthPrefixed:
		return "avcc"
	default:
		return fmt.Sprintf("framing(%d)", int(f))
	}
}

// ParseFraming parses a configuration string into a Framing value.
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "annexb", "startcode":
		return FramingAnnexB, nil
	case "avcc", "length-prefixed":
		return FramingLengthPrefixed, nil
	default:
		return 0, fmt.Errorf("h264: unknown framing %q", s)
	}
}
