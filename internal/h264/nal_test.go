package h264

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		// 4-byte start code + SPS (NAL type 7)
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		// 4-byte start code + PPS (NAL type 8)
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		// 4-byte start code + IDR (NAL type 5)
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}

	if nalus[0].Type != NALTypeSPS || !IsSPS(nalus[0].Type) {
		t.Errorf("expected SPS (7), got %d", nalus[0].Type)
	}
	if nalus[1].Type != NALTypePPS || !IsPPS(nalus[1].Type) {
		t.Errorf("expected PPS (8), got %d", nalus[1].Type)
	}
	if nalus[2].Type != NALTypeIDR || !IsKeyframe(nalus[2].Type) {
		t.Errorf("expected IDR (5), got %d", nalus[2].Type)
	}
	if !bytes.Equal(nalus[2].Data, []byte{0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE}) {
		t.Errorf("IDR payload mismatch: %x", nalus[2].Data)
	}
}

func TestParseAnnexB3ByteStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("expected 2 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS {
		t.Errorf("expected SPS, got %d", nalus[0].Type)
	}
	if nalus[1].Type != NALTypeIDR {
		t.Errorf("expected IDR, got %d", nalus[1].Type)
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("expected nil for empty input, got %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("expected nil for short input, got %d units", len(nalus))
	}
}

func TestSplitLengthPrefixed(t *testing.T) {
	t.Parallel()
	var buf []byte
	want := [][]byte{
		{0x67, 0x42, 0xE0, 0x1E},
		{0x68, 0xCE},
		{0x65, 0x88, 0x84, 0x00, 0xFF},
	}
	for _, nalu := range want {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, nalu...)
	}

	got := SplitLengthPrefixed(buf)
	if len(got) != len(want) {
		t.Fatalf("expected %d NAL units, got %d", len(want), len(got))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("unit %d: got %x want %x", i, got[i], want[i])
		}
	}
}

func TestSplitLengthPrefixedTruncated(t *testing.T) {
	t.Parallel()
	// One complete unit followed by a length prefix claiming more bytes
	// than remain: the valid prefix is returned, nothing panics.
	buf := []byte{
		0x00, 0x00, 0x00, 0x02, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x09, 0x65, 0x88,
	}
	got := SplitLengthPrefixed(buf)
	if len(got) != 1 {
		t.Fatalf("expected 1 valid unit, got %d", len(got))
	}
	if !bytes.Equal(got[0], []byte{0x67, 0x42}) {
		t.Errorf("unit 0: got %x", got[0])
	}

	// A dangling partial length prefix alone yields nothing.
	if got := SplitLengthPrefixed([]byte{0x00, 0x00}); got != nil {
		t.Errorf("expected nil for partial prefix, got %d units", len(got))
	}
}

// TestAVCCAnnexBRoundTrip converts a length-prefixed stream to start-code
// form and scans the result: the original NAL boundaries and payloads must
// be recovered exactly.
func TestAVCCAnnexBRoundTrip(t *testing.T) {
	t.Parallel()
	original := [][]byte{
		{0x67, 0x64, 0x00, 0x28},
		{0x68, 0xEE, 0x3C, 0x80},
		{0x65, 0x88, 0x84, 0x21, 0xFF, 0x00, 0xAB},
		{0x41, 0x9A, 0x24, 0x6C},
	}
	avcc := AnnexBToLengthPrefixed(original)

	annexB := LengthPrefixedToAnnexB(avcc)
	parsed := ParseAnnexB(annexB)

	if len(parsed) != len(original) {
		t.Fatalf("expected %d NAL units, got %d", len(original), len(parsed))
	}
	for i, nalu := range parsed {
		if !bytes.Equal(nalu.Data, original[i]) {
			t.Errorf("unit %d: got %x want %x", i, nalu.Data, original[i])
		}
	}
}

func TestLengthPrefixedToAnnexBTruncated(t *testing.T) {
	t.Parallel()
	avcc := AnnexBToLengthPrefixed([][]byte{{0x65, 0x01, 0x02}})
	// Clip the last byte off: the truncated unit must be discarded.
	out := LengthPrefixedToAnnexB(avcc[:len(avcc)-1])
	if len(out) != 0 {
		t.Errorf("expected empty output for truncated unit, got %x", out)
	}
}

func TestAnnexBToLengthPrefixedStripsStartCodes(t *testing.T) {
	t.Parallel()
	withSC := [][]byte{
		{0x00, 0x00, 0x00, 0x01, 0x67, 0x42},
		{0x00, 0x00, 0x01, 0x68, 0xCE},
	}
	out := AnnexBToLengthPrefixed(withSC)
	got := SplitLengthPrefixed(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 units, got %d", len(got))
	}
	if !bytes.Equal(got[0], []byte{0x67, 0x42}) || !bytes.Equal(got[1], []byte{0x68, 0xCE}) {
		t.Errorf("start codes not stripped: %x %x", got[0], got[1])
	}
}

func TestParseFraming(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		in   string
		want Framing
	}{
		{"annexb", FramingAnnexB},
		{"startcode", FramingAnnexB},
		{"avcc", FramingLengthPrefixed},
		{"length-prefixed", FramingLengthPrefixed},
	} {
		got, err := ParseFraming(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseFraming(%q) = %v, %v", tc.in, got, err)
		}
	}
	if _, err := ParseFraming("mp4"); err == nil {
		t.Error("expected error for unknown framing")
	}
}
