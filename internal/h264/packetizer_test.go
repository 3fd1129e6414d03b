package h264

import (
	"bytes"
	"errors"
	"testing"

	"github.com/llcast/llcast/internal/media"
)

var (
	testSPS = []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB}
	testPPS = []byte{0x68, 0xCE, 0x38, 0x80}
)

func keyUnit() *media.EncodedUnit {
	return &media.EncodedUnit{
		IsKeyframe: true,
		NALUs:      [][]byte{{0x65, 0x88, 0x84, 0x00}},
		SPS:        testSPS,
		PPS:        testPPS,
	}
}

func deltaUnit() *media.EncodedUnit {
	return &media.EncodedUnit{
		NALUs: [][]byte{{0x41, 0x9A, 0x24}},
	}
}

func TestPackKeyframeStartsWithHeaderAnnexB(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingAnnexB)

	buf, err := p.Pack(keyUnit())
	if err != nil {
		t.Fatal(err)
	}

	nalus := ParseAnnexB(buf)
	if len(nalus) != 3 {
		t.Fatalf("expected SPS+PPS+IDR, got %d units", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS || nalus[1].Type != NALTypePPS || nalus[2].Type != NALTypeIDR {
		t.Errorf("unexpected order: %d %d %d", nalus[0].Type, nalus[1].Type, nalus[2].Type)
	}
	if !bytes.HasPrefix(buf, []byte{0x00, 0x00, 0x00, 0x01, 0x67}) {
		t.Errorf("output does not start with SPS start code: %x", buf[:6])
	}
}

func TestPackKeyframeStartsWithHeaderLengthPrefixed(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingLengthPrefixed)

	buf, err := p.Pack(keyUnit())
	if err != nil {
		t.Fatal(err)
	}

	nalus := SplitLengthPrefixed(buf)
	if len(nalus) != 3 {
		t.Fatalf("expected SPS+PPS+IDR, got %d units", len(nalus))
	}
	if !bytes.Equal(nalus[0], testSPS) || !bytes.Equal(nalus[1], testPPS) {
		t.Errorf("header mismatch: %x %x", nalus[0], nalus[1])
	}
	if bytes.Contains(buf, []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Error("length-prefixed output contains a start code")
	}
}

// The header appears at most once on non-keyframes until the next keyframe
// or epoch reset.
func TestHeaderInjectedOncePerEpoch(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingAnnexB)

	// Seed the cache without marking the header as sent.
	if _, err := p.Pack(keyUnit()); err != nil {
		t.Fatal(err)
	}
	p.ResetEpoch()

	// First delta after a new epoch carries the header once.
	buf, err := p.Pack(deltaUnit())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(ParseAnnexB(buf)); got != 3 {
		t.Fatalf("first delta after reset: expected header+slice (3 units), got %d", got)
	}

	// Subsequent deltas omit it.
	for i := 0; i < 3; i++ {
		buf, err = p.Pack(deltaUnit())
		if err != nil {
			t.Fatal(err)
		}
		if got := len(ParseAnnexB(buf)); got != 1 {
			t.Fatalf("delta %d: expected bare slice, got %d units", i, got)
		}
	}

	// The next keyframe always carries it again.
	buf, err = p.Pack(keyUnit())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(ParseAnnexB(buf)); got != 3 {
		t.Fatalf("keyframe: expected header+slice, got %d units", got)
	}
}

func TestPackWithoutParameterSets(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingAnnexB)

	_, err := p.Pack(deltaUnit())
	if !errors.Is(err, ErrParameterSetUnavailable) {
		t.Fatalf("expected ErrParameterSetUnavailable, got %v", err)
	}
}

func TestMarkHeaderSentSuppressesInjection(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingAnnexB)
	if _, err := p.Pack(keyUnit()); err != nil {
		t.Fatal(err)
	}
	p.ResetEpoch()

	// Hot-restart path: header replayed out of band.
	if p.CachedHeader() == nil {
		t.Fatal("expected cached header")
	}
	p.MarkHeaderSent()

	buf, err := p.Pack(deltaUnit())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(ParseAnnexB(buf)); got != 1 {
		t.Fatalf("expected bare slice after out-of-band header, got %d units", got)
	}
}

func TestClearCacheDropsHeader(t *testing.T) {
	t.Parallel()
	p := NewPacketizer(FramingAnnexB)
	if _, err := p.Pack(keyUnit()); err != nil {
		t.Fatal(err)
	}

	p.ClearCache()
	if p.CachedHeader() != nil {
		t.Error("expected empty cache after clear")
	}
	if _, err := p.Pack(deltaUnit()); !errors.Is(err, ErrParameterSetUnavailable) {
		t.Errorf("expected ErrParameterSetUnavailable after clear, got %v", err)
	}
}

// Identical inputs must produce identical bytes.
func TestPackDeterministic(t *testing.T) {
	t.Parallel()
	mk := func() []byte {
		p := NewPacketizer(FramingLengthPrefixed)
		a, err := p.Pack(keyUnit())
		if err != nil {
			t.Fatal(err)
		}
		b, err := p.Pack(deltaUnit())
		if err != nil {
			t.Fatal(err)
		}
		return append(a, b...)
	}
	if !bytes.Equal(mk(), mk()) {
		t.Error("identical inputs produced different bytes")
	}
}

func TestCachedHeaderMatchesFraming(t *testing.T) {
	t.Parallel()
	var cache HeaderCache
	cache.Update(testSPS, testPPS)

	annexB := cache.Wire(FramingAnnexB)
	if !bytes.HasPrefix(annexB, []byte{0x00, 0x00, 0x00, 0x01}) {
		t.Errorf("annexb header: %x", annexB)
	}

	lp := cache.Wire(FramingLengthPrefixed)
	units := SplitLengthPrefixed(lp)
	if len(units) != 2 || !bytes.Equal(units[0], testSPS) || !bytes.Equal(units[1], testPPS) {
		t.Errorf("length-prefixed header did not round-trip: %x", lp)
	}

	var empty HeaderCache
	if empty.Wire(FramingAnnexB) != nil {
		t.Error("empty cache should yield nil header")
	}
}
