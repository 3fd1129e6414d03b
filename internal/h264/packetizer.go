package h264

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/llcast/llcast/internal/media"
)

// ErrParameterSetUnavailable is returned by Pack when a unit arrives before
// any SPS/PPS pair has been observed. The unit must be dropped; the session
// continues.
var ErrParameterSetUnavailable = errors.New("h264: parameter sets unavailable")

// HeaderCache holds the last-observed SPS/PPS pair, pre-serialized in both
// wire encodings. The cache survives client disconnects within a session;
// it is cleared only when an encoder-affecting restart occurs. This is what
// makes hot-restart possible: a reconnecting client receives a usable header
// immediately instead of waiting for the next keyframe.
type HeaderCache struct {
	sps            []byte
	pps            []byte
	annexB         []byte
	lengthPrefixed []byte
}

// Update replaces the cached parameter sets and rebuilds both wire encodings.
// The inputs are copied.
func (c *HeaderCache) Update(sps, pps []byte) {
	c.sps = append([]byte(nil), sps...)
	c.pps = append([]byte(nil), pps...)

	c.annexB = make([]byte, 0, len(sps)+len(pps)+8)
	c.annexB = append(c.annexB, startCode...)
	c.annexB = append(c.annexB, c.sps...)
	c.annexB = append(c.annexB, startCode...)
	c.annexB = append(c.annexB, c.pps...)

	c.lengthPrefixed = AnnexBToLengthPrefixed([][]byte{c.sps, c.pps})
}

// Ready reports whether both parameter sets have been observed.
func (c *HeaderCache) Ready() bool {
	return len(c.sps) > 0 && len(c.pps) > 0
}

// Wire returns the cached header in the requested framing, or nil if the
// cache is empty. The returned slice must not be mutated.
func (c *HeaderCache) Wire(f Framing) []byte {
	if !c.Ready() {
		return nil
	}
	if f == FramingLengthPrefixed {
		return c.lengthPrefixed
	}
	return c.annexB
}

// ParameterSets returns the cached raw SPS and PPS, or nil slices if the
// cache is empty.
func (c *HeaderCache) ParameterSets() (sps, pps []byte) {
	return c.sps, c.pps
}

// Clear drops the cached parameter sets and their serialized forms.
func (c *HeaderCache) Clear() {
	*c = HeaderCache{}
}

// Packetizer converts encoded units into wire-format byte buffers. It owns
// the header cache and the per-connection-epoch header-sent latch that
// implements the injection policy: a keyframe always carries the parameter
// sets; a non-keyframe carries them once per epoch if they have not been
// sent yet; otherwise they are omitted. A newly connected decoder therefore
// always finds a header on or before the first keyframe it sees.
type Packetizer struct {
	mu         sync.Mutex
	framing    Framing
	cache      HeaderCache
	headerSent bool
}

// NewPacketizer creates a Packetizer producing output in the given framing.
func NewPacketizer(f Framing) *Packetizer {
	return &Packetizer{framing: f}
}

// Framing returns the configured output framing.
func (p *Packetizer) Framing() Framing {
	return p.framing
}

// ResetEpoch clears the header-sent latch. Called when a new connection
// becomes active so the next unit carries the parameter sets again.
func (p *Packetizer) ResetEpoch() {
	p.mu.Lock()
	p.headerSent = false
	p.mu.Unlock()
}

// MarkHeaderSent records that the cached header was delivered out of band,
// on the hot-restart fast path, so Pack does not inject it a second time
// before the next keyframe.
func (p *Packetizer) MarkHeaderSent() {
	p.mu.Lock()
	p.headerSent = true
	p.mu.Unlock()
}

// CachedHeader returns the cached parameter-set header in the output
// framing, or nil if no parameter sets have been observed yet.
func (p *Packetizer) CachedHeader() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Wire(p.framing)
}

// CachedSPS returns the raw cached SPS, or nil.
func (p *Packetizer) CachedSPS() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	sps, _ := p.cache.ParameterSets()
	return sps
}

// ClearCache drops the cached parameter sets. Called on encoder-affecting
// restarts, when the old sets no longer describe the bitstream.
func (p *Packetizer) ClearCache() {
	p.mu.Lock()
	p.cache.Clear()
	p.headerSent = false
	p.mu.Unlock()
}

// Pack converts one encoded unit into a single wire buffer. If the unit
// carries parameter sets they refresh the cache first. Returns
// ErrParameterSetUnavailable if no SPS/PPS pair has been observed yet;
// the caller must drop the unit and not attempt further packaging of it.
func (p *Packetizer) Pack(u *media.EncodedUnit) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(u.SPS) > 0 && len(u.PPS) > 0 {
		p.cache.Update(u.SPS, u.PPS)
	}
	if !p.cache.Ready() {
		return nil, ErrParameterSetUnavailable
	}

	includeHeader := u.IsKeyframe || !p.headerSent
	header := p.cache.Wire(p.framing)

	size := u.PayloadSize() + 4*len(u.NALUs)
	if includeHeader {
		size += len(header)
	}

	out := make([]byte, 0, size)
	if includeHeader {
		out = append(out, header...)
		p.headerSent = true
	}

	for _, nalu := range u.NALUs {
		if p.framing == FramingLengthPrefixed {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(nalu)))
			out = append(out, lenBuf[:]...)
		} else {
			out = append(out, startCode...)
		}
		out = append(out, nalu...)
	}
	return out, nil
}
