package encoder

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/llcast/llcast/internal/h264"
	"github.com/llcast/llcast/internal/media"
	"github.com/llcast/llcast/internal/source"
)

// accessUnit is one pre-parsed unit of the replay file.
type accessUnit struct {
	nalus    [][]byte
	keyframe bool
	sps      []byte
	pps      []byte
}

// Replay serves a pre-encoded Annex B elementary stream as if it were live
// encoder output, looping at the end. It lets the engine stream real
// decodable H.264 (for interop tests against an actual player) without any
// encoding hardware. Rate and GOP tweaks are accepted but have no effect on
// the pre-encoded bytes; ForceKeyframe skips ahead to the next keyframe.
type Replay struct {
	log    *slog.Logger
	onUnit UnitHandler

	mu      sync.Mutex
	units   []accessUnit
	next    int
	forced  bool
	started bool
	closed  bool
}

// NewReplay loads the Annex B file at path and splits it into access units.
func NewReplay(path string, onUnit UnitHandler, log *slog.Logger) (*Replay, error) {
	if log == nil {
		log = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	units := splitAccessUnits(h264.ParseAnnexB(data))
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no H.264 access units in %s", ErrInitFailed, path)
	}

	return &Replay{
		log:    log.With("component", "replay-encoder", "file", path),
		onUnit: onUnit,
		units:  units,
	}, nil
}

// splitAccessUnits groups a NAL sequence into access units: each slice NAL
// ends a unit, and preceding SPS/PPS/SEI NALs belong to it.
func splitAccessUnits(nalus []h264.NALUnit) []accessUnit {
	var units []accessUnit
	var cur accessUnit
	for _, nalu := range nalus {
		switch nalu.Type {
		case h264.NALTypeSPS:
			cur.sps = nalu.Data
		case h264.NALTypePPS:
			cur.pps = nalu.Data
		case h264.NALTypeIDR, h264.NALTypeSlice:
			cur.nalus = append(cur.nalus, nalu.Data)
			cur.keyframe = nalu.Type == h264.NALTypeIDR
			units = append(units, cur)
			cur = accessUnit{}
		case h264.NALTypeAUD, h264.NALTypeFillerData:
			// delimiters carry no payload
		default:
			cur.nalus = append(cur.nalus, nalu.Data)
		}
	}
	return units
}

// Configure arms the replay from the first unit. Geometry and profile come
// from the file itself, not the settings.
func (r *Replay) Configure(Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next = 0
	r.forced = false
	r.started = true
	r.closed = false
	r.log.Info("configured", "accessUnits", len(r.units))
	return nil
}

// Encode emits the next access unit from the file, looping at the end.
func (r *Replay) Encode(frame source.Frame) error {
	r.mu.Lock()
	if !r.started || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("%w: encoder not running", ErrEncodeFailed)
	}

	if r.forced {
		r.next = r.nextKeyframe(r.next)
		r.forced = false
	}

	au := r.units[r.next%len(r.units)]
	r.next++

	unit := &media.EncodedUnit{
		PTS:        frame.PTS,
		IsKeyframe: au.keyframe,
		NALUs:      au.nalus,
		SPS:        au.sps,
		PPS:        au.pps,
	}
	onUnit := r.onUnit
	r.mu.Unlock()

	onUnit(unit)
	return nil
}

// nextKeyframe returns the index of the first keyframe unit at or after
// from, wrapping around.
func (r *Replay) nextKeyframe(from int) int {
	n := len(r.units)
	for i := 0; i < n; i++ {
		if r.units[(from+i)%n].keyframe {
			return (from + i) % n
		}
	}
	return from
}

// SetBitrate is accepted but cannot change pre-encoded bytes.
func (r *Replay) SetBitrate(int) error { return nil }

// SetFPS is accepted; pacing lives in the capture source.
func (r *Replay) SetFPS(int) error { return nil }

// SetGOP is accepted but cannot change pre-encoded bytes.
func (r *Replay) SetGOP(bool, int) error { return nil }

// ForceKeyframe skips ahead so the next emitted unit is a keyframe.
func (r *Replay) ForceKeyframe() {
	r.mu.Lock()
	r.forced = true
	r.mu.Unlock()
}

// Shutdown stops the replay.
func (r *Replay) Shutdown() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}
