package encoder

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/llcast/llcast/internal/media"
	"github.com/llcast/llcast/internal/source"
)

// profileIDC maps configuration profile names to H.264 profile_idc values
// and the constraint flags advertised alongside them.
var profileIDC = map[string]struct {
	idc        uint
	constraint uint
}{
	"baseline": {66, 0xE0},
	"main":     {77, 0x00},
	"high":     {100, 0x00},
}

// Synth is a software stand-in for the hardware encoder. It emits
// structurally valid H.264: real SPS/PPS built from the configured
// geometry and profile, and filler slice NAL units sized to the target
// bitrate. Decoders will not render anything useful from it, but every
// byte downstream of the encoder boundary is exercised exactly as with
// real hardware.
type Synth struct {
	log     *slog.Logger
	onUnit  UnitHandler
	mu      sync.Mutex
	s       Settings
	sps     []byte
	pps     []byte
	frames  int64
	forced  bool
	started bool
	closed  bool
}

// NewSynth creates a synthetic encoder delivering units to onUnit.
// If log is nil, slog.Default() is used.
func NewSynth(onUnit UnitHandler, log *slog.Logger) *Synth {
	if log == nil {
		log = slog.Default()
	}
	return &Synth{
		log:    log.With("component", "synth-encoder"),
		onUnit: onUnit,
	}
}

// Configure builds the parameter sets for the requested geometry and
// profile and arms the encoder. The first unit after Configure is a
// keyframe.
func (e *Synth) Configure(s Settings) error {
	p, ok := profileIDC[s.Profile]
	if !ok {
		return fmt.Errorf("%w: unknown profile %q", ErrInitFailed, s.Profile)
	}
	if s.Width <= 0 || s.Height <= 0 || s.FPS <= 0 || s.Bitrate <= 0 {
		return fmt.Errorf("%w: settings %+v", ErrInitFailed, s)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.s = s
	e.sps = buildSPS(s.Width, s.Height, p.idc, p.constraint)
	e.pps = buildPPS(s.Entropy == "cabac")
	e.frames = 0
	e.forced = true
	e.started = true
	e.closed = false

	e.log.Info("configured",
		"width", s.Width, "height", s.Height,
		"profile", s.Profile, "entropy", s.Entropy,
		"bitrate", s.Bitrate, "fps", s.FPS)
	return nil
}

// Encode produces one access unit for the frame and delivers it through
// the unit handler on the calling goroutine.
func (e *Synth) Encode(frame source.Frame) error {
	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: encoder not running", ErrEncodeFailed)
	}

	keyframe := e.forced || e.s.IntraOnly ||
		(e.s.GOPLength > 0 && e.frames%int64(e.s.GOPLength) == 0)
	e.forced = false
	e.frames++

	unit := &media.EncodedUnit{
		PTS:        frame.PTS,
		IsKeyframe: keyframe,
		NALUs:      [][]byte{e.slice(keyframe)},
	}
	if keyframe {
		// Hardware encoders attach the parameter sets to a keyframe's
		// format description; mirror that so the packetizer cache stays
		// current.
		unit.SPS = e.sps
		unit.PPS = e.pps
	}
	onUnit := e.onUnit
	e.mu.Unlock()

	onUnit(unit)
	return nil
}

// slice builds a filler slice NAL sized to the current rate target.
// Payload bytes are never zero, so no start-code emulation can occur.
func (e *Synth) slice(keyframe bool) []byte {
	size := e.s.Bitrate / (e.s.FPS * 8)
	if keyframe {
		size *= 3
	}
	if size < 64 {
		size = 64
	}

	nal := make([]byte, size)
	if keyframe {
		nal[0] = 0x65 // nal_ref_idc 3, IDR slice
	} else {
		nal[0] = 0x41 // nal_ref_idc 2, non-IDR slice
	}
	for i := 1; i < size; i++ {
		nal[i] = byte(i%255) + 1
	}
	return nal
}

// SetBitrate retargets the synthetic rate; effective on the next unit.
func (e *Synth) SetBitrate(bps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if bps <= 0 {
		return fmt.Errorf("%w: bitrate %d", ErrEncodeFailed, bps)
	}
	e.s.Bitrate = bps
	return nil
}

// SetFPS retargets the synthetic frame rate used for unit sizing.
func (e *Synth) SetFPS(fps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fps <= 0 {
		return fmt.Errorf("%w: fps %d", ErrEncodeFailed, fps)
	}
	e.s.FPS = fps
	return nil
}

// SetGOP applies a new GOP policy live.
func (e *Synth) SetGOP(intraOnly bool, gopLength int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.IntraOnly = intraOnly
	if gopLength > 0 {
		e.s.GOPLength = gopLength
	}
	return nil
}

// ForceKeyframe marks the next encoded unit as a keyframe.
func (e *Synth) ForceKeyframe() {
	e.mu.Lock()
	e.forced = true
	e.mu.Unlock()
}

// Shutdown stops the encoder. Encode is synchronous, so there is no
// in-flight work to drain.
func (e *Synth) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// buildSPS assembles a minimal but standard-conformant SPS for the geometry.
// pic_order_cnt_type 2 keeps the slice side trivial; cropping covers
// non-multiple-of-16 dimensions.
func buildSPS(width, height int, profile, constraint uint) []byte {
	mbW := uint((width + 15) / 16)
	mbH := uint((height + 15) / 16)
	cropRight := (int(mbW)*16 - width) / 2
	cropBottom := (int(mbH)*16 - height) / 2

	bw := &bitWriter{}
	bw.writeBits(profile, 8)
	bw.writeBits(constraint, 8)
	bw.writeBits(42, 8) // level 4.2
	bw.writeUE(0)       // seq_parameter_set_id

	switch profile {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128:
		bw.writeUE(1)      // chroma_format_idc 4:2:0
		bw.writeUE(0)      // bit_depth_luma_minus8
		bw.writeUE(0)      // bit_depth_chroma_minus8
		bw.writeBits(0, 1) // qpprime_y_zero_transform_bypass_flag
		bw.writeBits(0, 1) // seq_scaling_matrix_present_flag
	}

	bw.writeUE(0)      // log2_max_frame_num_minus4
	bw.writeUE(2)      // pic_order_cnt_type
	bw.writeUE(1)      // max_num_ref_frames
	bw.writeBits(0, 1) // gaps_in_frame_num_value_allowed_flag
	bw.writeUE(mbW - 1)
	bw.writeUE(mbH - 1)
	bw.writeBits(1, 1) // frame_mbs_only_flag
	bw.writeBits(1, 1) // direct_8x8_inference_flag

	if cropRight > 0 || cropBottom > 0 {
		bw.writeBits(1, 1)
		bw.writeUE(0)
		bw.writeUE(uint(cropRight))
		bw.writeUE(0)
		bw.writeUE(uint(cropBottom))
	} else {
		bw.writeBits(0, 1)
	}
	bw.writeBits(0, 1) // vui_parameters_present_flag

	return append([]byte{0x67}, escapeRBSP(bw.trailing())...)
}

// buildPPS assembles a minimal PPS selecting the entropy mode.
func buildPPS(cabac bool) []byte {
	bw := &bitWriter{}
	bw.writeUE(0) // pic_parameter_set_id
	bw.writeUE(0) // seq_parameter_set_id
	if cabac {
		bw.writeBits(1, 1)
	} else {
		bw.writeBits(0, 1)
	}
	bw.writeBits(0, 1) // bottom_field_pic_order_in_frame_present_flag
	bw.writeUE(0)      // num_slice_groups_minus1
	bw.writeUE(0)      // num_ref_idx_l0_default_active_minus1
	bw.writeUE(0)      // num_ref_idx_l1_default_active_minus1
	bw.writeBits(0, 1) // weighted_pred_flag
	bw.writeBits(0, 2) // weighted_bipred_idc
	bw.writeSE(0)      // pic_init_qp_minus26
	bw.writeSE(0)      // pic_init_qs_minus26
	bw.writeSE(0)      // chroma_qp_index_offset
	bw.writeBits(0, 1) // deblocking_filter_control_present_flag
	bw.writeBits(0, 1) // constrained_intra_pred_flag
	bw.writeBits(0, 1) // redundant_pic_cnt_present_flag

	return append([]byte{0x68}, escapeRBSP(bw.trailing())...)
}
