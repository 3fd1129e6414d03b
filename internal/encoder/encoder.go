// Package encoder defines the hardware-encoder boundary of the engine and
// two software implementations used for development and tests: a synthetic
// encoder that emits structurally valid H.264 bitstreams for the test
// pattern source, and a replay encoder that serves a pre-encoded Annex B
// elementary stream.
package encoder

import (
	"errors"

	"github.com/llcast/llcast/internal/media"
	"github.com/llcast/llcast/internal/source"
)

// Sentinel errors distinguishing encoder failure modes per errors.Is.
var (
	// ErrInitFailed is fatal for a start attempt: the session returns to
	// idle and the caller must start again.
	ErrInitFailed = errors.New("encoder: init failed")
	// ErrEncodeFailed is a per-frame failure; the frame is lost and the
	// session continues.
	ErrEncodeFailed = errors.New("encoder: encode failed")
)

// Settings is the encoder configuration applied at session start. Bitrate,
// fps, and GOP policy can additionally be changed live; the remaining
// fields require a restart.
type Settings struct {
	Width     int
	Height    int
	Profile   string
	Entropy   string
	Bitrate   int // bits per second
	FPS       int
	IntraOnly bool
	GOPLength int // keyframe interval in frames when not intra-only
}

// UnitHandler receives encoded units. Handlers run on the encode context
// and must not block on the network; the backpressure gate drops instead.
type UnitHandler func(*media.EncodedUnit)

// Encoder is the video-encoder boundary. Implementations must report
// per-frame failures through Encode's error without crashing the session.
type Encoder interface {
	// Configure (re)initializes the encoder; required before Encode.
	Configure(s Settings) error
	// Encode submits one captured frame. The resulting unit is delivered
	// through the UnitHandler registered at construction.
	Encode(frame source.Frame) error
	// SetBitrate applies a new target bitrate without restarting.
	SetBitrate(bps int) error
	// SetFPS applies a new target frame rate without restarting.
	SetFPS(fps int) error
	// SetGOP applies a new GOP policy without restarting.
	SetGOP(intraOnly bool, gopLength int) error
	// ForceKeyframe makes the next encoded unit a keyframe.
	ForceKeyframe()
	// Shutdown drains in-flight encode work and releases resources.
	Shutdown()
}
