// Package source defines the capture-source boundary of the engine and a
// synthetic test-pattern implementation. A real deployment wires a hardware
// camera behind the Source interface; the engine only ever talks to the
// interface and reconfigures it through the session's live-tweak path.
package source

import "context"

// Frame describes one captured raw frame. The synthetic sources carry no
// pixel data; a hardware source would attach its buffer handle here.
type Frame struct {
	Seq    int64
	PTS    int64 // 90 kHz clock
	Width  int
	Height int
}

// FrameHandler receives frames on the capture goroutine. It must not block:
// the engine's early backpressure gate drops saturated frames instead of
// stalling capture.
type FrameHandler func(Frame)

// Source is the capture-device boundary.
type Source interface {
	// Start begins frame delivery. It returns once capture is running;
	// frames arrive on a source-owned goroutine until Stop or ctx cancel.
	Start(ctx context.Context, deliver FrameHandler) error
	// SetFrameDuration retargets the capture cadence to the given fps.
	SetFrameDuration(fps int)
	// SetOrientation applies a capture rotation in degrees.
	SetOrientation(degrees int)
	// Stop halts frame delivery and releases the device.
	Stop()
}
