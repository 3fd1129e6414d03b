// Package session implements the state machine that orchestrates the
// streaming engine: it owns the configuration snapshot, the generation
// counter, and every component instance, and it decides whether a
// configuration replacement is a live tweak or a full restart.
//
// Concurrency model: control operations (Start, Stop, Restart, Apply) are
// strictly serialized by one control mutex. The capture/encode path and the
// network completion path never take that mutex; they go through the
// backpressure gate's own serialization point and an atomically published
// per-run structure, so neither ever blocks on a control operation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/llcast/llcast/internal/adapt"
	"github.com/llcast/llcast/internal/backpressure"
	"github.com/llcast/llcast/internal/config"
	"github.com/llcast/llcast/internal/encoder"
	"github.com/llcast/llcast/internal/h264"
	"github.com/llcast/llcast/internal/media"
	"github.com/llcast/llcast/internal/source"
	"github.com/llcast/llcast/internal/stats"
	"github.com/llcast/llcast/internal/transport"
)

// RestartDelay is the fixed quiescence window between stop and start in a
// restart. Hardware encoders on some platforms refuse immediate reuse.
const RestartDelay = 250 * time.Millisecond

// ErrInvalidState is returned when an operation is not valid in the
// session's current state, e.g. Start while already running.
var ErrInvalidState = errors.New("session: invalid state for operation")

// State is the session lifecycle state.
type State int32

// Session lifecycle states.
const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EncoderFactory builds the encoder bound to the session's unit handler.
// Called once at session construction; the encoder instance lives across
// restarts and is re-armed via Configure.
type EncoderFactory func(onUnit encoder.UnitHandler) (encoder.Encoder, error)

// Status is the point-in-time session view served by the status surface.
type Status struct {
	State      string               `json:"state"`
	Generation uint64               `json:"generation"`
	Config     config.Config        `json:"config"`
	Bitrate    int                  `json:"bitrate"`
	FPS        int                  `json:"fps"`
	Drops      int                  `json:"drops"`
	Codec      string               `json:"codec,omitempty"`
	Stats      stats.Snapshot       `json:"stats"`
	Conn       *transport.ConnStats `json:"conn,omitempty"`
}

// running bundles the per-generation components. It is published atomically
// when a start completes and unpublished before teardown, so the data-path
// callbacks can reach the current run without taking the control mutex.
// Live adaptation toggles republish a copy rather than mutating in place.
type running struct {
	gen   uint64
	pktzr *h264.Packetizer
	srv   *transport.Server
	ctx   context.Context

	adaptCtl    *adapt.Controller
	adaptCancel context.CancelFunc

	cancel context.CancelFunc
}

// Session is the streaming engine. Exactly one exists per process.
type Session struct {
	log *slog.Logger

	// ctl serializes Start/Stop/Restart/Apply end to end.
	ctl sync.Mutex

	// mu guards state, generation, and cfg for readers.
	mu         sync.Mutex
	state      State
	generation uint64
	cfg        config.Config

	gate *backpressure.Gate
	enc  encoder.Encoder
	src  source.Source
	agg  *stats.Aggregator

	// pktzr lives across restarts so the codec header cache survives
	// disconnects; it is replaced only when the framing mode changes and
	// cleared on encoder-affecting restarts.
	pktzr *h264.Packetizer

	run      atomic.Pointer[running]
	baseCtx  context.Context
	lastSnap atomic.Pointer[stats.Snapshot]

	restartDelay time.Duration
}

// New creates an idle session. The encoder factory receives the session's
// unit handler; the source is reconfigured through the session on start and
// on live tweaks. If log is nil, slog.Default() is used.
func New(cfg config.Config, newEncoder EncoderFactory, src source.Source, log *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		log:          log.With("component", "session"),
		cfg:          cfg,
		gate:         backpressure.NewGate(cfg.MaxInFlight),
		src:          src,
		pktzr:        h264.NewPacketizer(cfg.WireFraming()),
		restartDelay: RestartDelay,
	}
	s.agg = stats.NewAggregator(func(snap stats.Snapshot) {
		s.lastSnap.Store(&snap)
	})

	enc, err := newEncoder(s.handleUnit)
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	s.enc = enc
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current generation counter.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Config returns the current configuration snapshot.
func (s *Session) Config() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Info("state changed", "from", prev.String(), "to", st.String())
	}
}

// Start moves the session from idle to running. The context governs all
// background work for this and subsequent runs; cancelling it is equivalent
// to Stop. On any sub-initialization failure everything already started is
// torn down and the session returns to idle: no partial-running state is
// observable.
func (s *Session) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.baseCtx = ctx
	return s.startLocked()
}

func (s *Session) startLocked() error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, st)
	}
	s.state = StateStarting
	s.generation++
	gen := s.generation
	cfg := s.cfg
	s.mu.Unlock()
	s.log.Info("starting", "generation", gen, "port", cfg.ListenPort)

	// Invalidate completions from the previous generation and zero the
	// in-flight and drop counters before anything can produce units.
	s.gate.Reset(gen, cfg.MaxInFlight)
	s.pktzr.ResetEpoch()
	s.enc.ForceKeyframe()

	runCtx, cancel := context.WithCancel(s.baseCtx)
	r := &running{
		gen:    gen,
		pktzr:  s.pktzr,
		ctx:    runCtx,
		cancel: cancel,
	}

	fail := func(err error) error {
		cancel()
		if r.srv != nil {
			r.srv.Close()
		}
		s.setState(StateIdle)
		return err
	}

	r.srv = transport.NewServer(cfg.ListenPort, s.onClientActive, s.log)
	if err := r.srv.Start(runCtx); err != nil {
		r.srv = nil
		return fail(fmt.Errorf("open listener: %w", err))
	}

	if err := s.enc.Configure(encoderSettings(cfg)); err != nil {
		return fail(fmt.Errorf("configure encoder: %w", err))
	}

	s.src.SetFrameDuration(cfg.FPS)
	s.src.SetOrientation(cfg.Orientation)

	if cfg.AdaptationEnabled {
		adaptCtx, adaptCancel := context.WithCancel(runCtx)
		r.adaptCtl = adapt.NewController(cfg.Adaptation, s.gate,
			&adaptTarget{s: s}, cfg.Bitrate, cfg.FPS, s.log)
		r.adaptCancel = adaptCancel
		go r.adaptCtl.Run(adaptCtx)
	}
	go s.agg.Run(runCtx)

	// Publish before capture starts so the first delivered frame already
	// sees the run.
	s.run.Store(r)

	if err := s.src.Start(runCtx, s.handleFrame); err != nil {
		s.run.Store(nil)
		s.enc.Shutdown()
		return fail(fmt.Errorf("start capture: %w", err))
	}

	s.setState(StateRunning)
	return nil
}

// Stop quiesces the capture/encode path, shuts the encoder down, tears down
// the connection and listener, stops the timers, and returns to idle. Safe
// to call even if no client ever connected.
func (s *Session) Stop() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.stopLocked()
}

func (s *Session) stopLocked() error {
	s.mu.Lock()
	if s.state != StateRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, st)
	}
	s.state = StateStopping
	s.mu.Unlock()
	s.log.Info("state changed", "from", StateRunning.String(), "to", StateStopping.String())

	r := s.run.Swap(nil)

	// Capture first: once Stop returns no frame can reach the encoder,
	// so the encoder can drain and release cleanly.
	s.src.Stop()
	s.enc.Shutdown()

	if r != nil {
		r.cancel()
		r.srv.Close()
	}

	s.setState(StateIdle)
	return nil
}

// Restart performs stop, waits the fixed quiescence delay, and starts
// again. From idle it behaves as a plain start.
func (s *Session) Restart() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.restartLocked()
}

func (s *Session) restartLocked() error {
	if s.State() == StateRunning {
		if err := s.stopLocked(); err != nil {
			return err
		}
		time.Sleep(s.restartDelay)
	}
	if s.baseCtx == nil {
		return fmt.Errorf("%w: restart before first start", ErrInvalidState)
	}
	return s.startLocked()
}

// Apply replaces the configuration snapshot. Changes to frame dimensions,
// profile, entropy mode, framing, or listen port force a full restart;
// everything else is pushed to the running components live, followed by a
// forced keyframe and a header-epoch reset so the decoder resynchronizes.
func (s *Session) Apply(next config.Config) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = next
	isRunning := s.state == StateRunning
	s.mu.Unlock()

	if !isRunning {
		// The snapshot takes effect on the next start.
		s.refreshPacketizer(prev, next)
		return nil
	}

	if config.RestartRequired(prev, next) {
		s.log.Info("config change requires restart",
			"prevPort", prev.ListenPort, "port", next.ListenPort)
		s.refreshPacketizer(prev, next)
		return s.restartLocked()
	}

	s.log.Info("applying live tweak",
		"bitrate", next.Bitrate, "fps", next.FPS,
		"intraOnly", next.IntraOnly, "maxInFlight", next.MaxInFlight)

	if next.Bitrate != prev.Bitrate {
		if err := s.enc.SetBitrate(next.Bitrate); err != nil {
			return fmt.Errorf("live bitrate change: %w", err)
		}
	}
	if next.FPS != prev.FPS {
		if err := s.enc.SetFPS(next.FPS); err != nil {
			return fmt.Errorf("live fps change: %w", err)
		}
		s.src.SetFrameDuration(next.FPS)
	}
	if next.IntraOnly != prev.IntraOnly || next.GOPLength != prev.GOPLength {
		if err := s.enc.SetGOP(next.IntraOnly, next.GOPLength); err != nil {
			return fmt.Errorf("live gop change: %w", err)
		}
	}
	if next.MaxInFlight != prev.MaxInFlight {
		s.gate.SetLimit(next.MaxInFlight)
	}
	if next.Orientation != prev.Orientation {
		s.src.SetOrientation(next.Orientation)
	}
	s.applyAdaptation(prev, next)

	s.pktzr.ResetEpoch()
	s.enc.ForceKeyframe()
	return nil
}

// applyAdaptation pushes an adaptation change to the running controller.
// Flag flips and tunable changes stop the old controller and, when enabled,
// run a fresh one bound to the run context; an unchanged controller is
// rebased onto the new bitrate/fps. The run structure is republished as a
// copy so concurrent Status readers never observe a half-updated one.
func (s *Session) applyAdaptation(prev, next config.Config) {
	r := s.run.Load()
	if r == nil {
		return
	}

	unchanged := next.AdaptationEnabled == prev.AdaptationEnabled &&
		next.Adaptation == prev.Adaptation
	if unchanged {
		if r.adaptCtl != nil {
			r.adaptCtl.Retarget(next.Bitrate, next.FPS)
		}
		return
	}

	if r.adaptCancel != nil {
		r.adaptCancel()
	}

	nr := *r
	nr.adaptCtl, nr.adaptCancel = nil, nil
	if next.AdaptationEnabled {
		adaptCtx, adaptCancel := context.WithCancel(r.ctx)
		nr.adaptCtl = adapt.NewController(next.Adaptation, s.gate,
			&adaptTarget{s: s}, next.Bitrate, next.FPS, s.log)
		nr.adaptCancel = adaptCancel
		go nr.adaptCtl.Run(adaptCtx)
	}
	s.run.Store(&nr)
	s.log.Info("adaptation reconfigured", "enabled", next.AdaptationEnabled)
}

// refreshPacketizer clears the codec header cache when the snapshot change
// invalidates the cached parameter sets, and swaps the packetizer when the
// framing mode itself changed. Port-only restarts keep the cache so a
// reconnecting client still gets the hot-restart fast path.
func (s *Session) refreshPacketizer(prev, next config.Config) {
	if prev.Framing != next.Framing {
		s.pktzr = h264.NewPacketizer(next.WireFraming())
		return
	}
	if prev.Width != next.Width || prev.Height != next.Height ||
		prev.Profile != next.Profile || prev.Entropy != next.Entropy {
		s.pktzr.ClearCache()
	}
}

// Status reports the current state for the status surface.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state.String(),
		Generation: s.generation,
		Config:     s.cfg,
		Bitrate:    s.cfg.Bitrate,
		FPS:        s.cfg.FPS,
	}
	s.mu.Unlock()
	st.Drops = s.gate.DropsTotal()

	if snap := s.lastSnap.Load(); snap != nil {
		st.Stats = *snap
	}
	if r := s.run.Load(); r != nil {
		if r.adaptCtl != nil {
			st.Bitrate = r.adaptCtl.Bitrate()
			st.FPS = r.adaptCtl.FPS()
		}
		if cs, ok := r.srv.ActiveStats(); ok {
			st.Conn = &cs
		}
		if sps := r.pktzr.CachedSPS(); sps != nil {
			if info, err := h264.ParseSPS(sps); err == nil {
				st.Codec = info.CodecString()
			}
		}
	}
	return st
}

// handleFrame runs on the capture goroutine. The early gate keeps it
// non-blocking: a saturated window drops the frame before any encode work
// is spent on it.
func (s *Session) handleFrame(f source.Frame) {
	if s.run.Load() == nil {
		return
	}
	if !s.gate.AdmitEncode() {
		return
	}
	if err := s.enc.Encode(f); err != nil {
		// Per-frame failure: the frame is lost, the session continues.
		s.log.Warn("encode failed", "seq", f.Seq, "error", err)
	}
}

// handleUnit runs on the encode completion context. It packetizes, takes
// the authoritative in-flight reservation, and hands the wire buffer to the
// sender; the send completion releases the reservation.
func (s *Session) handleUnit(u *media.EncodedUnit) {
	r := s.run.Load()
	if r == nil {
		return
	}

	buf, err := r.pktzr.Pack(u)
	if err != nil {
		// Parameter sets not seen yet: drop this unit, keep going.
		s.log.Debug("unit dropped", "error", err)
		return
	}

	gen, ok := s.gate.Reserve()
	if !ok {
		return
	}
	u.Generation = gen

	// The completion reads the stamp back off the unit: the generation
	// travels with the data it admitted, not with the closure alone.
	sent := r.srv.Send(buf, func(err error) {
		s.gate.Release(u.Generation)
		if err == nil {
			s.agg.Record(len(buf))
		}
	})
	if !sent {
		// No client, or the queue rejected the buffer: not a network
		// completion, so return the slot here.
		s.gate.Release(u.Generation)
	}
}

// onClientActive fires while a new connection is being adopted, before the
// general send path opens to it. The hot-restart fast path: reset the header
// epoch, force a keyframe, and hand back the cached header so the transport
// writes it ahead of any encoded data. With an empty cache the forced
// keyframe still delivers a header-first stream within one frame.
func (s *Session) onClientActive(remoteAddr string) []byte {
	r := s.run.Load()
	if r == nil {
		return nil
	}

	r.pktzr.ResetEpoch()
	s.enc.ForceKeyframe()

	header := r.pktzr.CachedHeader()
	if header == nil {
		return nil
	}
	r.pktzr.MarkHeaderSent()
	s.log.Info("replaying cached header", "remote", remoteAddr, "bytes", len(header))
	return header
}

// adaptTarget adapts the session to the adaptive controller's Target
// interface: bitrate goes to the encoder, fps to both the encoder and the
// capture source.
type adaptTarget struct {
	s *Session
}

func (t *adaptTarget) SetBitrate(bps int) error {
	return t.s.enc.SetBitrate(bps)
}

func (t *adaptTarget) SetFPS(fps int) error {
	if err := t.s.enc.SetFPS(fps); err != nil {
		return err
	}
	t.s.src.SetFrameDuration(fps)
	return nil
}

func (t *adaptTarget) ForceKeyframe() {
	t.s.enc.ForceKeyframe()
}

// encoderSettings projects the configuration snapshot onto the encoder
// boundary.
func encoderSettings(cfg config.Config) encoder.Settings {
	return encoder.Settings{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Profile:   cfg.Profile,
		Entropy:   cfg.Entropy,
		Bitrate:   cfg.Bitrate,
		FPS:       cfg.FPS,
		IntraOnly: cfg.IntraOnly,
		GOPLength: cfg.GOPLength,
	}
}
