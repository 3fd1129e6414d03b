package session

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llcast/llcast/internal/config"
	"github.com/llcast/llcast/internal/encoder"
	"github.com/llcast/llcast/internal/h264"
	"github.com/llcast/llcast/internal/media"
	"github.com/llcast/llcast/internal/source"
)

// freePort reserves an ephemeral port and releases it for the session to
// bind. Not airtight, but fine for tests.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ListenPort = freePort(t)
	cfg.FPS = 120
	cfg.GOPLength = 8
	cfg.Bitrate = 1_000_000
	cfg.AdaptationEnabled = false
	return cfg
}

func newTestSession(t *testing.T, cfg config.Config) *Session {
	t.Helper()
	src := source.NewPattern(cfg.Width, cfg.Height, cfg.FPS, nil)
	sess, err := New(cfg, func(onUnit encoder.UnitHandler) (encoder.Encoder, error) {
		return encoder.NewSynth(onUnit, nil), nil
	}, src, nil)
	require.NoError(t, err)
	sess.restartDelay = 10 * time.Millisecond
	t.Cleanup(func() {
		if sess.State() == StateRunning {
			sess.Stop()
		}
	})
	return sess
}

// dialAndReadNALs connects to the session's port and parses the first NAL
// units off the wire.
func dialAndReadNALs(t *testing.T, port int, minBytes int) []h264.NALUnit {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 0, minBytes)
	tmp := make([]byte, 4096)
	for len(buf) < minBytes {
		n, err := c.Read(tmp)
		require.NoError(t, err, "reading stream")
		buf = append(buf, tmp[:n]...)
	}
	return h264.ParseAnnexB(buf)
}

func TestLifecycle(t *testing.T) {
	sess := newTestSession(t, testConfig(t))

	assert.Equal(t, StateIdle, sess.State())
	assert.EqualValues(t, 0, sess.Generation())

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateRunning, sess.State())
	assert.EqualValues(t, 1, sess.Generation())

	err := sess.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, sess.Stop())
	assert.Equal(t, StateIdle, sess.State())

	err = sess.Stop()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRestartIncrementsGeneration(t *testing.T) {
	sess := newTestSession(t, testConfig(t))

	require.NoError(t, sess.Start(context.Background()))
	require.NoError(t, sess.Restart())
	assert.Equal(t, StateRunning, sess.State())
	assert.EqualValues(t, 2, sess.Generation())
}

func TestRestartBeforeFirstStart(t *testing.T) {
	sess := newTestSession(t, testConfig(t))
	assert.ErrorIs(t, sess.Restart(), ErrInvalidState)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.FPS = 0
	_, err := New(cfg, func(onUnit encoder.UnitHandler) (encoder.Encoder, error) {
		return encoder.NewSynth(onUnit, nil), nil
	}, source.NewPattern(1920, 1080, 60, nil), nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestStreamBeginsWithParameterSets(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))

	nalus := dialAndReadNALs(t, cfg.ListenPort, 256)
	require.GreaterOrEqual(t, len(nalus), 3)

	assert.Equal(t, h264.NALTypeSPS, nalus[0].Type, "stream must open with an SPS")
	assert.Equal(t, h264.NALTypePPS, nalus[1].Type)

	// A keyframe follows promptly; the decoder discards anything before it.
	for _, n := range nalus[2:] {
		if n.Type == h264.NALTypeIDR {
			return
		}
	}
	t.Fatal("no IDR slice in the stream head")
}

func TestReconnectGetsCachedHeaderWithoutRestart(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))

	// First client primes the stream, then goes away.
	first := dialAndReadNALs(t, cfg.ListenPort, 256)
	require.Equal(t, h264.NALTypeSPS, first[0].Type)
	genBefore := sess.Generation()

	// Reconnecting must hit the hot-restart fast path: cached header
	// first, then a keyframe, with no session restart in between.
	second := dialAndReadNALs(t, cfg.ListenPort, 256)
	require.NotEmpty(t, second)
	assert.Equal(t, h264.NALTypeSPS, second[0].Type,
		"reconnect must receive the cached header immediately")
	assert.Equal(t, genBefore, sess.Generation(), "reconnect must not restart the session")
	assert.Equal(t, StateRunning, sess.State())
}

func TestApplyLiveTweak(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))
	gen := sess.Generation()

	next := cfg
	next.Bitrate = 2_000_000
	next.FPS = 60
	next.GOPLength = 16
	next.MaxInFlight = 4
	next.Orientation = 90
	require.NoError(t, sess.Apply(next))

	assert.Equal(t, gen, sess.Generation(), "live tweak must not restart")
	assert.Equal(t, StateRunning, sess.State())
	assert.Equal(t, next, sess.Config())
}

func TestApplyRestartRequired(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))
	gen := sess.Generation()

	next := cfg
	next.ListenPort = freePort(t)
	require.NoError(t, sess.Apply(next))

	assert.Equal(t, gen+1, sess.Generation(), "port change must restart")
	assert.Equal(t, StateRunning, sess.State())

	// The new port serves; the old one is closed.
	nalus := dialAndReadNALs(t, next.ListenPort, 64)
	assert.NotEmpty(t, nalus)
	c, err := net.DialTimeout("tcp",
		net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.ListenPort)), 200*time.Millisecond)
	if err == nil {
		c.Close()
		t.Fatal("old port still accepting after restart")
	}
}

func TestApplyResolutionChangeRestarts(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))
	gen := sess.Generation()

	next := cfg
	next.Width, next.Height = 1280, 720
	require.NoError(t, sess.Apply(next))

	assert.Equal(t, gen+1, sess.Generation(), "resolution change must restart")
	assert.Equal(t, StateRunning, sess.State())

	// The restarted stream advertises the new geometry in its SPS.
	nalus := dialAndReadNALs(t, cfg.ListenPort, 256)
	require.Equal(t, h264.NALTypeSPS, nalus[0].Type)
	info, err := h264.ParseSPS(nalus[0].Data)
	require.NoError(t, err)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
}

func TestApplyWhileIdleDefersToNextStart(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)

	next := cfg
	next.Bitrate = 3_000_000
	require.NoError(t, sess.Apply(next))
	assert.Equal(t, StateIdle, sess.State())
	assert.Equal(t, next, sess.Config())

	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, next, sess.Config())
}

func TestApplyInvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)
	require.NoError(t, sess.Start(context.Background()))

	next := cfg
	next.FPS = 0
	err := sess.Apply(next)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, cfg, sess.Config(), "rejected snapshot must not be stored")
}

// countingEncoder counts live bitrate retunes pushed into the encoder.
type countingEncoder struct {
	encoder.Encoder
	bitrateCalls atomic.Int64
}

func (c *countingEncoder) SetBitrate(bps int) error {
	c.bitrateCalls.Add(1)
	return c.Encoder.SetBitrate(bps)
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestApplyTogglesAdaptation(t *testing.T) {
	cfg := testConfig(t)
	cfg.AdaptationEnabled = true
	cfg.Bitrate = 20_000_000
	cfg.Adaptation.Tick = 20 * time.Millisecond

	enc := &countingEncoder{}
	src := source.NewPattern(cfg.Width, cfg.Height, cfg.FPS, nil)
	sess, err := New(cfg, func(onUnit encoder.UnitHandler) (encoder.Encoder, error) {
		enc.Encoder = encoder.NewSynth(onUnit, nil)
		return enc, nil
	}, src, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sess.State() == StateRunning {
			sess.Stop()
		}
	})
	require.NoError(t, sess.Start(context.Background()))

	// With no client every window is clean, so the controller probes the
	// bitrate upward on each tick.
	waitUntil(t, func() bool { return enc.bitrateCalls.Load() > 0 },
		"controller never retuned the encoder")

	next := cfg
	next.AdaptationEnabled = false
	require.NoError(t, sess.Apply(next))

	// Let any tick already in flight finish, then the pushes must stop.
	time.Sleep(60 * time.Millisecond)
	base := enc.bitrateCalls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, base, enc.bitrateCalls.Load(),
		"controller still retuning after being disabled")
	assert.Equal(t, next.Bitrate, sess.Status().Bitrate)

	// Re-enabling brings a fresh controller up without a restart.
	gen := sess.Generation()
	again := next
	again.AdaptationEnabled = true
	require.NoError(t, sess.Apply(again))
	waitUntil(t, func() bool { return enc.bitrateCalls.Load() > base },
		"controller not retuning after being re-enabled")
	assert.Equal(t, gen, sess.Generation(), "adaptation toggle must not restart")
}

func TestUnitsStampedWithGeneration(t *testing.T) {
	cfg := testConfig(t)

	var mu sync.Mutex
	var gens []uint64
	src := source.NewPattern(cfg.Width, cfg.Height, cfg.FPS, nil)
	sess, err := New(cfg, func(onUnit encoder.UnitHandler) (encoder.Encoder, error) {
		return encoder.NewSynth(func(u *media.EncodedUnit) {
			onUnit(u)
			mu.Lock()
			gens = append(gens, u.Generation)
			mu.Unlock()
		}, nil), nil
	}, src, nil)
	require.NoError(t, err)
	sess.restartDelay = 10 * time.Millisecond
	t.Cleanup(func() {
		if sess.State() == StateRunning {
			sess.Stop()
		}
	})

	sawGen := func(want uint64) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, g := range gens {
				if g == want {
					return true
				}
			}
			return false
		}
	}

	require.NoError(t, sess.Start(context.Background()))
	waitUntil(t, sawGen(1), "no unit stamped with generation 1")

	require.NoError(t, sess.Restart())
	waitUntil(t, sawGen(2), "no unit stamped with generation 2 after restart")
}

func TestContextCancelStopsBackgroundWork(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, sess.Start(ctx))
	cancel()

	// The listener closes once the context unwinds.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp",
			net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.ListenPort)), 100*time.Millisecond)
		if err != nil {
			sess.Stop()
			return
		}
		c.Close()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("listener still accepting after context cancel")
}

func TestStatus(t *testing.T) {
	cfg := testConfig(t)
	sess := newTestSession(t, cfg)

	st := sess.Status()
	assert.Equal(t, "idle", st.State)
	assert.Nil(t, st.Conn)

	require.NoError(t, sess.Start(context.Background()))

	// Let the synthetic encoder produce a keyframe so the codec string can
	// be derived from the cached SPS.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st = sess.Status()
		if st.Codec != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, "running", st.State)
	assert.EqualValues(t, 1, st.Generation)
	assert.Contains(t, st.Codec, "avc1.64", "high profile codec string")
	assert.Equal(t, cfg.Bitrate, st.Bitrate)
}
