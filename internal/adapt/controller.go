// Package adapt retunes the encoder bitrate and capture frame rate from the
// drop signal produced by the backpressure gate. The policy is asymmetric:
// additive bitrate increase when a window is clean, multiplicative decrease
// when it is congested, and an fps decrease once bitrate hits its floor.
// All thresholds are empirical and kept configurable rather than hard-coded.
package adapt

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tunables holds the adaptation constants. Defaults preserve the values the
// policy was tuned with; they are parameters, not law.
type Tunables struct {
	Tick          time.Duration `json:"-" mapstructure:"-"`
	DropThreshold int           `json:"dropThreshold" mapstructure:"drop-threshold"`
	DecreasePct   float64       `json:"decreasePct" mapstructure:"decrease-pct"`
	IncreaseStep  int           `json:"increaseStep" mapstructure:"increase-step"`
	MinBitrate    int           `json:"minBitrate" mapstructure:"min-bitrate"`
	MaxBitrate    int           `json:"maxBitrate" mapstructure:"max-bitrate"`
	MinFPS        int           `json:"minFps" mapstructure:"min-fps"`
}

// DefaultTunables returns the stock adaptation constants: 2 s tick, 10-drop
// threshold, 10% decrease, 2 Mb/s additive increase, 12-40 Mb/s bitrate
// band, 30 fps floor.
func DefaultTunables() Tunables {
	return Tunables{
		Tick:          2 * time.Second,
		DropThreshold: 10,
		DecreasePct:   0.10,
		IncreaseStep:  2_000_000,
		MinBitrate:    12_000_000,
		MaxBitrate:    40_000_000,
		MinFPS:        30,
	}
}

// DropSource supplies the per-window drop count. Reading it resets the window.
type DropSource interface {
	TakeDrops() int
}

// Target receives parameter changes. Implementations push bitrate to the
// encoder's live-reconfiguration interface and fps to both the encoder and
// the capture source, then force a keyframe so the decoder resynchronizes.
type Target interface {
	SetBitrate(bps int) error
	SetFPS(fps int) error
	ForceKeyframe()
}

// Controller runs the periodic adaptation loop while the session is running.
// It owns the current bitrate/fps values it has converged to; the session
// recreates it on every start with the configured starting point.
type Controller struct {
	log    *slog.Logger
	tun    Tunables
	drops  DropSource
	target Target

	mu      sync.Mutex
	bitrate int
	fps     int
}

// NewController creates a controller starting from the given bitrate and
// fps. If log is nil, slog.Default() is used.
func NewController(tun Tunables, drops DropSource, target Target, bitrate, fps int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	if tun.Tick <= 0 {
		tun.Tick = DefaultTunables().Tick
	}
	return &Controller{
		log:     log.With("component", "adapt"),
		tun:     tun,
		drops:   drops,
		target:  target,
		bitrate: bitrate,
		fps:     fps,
	}
}

// Bitrate returns the controller's current bitrate in bits per second.
func (c *Controller) Bitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

// FPS returns the controller's current frame rate.
func (c *Controller) FPS() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fps
}

// Retarget rebases the controller after a live configuration tweak changed
// bitrate or fps underneath it.
func (c *Controller) Retarget(bitrate, fps int) {
	c.mu.Lock()
	c.bitrate = bitrate
	c.fps = fps
	c.mu.Unlock()
}

// Run ticks at the configured interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tun.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Step(c.drops.TakeDrops())
		}
	}
}

// Step applies one adaptation decision for a window with the given drop
// count. Exposed separately from Run so the decision logic is testable
// without a ticker.
func (c *Controller) Step(drops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case drops > c.tun.DropThreshold:
		c.decrease(drops)
	case drops == 0:
		c.increase()
	default:
		// Hysteresis band: a few drops are tolerated without reacting,
		// otherwise the controller oscillates around the ceiling.
	}
}

// decrease cuts bitrate multiplicatively, and once bitrate sits at the
// floor, cuts fps instead. Every applied change is followed by a forced
// keyframe so the decoder locks onto the new rate cleanly.
func (c *Controller) decrease(drops int) {
	if c.bitrate > c.tun.MinBitrate {
		next := int(float64(c.bitrate) * (1 - c.tun.DecreasePct))
		if next < c.tun.MinBitrate {
			next = c.tun.MinBitrate
		}
		c.log.Info("congestion, decreasing bitrate",
			"drops", drops, "bitrate", next)
		if err := c.target.SetBitrate(next); err != nil {
			c.log.Warn("bitrate change rejected", "error", err)
			return
		}
		c.bitrate = next
		c.target.ForceKeyframe()
		return
	}

	next := int(float64(c.fps) * (1 - c.tun.DecreasePct))
	if next < c.tun.MinFPS {
		next = c.tun.MinFPS
	}
	if next == c.fps {
		return
	}
	c.log.Info("congestion at bitrate floor, decreasing fps",
		"drops", drops, "fps", next)
	if err := c.target.SetFPS(next); err != nil {
		c.log.Warn("fps change rejected", "error", err)
		return
	}
	c.fps = next
	c.target.ForceKeyframe()
}

// increase probes upward with a fixed additive step, capped at the ceiling.
func (c *Controller) increase() {
	if c.bitrate >= c.tun.MaxBitrate {
		return
	}
	next := c.bitrate + c.tun.IncreaseStep
	if next > c.tun.MaxBitrate {
		next = c.tun.MaxBitrate
	}
	c.log.Debug("clean window, increasing bitrate", "bitrate", next)
	if err := c.target.SetBitrate(next); err != nil {
		c.log.Warn("bitrate change rejected", "error", err)
		return
	}
	c.bitrate = next
	c.target.ForceKeyframe()
}
