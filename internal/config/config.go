// Package config defines the immutable configuration snapshot the streaming
// engine consumes, its validation, and the diff that decides between a live
// tweak and a full restart. The engine never parses UI input itself; an
// external surface (CLI flags, config file, or the HTTP API) supplies whole
// snapshots.
package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"

	"github.com/llcast/llcast/internal/adapt"
	"github.com/llcast/llcast/internal/backpressure"
	"github.com/llcast/llcast/internal/h264"
)

// ErrInvalid wraps all configuration validation failures. A start with an
// invalid snapshot is aborted and not retried.
var ErrInvalid = errors.New("config: invalid")

// Known H.264 profile and entropy-mode names.
const (
	ProfileBaseline = "baseline"
	ProfileMain     = "main"
	ProfileHigh     = "high"

	EntropyCAVLC = "cavlc"
	EntropyCABAC = "cabac"
)

// Config is a full configuration snapshot. It is immutable once handed to
// the session; changes are applied by replacing the whole snapshot.
type Config struct {
	ListenPort int `json:"listenPort" mapstructure:"listen-port"`

	Width  int `json:"width" mapstructure:"width"`
	Height int `json:"height" mapstructure:"height"`

	FPS     int `json:"fps" mapstructure:"fps"`
	Bitrate int `json:"bitrate" mapstructure:"bitrate"` // bits per second

	// IntraOnly makes every frame independently decodable (GOP=1);
	// otherwise GOPLength sets the keyframe interval in frames.
	IntraOnly bool `json:"intraOnly" mapstructure:"intra-only"`
	GOPLength int  `json:"gopLength" mapstructure:"gop-length"`

	Framing string `json:"framing" mapstructure:"framing"` // "annexb" or "avcc"
	Profile string `json:"profile" mapstructure:"profile"`
	Entropy string `json:"entropy" mapstructure:"entropy"`

	// Orientation is the capture rotation in degrees (0, 90, 180, 270).
	Orientation int `json:"orientation" mapstructure:"orientation"`

	MaxInFlight int `json:"maxInFlight" mapstructure:"max-in-flight"`

	AdaptationEnabled bool           `json:"adaptationEnabled" mapstructure:"adaptation-enabled"`
	Adaptation        adapt.Tunables `json:"adaptation" mapstructure:"adaptation"`
}

// Default returns the stock snapshot: Annex B on port 5000, 1080p60 at
// 35 Mb/s, high profile, CABAC, two in-flight units, adaptation on.
func Default() Config {
	return Config{
		ListenPort:        5000,
		Width:             1920,
		Height:            1080,
		FPS:               60,
		Bitrate:           35_000_000,
		IntraOnly:         false,
		GOPLength:         120,
		Framing:           h264.FramingAnnexB.String(),
		Profile:           ProfileHigh,
		Entropy:           EntropyCABAC,
		MaxInFlight:       backpressure.DefaultLimit,
		AdaptationEnabled: true,
		Adaptation:        adapt.DefaultTunables(),
	}
}

// WireFraming returns the parsed framing mode. Validate guarantees it parses.
func (c Config) WireFraming() h264.Framing {
	f, _ := h264.ParseFraming(c.Framing)
	return f
}

// Validate checks the snapshot. All failures wrap ErrInvalid.
func (c Config) Validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalid, c.ListenPort)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalid, c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be even", ErrInvalid, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalid, c.FPS)
	}
	if c.Bitrate <= 0 {
		return fmt.Errorf("%w: bitrate %d", ErrInvalid, c.Bitrate)
	}
	if !c.IntraOnly && c.GOPLength <= 0 {
		return fmt.Errorf("%w: gop length %d", ErrInvalid, c.GOPLength)
	}
	if _, err := h264.ParseFraming(c.Framing); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Profile {
	case ProfileBaseline, ProfileMain, ProfileHigh:
	default:
		return fmt.Errorf("%w: unknown profile %q", ErrInvalid, c.Profile)
	}
	switch c.Entropy {
	case EntropyCAVLC, EntropyCABAC:
	default:
		return fmt.Errorf("%w: unknown entropy mode %q", ErrInvalid, c.Entropy)
	}
	if c.Profile == ProfileBaseline && c.Entropy == EntropyCABAC {
		return fmt.Errorf("%w: baseline profile cannot use CABAC", ErrInvalid)
	}
	if c.MaxInFlight < backpressure.MinLimit || c.MaxInFlight > backpressure.MaxLimit {
		return fmt.Errorf("%w: max in-flight %d out of range [%d,%d]",
			ErrInvalid, c.MaxInFlight, backpressure.MinLimit, backpressure.MaxLimit)
	}
	switch c.Orientation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%w: orientation %d", ErrInvalid, c.Orientation)
	}
	if c.AdaptationEnabled {
		a := c.Adaptation
		if a.MinBitrate <= 0 || a.MaxBitrate < a.MinBitrate {
			return fmt.Errorf("%w: adaptation bitrate band [%d,%d]",
				ErrInvalid, a.MinBitrate, a.MaxBitrate)
		}
		if a.MinFPS <= 0 || a.MinFPS > c.FPS {
			return fmt.Errorf("%w: adaptation min fps %d", ErrInvalid, a.MinFPS)
		}
		if a.DecreasePct <= 0 || a.DecreasePct >= 1 {
			return fmt.Errorf("%w: adaptation decrease pct %v", ErrInvalid, a.DecreasePct)
		}
	}
	return nil
}

// RestartRequired reports whether replacing old with new needs a full
// session restart. Frame dimensions, profile, entropy mode, framing, and
// listen port all change either the bitstream's fundamental shape or the
// socket identity; everything else applies as a live tweak.
func RestartRequired(old, new Config) bool {
	return old.Width != new.Width ||
		old.Height != new.Height ||
		old.Profile != new.Profile ||
		old.Entropy != new.Entropy ||
		old.Framing != new.Framing ||
		old.ListenPort != new.ListenPort
}

// SetDefaults seeds a viper instance with the stock snapshot so config
// files and environment variables only need to name what they override.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen-port", d.ListenPort)
	v.SetDefault("width", d.Width)
	v.SetDefault("height", d.Height)
	v.SetDefault("fps", d.FPS)
	v.SetDefault("bitrate", d.Bitrate)
	v.SetDefault("intra-only", d.IntraOnly)
	v.SetDefault("gop-length", d.GOPLength)
	v.SetDefault("framing", d.Framing)
	v.SetDefault("profile", d.Profile)
	v.SetDefault("entropy", d.Entropy)
	v.SetDefault("orientation", d.Orientation)
	v.SetDefault("max-in-flight", d.MaxInFlight)
	v.SetDefault("adaptation-enabled", d.AdaptationEnabled)
	v.SetDefault("adaptation.drop-threshold", d.Adaptation.DropThreshold)
	v.SetDefault("adaptation.decrease-pct", d.Adaptation.DecreasePct)
	v.SetDefault("adaptation.increase-step", d.Adaptation.IncreaseStep)
	v.SetDefault("adaptation.min-bitrate", d.Adaptation.MinBitrate)
	v.SetDefault("adaptation.max-bitrate", d.Adaptation.MaxBitrate)
	v.SetDefault("adaptation.min-fps", d.Adaptation.MinFPS)
}

// FromViper decodes and validates a snapshot from a viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Adaptation.Tick = adapt.DefaultTunables().Tick
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
