// Package cmd implements the llcast CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/llcast/llcast/internal/config"
)

var version = "dev"

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd runs the streaming engine; serve is the only operation.
var rootCmd = &cobra.Command{
	Use:     "llcast",
	Short:   "Low-latency H.264 streaming engine",
	Version: version,
	Long: `llcast streams live H.264 video to a single TCP client with minimum
achievable latency, adapting bitrate and frame rate to the observed network
ceiling. Without capture hardware it runs a synthetic test-pattern encoder,
or replays a pre-encoded Annex B elementary stream with --play.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	f := rootCmd.PersistentFlags()
	f.StringVar(&cfgFile, "config", "", "config file (default is ./llcast.yaml)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "text", "log format (text, json)")

	f.Int("listen-port", 5000, "TCP port the stream listener binds")
	f.Int("width", 1920, "frame width")
	f.Int("height", 1080, "frame height")
	f.Int("fps", 60, "target frame rate")
	f.Int("bitrate", 35_000_000, "target bitrate in bits per second")
	f.Bool("intra-only", false, "make every frame a keyframe (GOP=1)")
	f.Int("gop-length", 120, "keyframe interval in frames")
	f.String("framing", "annexb", "wire framing: annexb or avcc")
	f.String("profile", "high", "H.264 profile: baseline, main, high")
	f.String("entropy", "cabac", "entropy mode: cavlc or cabac")
	f.Int("orientation", 0, "capture rotation in degrees (0, 90, 180, 270)")
	f.Int("max-in-flight", 2, "in-flight send ceiling (1-4)")
	f.Bool("adaptation-enabled", true, "adapt bitrate/fps to the network ceiling")

	f.String("api-addr", ":5001", "status/config HTTP API address")
	f.String("play", "", "Annex B elementary stream file to replay instead of the synthetic encoder")

	cobra.CheckErr(viper.BindPFlags(f))
}

// initConfig layers the optional config file and LLCAST_* environment
// variables under the flags.
func initConfig() {
	// Flags cover the top-level keys; the nested adaptation tunables only
	// exist as defaults, config-file keys, or environment overrides.
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/llcast")
		viper.SetConfigType("yaml")
		viper.SetConfigName("llcast")
	}

	viper.SetEnvPrefix("LLCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging installs the process-wide slog default.
func initLogging() {
	var level slog.Level
	switch viper.GetString("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if viper.GetString("log-format") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
