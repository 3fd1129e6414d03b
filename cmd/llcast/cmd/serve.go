package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/llcast/llcast/internal/api"
	"github.com/llcast/llcast/internal/config"
	"github.com/llcast/llcast/internal/encoder"
	"github.com/llcast/llcast/internal/session"
	"github.com/llcast/llcast/internal/source"
)

// runServe wires the engine together and runs it until a signal arrives.
func runServe(parent context.Context) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	src := source.NewPattern(cfg.Width, cfg.Height, cfg.FPS, nil)

	newEncoder := session.EncoderFactory(func(onUnit encoder.UnitHandler) (encoder.Encoder, error) {
		if play := viper.GetString("play"); play != "" {
			return encoder.NewReplay(play, onUnit, nil)
		}
		return encoder.NewSynth(onUnit, nil), nil
	})

	sess, err := session.New(cfg, newEncoder, src, nil)
	if err != nil {
		slog.Error("create session", "error", err)
		return err
	}

	slog.Info("llcast starting",
		"version", version,
		"port", cfg.ListenPort,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
		"bitrate", cfg.Bitrate,
	)

	if err := sess.Start(ctx); err != nil {
		slog.Error("start session", "error", err)
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(viper.GetString("api-addr"), sess, nil).Start(ctx)
	})

	<-ctx.Done()
	if sess.State() == session.StateRunning {
		if err := sess.Stop(); err != nil {
			slog.Warn("stop session", "error", err)
		}
	}
	return g.Wait()
}
