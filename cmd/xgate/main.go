// Command xgate runs a dispatcher and the delivery tracker sweep until
// SIGINT or SIGTERM.
//
//	xgate -config /etc/xgate/xgate.yaml
//
// Every setting can also come from XGATE_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/trickstertwo/xgate/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "xgate:", err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String("config", os.Getenv("XGATE_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log).With(xlog.Str("app", cfg.Name))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := config.Build(cfg, config.Options{Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("xgate: shutdown incomplete")
		}
	}()

	logger.Info().
		Str("transport", cfg.Broker.Transport).
		Str("store", cfg.Store.Backend).
		Str("cache", cfg.Cache.Backend).
		Msg("xgate: gateway starting")

	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("xgate: gateway stopped")
	return nil
}

func newLogger(c config.LogConfig) *xlog.Logger {
	zc := zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           c.Console,
		ConsoleTimeFormat: time.RFC3339Nano,
	}
	switch c.Level {
	case "debug":
		zc.MinLevel = xlog.LevelDebug
	case "warn":
		zc.MinLevel = xlog.LevelWarn
	case "error":
		zc.MinLevel = xlog.LevelError
	}
	return zerolog.Use(zc)
}
