package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/bridge"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/hass"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/log"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/pstryk"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/server"
	"github.com/pstryk2mqtt/pstryk2mqtt/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	api := pstryk.Configured()
	db := storage.Configured()
	pub := hass.Configured()
	b := bridge.Configured(api, db, pub)
	srv := server.Configured(b, db)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := api.Validate(); err != nil {
		slog.Error("invalid pstryk configuration", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", log.Error(err))
		}
	}()

	if err := pub.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to connect to mqtt", log.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := pub.Close(context.Background()); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to disconnect from mqtt", log.Error(err))
		}
	}()

	stream := pstryk.NewStream(api, func(msg pstryk.LiveUsage) {
		b.HandleLive(ctx, msg)
	})
	b.SetStreamStatus(stream.Connected)

	// Run everything until the context is canceled or something fails
	errChan := make(chan error, 3)
	go func() { errChan <- srv.Run(ctx) }()
	go func() { errChan <- stream.Run(ctx) }()
	go func() { errChan <- b.Run(ctx) }()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down")
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Ctx(ctx).ErrorContext(ctx, "bridge failed", log.Error(err))
			os.Exit(1)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "bridge exited cleanly")
}
