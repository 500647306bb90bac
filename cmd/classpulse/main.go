// Command classpulse is the main entry point for the ClassPulse outbound
// attendance-call server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vignesh-oai/ClassPulse/internal/app"
	"github.com/vignesh-oai/ClassPulse/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "classpulse: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Level())
	slog.SetDefault(logger)

	slog.Info("classpulse starting",
		"listen_addr", cfg.ListenAddr(),
		"log_level", cfg.Level(),
		"twilio_configured", cfg.TwilioConfigured(),
		"openai_configured", cfg.OpenAIConfigured(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build app", "err", err)
		return 1
	}

	if err := a.Run(ctx); err != nil {
		slog.Error("server exited with error", "err", err)
		return 1
	}

	slog.Info("classpulse stopped cleanly")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
