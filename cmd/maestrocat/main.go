// Command maestrocat is the main entry point for the MaestroCat voice-agent
// audio client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dusterbloom/maestrocat/internal/app"
	"github.com/dusterbloom/maestrocat/internal/config"
	"github.com/dusterbloom/maestrocat/internal/observe"
	"github.com/dusterbloom/maestrocat/pkg/audio"
	"github.com/dusterbloom/maestrocat/pkg/device"
	"github.com/dusterbloom/maestrocat/pkg/device/mock"
)

// playbackFormat is the fixed format of the built-in virtual output device.
// Native device adapters report their own.
var playbackFormat = audio.Format{SampleRate: 48000, Channels: 1}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "maestrocat: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "maestrocat: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Status.LogLevel)
	slog.SetDefault(logger)

	slog.Info("maestrocat starting",
		"config", *configPath,
		"endpoint", cfg.Endpoint,
		"log_level", cfg.Status.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "maestrocat",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config watcher (live log-level changes) ───────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		if old.Status.LogLevel != updated.Status.LogLevel {
			logLevel.Set(slogLevel(updated.Status.LogLevel))
			slog.Info("log level changed", "level", updated.Status.LogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	// Native device adapters (CoreAudio, ALSA, …) live outside this module and
	// plug in through pkg/device. Without one linked in, the client runs on
	// virtual devices: useful for monitoring the connection and event stream,
	// silent on actual audio hardware.
	input, output := buildDevices()

	printStartupSummary(cfg)

	application, err := app.New(cfg,
		app.WithInput(input),
		app.WithOutput(output),
		app.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildDevices returns the capture and playback devices for this run. Only
// the virtual pair ships with the core module.
func buildDevices() (device.Input, device.Output) {
	slog.Warn("no native audio backend linked — using virtual devices")
	return &mock.Input{}, mock.NewOutput(playbackFormat)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        MaestroCat — startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printField("Endpoint", cfg.Endpoint)
	printField("Preset", string(cfg.Preset))
	printField("Capture", fmt.Sprintf("%dHz x%d / %d", cfg.Capture.SampleRate, cfg.Capture.Channels, cfg.Capture.BufferSize))
	printField("Reconnect", fmt.Sprintf("%d attempts, %v..%v", cfg.Reconnect.MaxAttempts, cfg.Reconnect.Backoff, cfg.Reconnect.MaxBackoff))
	if cfg.Status.ListenAddr != "" {
		printField("Status addr", cfg.Status.ListenAddr)
	} else {
		printField("Status addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 23 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-14s : %-23s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar lets the config
// watcher adjust verbosity at runtime.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
