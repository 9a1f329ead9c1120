// Command gatebud runs a full-duplex voice conversation with Gemini Live
// through the local microphone and speakers.
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

	"github.com/MrWong99/gatebud/internal/app"
	"github.com/MrWong99/gatebud/internal/config"
	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/internal/resilience"
	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/audio/local"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
	geminilive "github.com/MrWong99/gatebud/pkg/provider/s2s/gemini"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults apply when empty)")
	console := flag.Bool("console", true, "toggle the conversation with Enter on stdin")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatebud: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.Level(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("gatebud starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Provider.Name,
		"backend", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg, logger)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers,
		app.WithLogger(logger),
		app.WithLevel(level),
		app.WithTelemetry(tel),
		app.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig, config.WithWatcherLogger(logger))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Console ───────────────────────────────────────────────────────────────
	if *console {
		go runConsole(ctx, os.Stdin, os.Stdout, application.Session())
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found", path)
		}
		return cfg, err
	}
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerBuiltins wires the built-in transport and audio backends into reg.
func registerBuiltins(reg *config.Registry, logger *slog.Logger) {
	reg.RegisterS2S("gemini-live", func(p config.ProviderConfig, a config.AudioConfig) (s2s.Provider, error) {
		opts := []geminilive.Option{
			geminilive.WithLogger(logger),
			geminilive.WithSendQueue(a.SendQueue),
		}
		if p.Model != "" {
			opts = append(opts, geminilive.WithModel(p.Model))
		}
		if p.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(p.BaseURL))
		}
		gp := geminilive.New(p.APIKey, opts...)
		logger.Info("gemini live provider configured", "model", gp.Model())
		return gp, nil
	})

	reg.RegisterAudio("local", func(a config.AudioConfig) (audio.Backend, error) {
		return local.New(
			local.WithLogger(logger),
			local.WithOutputGain(float32(a.OutputGain)),
			local.WithOutputBuffer(a.OutputBuffer),
		), nil
	})
}

// buildProviders instantiates the transport and backend named in cfg.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	p, err := reg.CreateS2S(cfg)
	if err != nil {
		return nil, fmt.Errorf("create s2s provider %q: %w", cfg.Provider.Name, err)
	}
	if br := cfg.Provider.Breaker; br.MaxFailures > 0 {
		p = resilience.Guard(p, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         cfg.Provider.Name,
			MaxFailures:  br.MaxFailures,
			ResetTimeout: br.ResetTimeout,
		}))
	}
	b, err := reg.CreateAudio(cfg)
	if err != nil {
		return nil, fmt.Errorf("create audio backend %q: %w", cfg.Audio.Backend, err)
	}
	slog.Info("providers created", "s2s", cfg.Provider.Name, "audio", cfg.Audio.Backend)
	return &app.Providers{S2S: p, Audio: b}, nil
}
