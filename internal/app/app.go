// Package app wires the gatebud subsystems into a running application.
//
// New builds the conversation [session.Session] from the config and the
// injected providers, Run serves the HTTP control surface until its context
// ends, and Shutdown stops the conversation and releases everything in order.
//
// For tests, pass mock providers (pkg/audio/mock, pkg/provider/s2s/mock) in
// [Providers] and use [App.Handler] with httptest.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/gatebud/internal/config"
	"github.com/MrWong99/gatebud/internal/observe"
	"github.com/MrWong99/gatebud/internal/session"
	"github.com/MrWong99/gatebud/pkg/audio"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// Providers holds the transport and audio backend. Populated by main.go via
// the config registry.
type Providers struct {
	S2S   s2s.Provider
	Audio audio.Backend
}

// App owns the conversation session and the HTTP control surface.
type App struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	telemetry *observe.Telemetry

	session *session.Session
	handler http.Handler

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets [App.ApplyConfig] change the log level at runtime.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithTelemetry mounts t.Handler on /metrics and shuts t down in Shutdown.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App. Both providers are required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Audio == nil {
		return nil, errors.New("app: s2s provider and audio backend are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	scfg, err := SessionConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: session config: %w", err)
	}
	if err := providers.S2S.Capabilities().Check(scfg.Transport()); err != nil {
		return nil, fmt.Errorf("app: provider %q: %w", cfg.Provider.Name, err)
	}
	a.session = session.New(providers.Audio, providers.S2S, scfg,
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	a.handler = a.routes()

	if c, ok := providers.Audio.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return a, nil
}

// SessionConfig converts the file configuration into session settings,
// reading the system instruction file if one is set.
func SessionConfig(cfg *config.Config) (session.Config, error) {
	instr, err := cfg.Session.Instruction()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		CaptureFormat:     audio.Format{SampleRate: cfg.Audio.CaptureSampleRate, Channels: 1},
		PlaybackFormat:    audio.Format{SampleRate: cfg.Audio.PlaybackSampleRate, Channels: 1},
		WindowSize:        cfg.Audio.WindowSize,
		DecodeWorkers:     cfg.Audio.DecodeWorkers,
		Voice:             cfg.Session.Voice,
		SystemInstruction: instr,
	}, nil
}

// Session returns the conversation session.
func (a *App) Session() *session.Session { return a.session }

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP on cfg.Server.ListenAddr (unless disabled) and blocks until
// ctx is cancelled or the server fails. The conversation is stopped before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	cfg := a.config()
	if cfg.Server.HTTPEnabled() {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http control surface listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.session.Stop()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable parts of a config change. Session
// settings take effect at the next start.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(Level(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		scfg, err := SessionConfig(new)
		if err == nil {
			err = a.providers.S2S.Capabilities().Check(scfg.Transport())
		}
		if err != nil {
			a.log.Warn("session settings not reloaded", "err", err)
		} else {
			a.session.Reconfigure(scfg)
			a.log.Info("session settings reloaded", "voice", scfg.Voice, "prompt_changed", d.PromptChanged)
		}
	}
	if d.RestartRequired {
		a.log.Warn("config change requires a restart to take effect")
	}
	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Shutdown stops the conversation and runs the closers in order. If ctx
// expires first, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.session.Stop(); err != nil {
			a.log.Warn("session stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		if a.telemetry != nil {
			if err := a.telemetry.Shutdown(ctx); err != nil {
				a.log.Warn("telemetry shutdown error", "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Level maps a config log level to its slog level.
func Level(l config.LogLevel) slog.Level {
	switch l {
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
