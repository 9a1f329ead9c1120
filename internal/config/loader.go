package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "mock"},
	"audio": {"local", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if f := cfg.Session.SystemInstructionFile; f != "" {
		prompt, err := readPrompt(f)
		if err != nil {
			return nil, fmt.Errorf("config: read system instruction: %w", err)
		}
		cfg.Session.prompt = prompt
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	validateProviderName("s2s", cfg.Provider.Name)
	if cfg.Provider.Name == DefaultProvider && cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty and GEMINI_API_KEY is not set; connections will be rejected")
	}

	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d must not be negative", cfg.Provider.Breaker.MaxFailures))
	}
	if cfg.Provider.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.reset_timeout %v must not be negative", cfg.Provider.Breaker.ResetTimeout))
	}

	// Audio
	validateProviderName("audio", cfg.Audio.Backend)
	if !validRate(cfg.Audio.CaptureSampleRate) {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate %d is out of range [8000, 48000]", cfg.Audio.CaptureSampleRate))
	}
	// Gemini Live always replies with 24 kHz PCM; any other rate would decode
	// every chunk at the wrong speed.
	if cfg.Audio.PlaybackSampleRate != DefaultPlaybackRate {
		errs = append(errs, fmt.Errorf("audio.playback_sample_rate %d is not supported; replies are %d Hz", cfg.Audio.PlaybackSampleRate, DefaultPlaybackRate))
	}
	if w := cfg.Audio.WindowSize; w < 256 || w > 16384 || w&(w-1) != 0 {
		errs = append(errs, fmt.Errorf("audio.window_size %d must be a power of two in [256, 16384]", w))
	}
	if cfg.Audio.DecodeWorkers < 0 {
		errs = append(errs, fmt.Errorf("audio.decode_workers %d must not be negative", cfg.Audio.DecodeWorkers))
	}
	if cfg.Audio.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("audio.send_queue %d must be positive", cfg.Audio.SendQueue))
	}
	if g := cfg.Audio.OutputGain; g <= 0 || g > 4 {
		errs = append(errs, fmt.Errorf("audio.output_gain %g must be in (0, 4]", g))
	}
	if b := cfg.Audio.OutputBuffer; b < 10*time.Millisecond || b > time.Second {
		errs = append(errs, fmt.Errorf("audio.output_buffer %v must be in [10ms, 1s]", b))
	}

	// Session
	if cfg.Session.Voice == "" {
		errs = append(errs, errors.New("session.voice is required"))
	}
	if f := cfg.Session.SystemInstructionFile; f != "" {
		if _, err := os.Stat(f); err != nil {
			errs = append(errs, fmt.Errorf("session.system_instruction_file: %w", err))
		}
		if cfg.Session.SystemInstruction != "" {
			slog.Warn("session.system_instruction is ignored because system_instruction_file is set")
		}
	}

	return errors.Join(errs...)
}

func validRate(hz int) bool {
	return hz >= 8000 && hz <= 48000
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
