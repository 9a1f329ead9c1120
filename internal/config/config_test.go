package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/gatebud/internal/config"
	"github.com/MrWong99/gatebud/pkg/audio"
	audiomock "github.com/MrWong99/gatebud/pkg/audio/mock"
	"github.com/MrWong99/gatebud/pkg/provider/s2s"
	s2smock "github.com/MrWong99/gatebud/pkg/provider/s2s/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

provider:
  name: gemini-live
  api_key: test-key
  model: gemini-2.5-flash-native-audio-preview-09-2025

audio:
  backend: local
  capture_sample_rate: 16000
  playback_sample_rate: 24000
  window_size: 2048
  decode_workers: 2
  send_queue: 32

session:
  voice: Puck
  system_instruction: Answer in one sentence.
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.APIKey != "test-key" {
		t.Errorf("api_key: got %q", cfg.Provider.APIKey)
	}
	if cfg.Audio.WindowSize != 2048 || cfg.Audio.DecodeWorkers != 2 || cfg.Audio.SendQueue != 32 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Session.Voice != "Puck" {
		t.Errorf("voice: got %q", cfg.Session.Voice)
	}
	got, err := cfg.Session.Instruction()
	if err != nil || got != "Answer in one sentence." {
		t.Errorf("Instruction() = %q, %v", got, err)
	}
}

func TestLoadFromReader_EmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != config.DefaultProvider || cfg.Audio.Backend != config.DefaultBackend {
		t.Errorf("names: provider %q backend %q", cfg.Provider.Name, cfg.Audio.Backend)
	}
	if cfg.Audio.CaptureSampleRate != 16000 || cfg.Audio.PlaybackSampleRate != 24000 {
		t.Errorf("rates: %d / %d", cfg.Audio.CaptureSampleRate, cfg.Audio.PlaybackSampleRate)
	}
	if cfg.Audio.WindowSize != 4096 {
		t.Errorf("window_size: got %d", cfg.Audio.WindowSize)
	}
	if cfg.Audio.OutputGain != 1 || cfg.Audio.OutputBuffer != config.DefaultOutputBuffer {
		t.Errorf("output: gain %g buffer %v", cfg.Audio.OutputGain, cfg.Audio.OutputBuffer)
	}
	if cfg.Session.Voice != "Zephyr" || cfg.Session.SystemInstruction == "" {
		t.Errorf("session: got %+v", cfg.Session)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("audio:\n  sample_rate: 16000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gatebud.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.Voice != "Puck" {
		t.Errorf("voice: got %q", cfg.Session.Voice)
	}
}

// ── API key fallback ──────────────────────────────────────────────────────────

func TestApplyDefaults_APIKeyFromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("API_KEY", "generic")

	var cfg config.Config
	cfg.ApplyDefaults()
	if cfg.Provider.APIKey != "generic" {
		t.Errorf("api_key: got %q, want generic", cfg.Provider.APIKey)
	}

	t.Setenv("GEMINI_API_KEY", "gemini")
	cfg = config.Config{}
	cfg.ApplyDefaults()
	if cfg.Provider.APIKey != "gemini" {
		t.Errorf("api_key: got %q, want gemini", cfg.Provider.APIKey)
	}

	cfg = config.Config{Provider: config.ProviderConfig{APIKey: "file"}}
	cfg.ApplyDefaults()
	if cfg.Provider.APIKey != "file" {
		t.Errorf("api_key: got %q, want file", cfg.Provider.APIKey)
	}
}

func TestSessionConfig_InstructionFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("  Speak like a pirate.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := config.SessionConfig{SystemInstructionFile: path}
	got, err := s.Instruction()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Speak like a pirate." {
		t.Errorf("Instruction() = %q", got)
	}
}

func TestServerConfig_HTTPEnabled(t *testing.T) {
	t.Parallel()

	if !(config.ServerConfig{ListenAddr: ":8080"}).HTTPEnabled() {
		t.Error("expected :8080 to enable HTTP")
	}
	if (config.ServerConfig{ListenAddr: "off"}).HTTPEnabled() {
		t.Error("expected off to disable HTTP")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownS2S(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateS2S(&config.Config{Provider: config.ProviderConfig{Name: "nope"}})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_UnknownAudio(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	_, err := reg.CreateAudio(&config.Config{Audio: config.AudioConfig{Backend: "nope"}})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	want := &s2smock.Provider{}
	var gotProvider config.ProviderConfig
	var gotAudio config.AudioConfig
	reg.RegisterS2S("mock", func(p config.ProviderConfig, a config.AudioConfig) (s2s.Provider, error) {
		gotProvider, gotAudio = p, a
		return want, nil
	})
	backend := &audiomock.Backend{}
	reg.RegisterAudio("mock", func(config.AudioConfig) (audio.Backend, error) {
		return backend, nil
	})

	cfg := &config.Config{
		Provider: config.ProviderConfig{Name: "mock", APIKey: "k"},
		Audio:    config.AudioConfig{Backend: "mock", SendQueue: 8},
	}
	p, err := reg.CreateS2S(cfg)
	if err != nil {
		t.Fatalf("CreateS2S: %v", err)
	}
	if p != want {
		t.Error("CreateS2S returned a different provider")
	}
	if gotProvider.APIKey != "k" || gotAudio.SendQueue != 8 {
		t.Errorf("factory got %+v / %+v", gotProvider, gotAudio)
	}
	if _, err := p.Connect(context.Background(), s2s.SessionConfig{}); err != nil {
		t.Errorf("Connect: %v", err)
	}

	b, err := reg.CreateAudio(cfg)
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if b != backend {
		t.Error("CreateAudio returned a different backend")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	boom := errors.New("boom")
	reg.RegisterAudio("broken", func(config.AudioConfig) (audio.Backend, error) {
		return nil, boom
	})
	_, err := reg.CreateAudio(&config.Config{Audio: config.AudioConfig{Backend: "broken"}})
	if !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}
