// Package config provides the configuration schema, loader, and factory
// registry for gatebud.
package config

import (
	"os"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultProvider          = "gemini-live"
	DefaultBackend           = "local"
	DefaultCaptureRate       = 16000
	DefaultPlaybackRate      = 24000
	DefaultWindowSize        = 4096
	DefaultSendQueue         = 64
	DefaultOutputGain        = 1.0
	DefaultOutputBuffer      = 100 * time.Millisecond
	DefaultVoice             = "Zephyr"
	DefaultSystemInstruction = "You are a friendly voice assistant. Keep replies short and conversational."
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Audio    AudioConfig    `yaml:"audio"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the HTTP control surface (e.g., ":8080").
	// Set to "off" to disable it.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// HTTPEnabled reports whether the HTTP control surface should be served.
func (s ServerConfig) HTTPEnabled() bool {
	return s.ListenAddr != "off"
}

// ProviderConfig selects and configures the speech-to-speech transport. Name
// is looked up in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Falls back to the
	// GEMINI_API_KEY and API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Breaker guards transport opens. Disabled when MaxFailures is 0.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker around transport opens.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive open failures that trip the
	// breaker. 0 disables it.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a tripped breaker rejects opens (e.g. "30s").
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig configures the device backend and stream formats.
type AudioConfig struct {
	// Backend selects the registered audio backend (e.g., "local").
	Backend string `yaml:"backend"`

	// CaptureSampleRate is the microphone rate in Hz.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// PlaybackSampleRate is the reply audio rate in Hz.
	PlaybackSampleRate int `yaml:"playback_sample_rate"`

	// WindowSize is the number of samples per capture window.
	WindowSize int `yaml:"window_size"`

	// DecodeWorkers sizes the reply decode pool; 0 decodes inline.
	DecodeWorkers int `yaml:"decode_workers"`

	// SendQueue bounds the outbound frame queue of the transport.
	SendQueue int `yaml:"send_queue"`

	// OutputGain scales reply audio before it reaches the speaker.
	OutputGain float64 `yaml:"output_gain"`

	// OutputBuffer is how far ahead of the speaker the output device buffers.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// SessionConfig holds per-conversation settings. Changes apply at the next
// start.
type SessionConfig struct {
	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// SystemInstruction is sent to the model when the transport opens.
	SystemInstruction string `yaml:"system_instruction"`

	// SystemInstructionFile, when set, is read instead of SystemInstruction.
	SystemInstructionFile string `yaml:"system_instruction_file"`

	// prompt is the content of SystemInstructionFile captured at load time.
	prompt string
}

// ApplyDefaults fills every unset field with its default and resolves the API
// key from the environment when the file leaves it empty.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Provider.Name == "" {
		c.Provider.Name = DefaultProvider
	}
	if c.Provider.APIKey == "" {
		c.Provider.APIKey = envAPIKey()
	}
	if c.Provider.Breaker.MaxFailures > 0 && c.Provider.Breaker.ResetTimeout == 0 {
		c.Provider.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.Audio.Backend == "" {
		c.Audio.Backend = DefaultBackend
	}
	if c.Audio.CaptureSampleRate == 0 {
		c.Audio.CaptureSampleRate = DefaultCaptureRate
	}
	if c.Audio.PlaybackSampleRate == 0 {
		c.Audio.PlaybackSampleRate = DefaultPlaybackRate
	}
	if c.Audio.WindowSize == 0 {
		c.Audio.WindowSize = DefaultWindowSize
	}
	if c.Audio.SendQueue == 0 {
		c.Audio.SendQueue = DefaultSendQueue
	}
	if c.Audio.OutputGain == 0 {
		c.Audio.OutputGain = DefaultOutputGain
	}
	if c.Audio.OutputBuffer == 0 {
		c.Audio.OutputBuffer = DefaultOutputBuffer
	}
	if c.Session.Voice == "" {
		c.Session.Voice = DefaultVoice
	}
	if c.Session.SystemInstruction == "" && c.Session.SystemInstructionFile == "" {
		c.Session.SystemInstruction = DefaultSystemInstruction
	}
}

// Instruction returns the system instruction. With SystemInstructionFile set
// it is the file content as of [Load]; a config built in code reads the file
// on every call.
func (s SessionConfig) Instruction() (string, error) {
	if s.SystemInstructionFile == "" {
		return s.SystemInstruction, nil
	}
	if s.prompt != "" {
		return s.prompt, nil
	}
	return readPrompt(s.SystemInstructionFile)
}

func readPrompt(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func envAPIKey() string {
	for _, k := range []string{"GEMINI_API_KEY", "API_KEY"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
