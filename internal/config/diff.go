package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if voice or system instruction changed. The new
	// values apply at the next start.
	SessionChanged bool
	VoiceChanged   bool
	PromptChanged  bool

	// RestartRequired is true if a field that cannot be hot-reloaded changed
	// (provider, audio formats, listen address).
	RestartRequired bool
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Voice != new.Session.Voice {
		d.VoiceChanged = true
	}
	if old.Session.SystemInstruction != new.Session.SystemInstruction ||
		old.Session.SystemInstructionFile != new.Session.SystemInstructionFile ||
		old.Session.prompt != new.Session.prompt {
		d.PromptChanged = true
	}
	d.SessionChanged = d.VoiceChanged || d.PromptChanged

	if old.Provider != new.Provider || old.Audio != new.Audio || old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	return d
}
