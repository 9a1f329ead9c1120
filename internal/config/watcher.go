package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher keeps a config current while the process runs. It polls the config
// file and, when one is set, the system instruction file, so editing the
// prompt alone is picked up for the next conversation. Edits that fail
// validation are logged and skipped; the last valid config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu       sync.Mutex
	current  *Config
	seen     snapshot
	done     chan struct{}
	stopOnce sync.Once
}

// snapshot identifies the on-disk state a config was loaded from.
type snapshot struct {
	configMtime time.Time
	promptMtime time.Time // zero without an instruction file
	sum         [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path and polls it in the background.
// onChange runs on the polling goroutine after every accepted edit; it is not
// called for the initial load. Call [Watcher.Stop] to end polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, snap

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	w.mu.Lock()
	seen := w.seen
	promptPath := w.current.Session.SystemInstructionFile
	w.mu.Unlock()

	configMtime, err := mtime(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	var promptMtime time.Time
	if promptPath != "" {
		if promptMtime, err = mtime(promptPath); err != nil {
			w.log.Warn("config watcher: cannot stat system instruction", "path", promptPath, "err", err)
			return
		}
	}
	if configMtime.Equal(seen.configMtime) && promptMtime.Equal(seen.promptMtime) {
		return
	}

	cfg, snap, err := w.load()
	if err != nil {
		w.log.Warn("config watcher: edit rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.seen.sum {
		w.seen = snap
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.seen = cfg, snap
	w.mu.Unlock()

	d := Diff(old, cfg)
	w.log.Info("config watcher: configuration reloaded",
		"path", w.path,
		"voice_changed", d.VoiceChanged,
		"prompt_changed", d.PromptChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load parses and validates the config file and fingerprints it together
// with the instruction file it names.
func (w *Watcher) load() (*Config, snapshot, error) {
	var snap snapshot
	var err error
	if snap.configMtime, err = mtime(w.path); err != nil {
		return nil, snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, snapshot{}, err
	}

	h := sha256.New()
	h.Write(data)
	if f := cfg.Session.SystemInstructionFile; f != "" {
		if snap.promptMtime, err = mtime(f); err != nil {
			return nil, snapshot{}, err
		}
		h.Write([]byte{0})
		h.Write([]byte(cfg.Session.prompt))
	}
	copy(snap.sum[:], h.Sum(nil))
	return cfg, snap, nil
}

func mtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
