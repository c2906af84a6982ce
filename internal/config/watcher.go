package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

const defaultPollInterval = 5 * time.Second

// Watcher re-reads a config file whenever its modification time moves and
// hands valid changes to a callback. A broken edit is logged once and
// skipped; the last good config stays current until the file is fixed.
type Watcher struct {
	path     string
	every    time.Duration
	onChange func(old, new *Config, d ConfigDiff)

	cur    atomic.Pointer[Config]
	cancel context.CancelFunc
	exited chan struct{}

	// Owned by the polling goroutine.
	seenMod time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file's modification time is checked.
// Non-positive values keep the 5s default.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.every = d
		}
	}
}

// NewWatcher loads path, which must be valid, and polls it in the
// background. onChange may be nil and runs on the polling goroutine.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		every:    defaultPollInterval,
		onChange: onChange,
		exited:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	snap, err := readSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.cur.Store(snap.cfg)
	w.seenMod, w.sum = snap.mod, snap.sum

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// Current returns the newest valid config.
func (w *Watcher) Current() *Config { return w.cur.Load() }

// Stop ends polling and waits for an in-flight callback. Idempotent.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.exited
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.exited)
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	log := slog.With("path", w.path)

	fi, err := os.Stat(w.path)
	if err != nil {
		log.Warn("config file unreadable", "err", err)
		return
	}
	if fi.ModTime().Equal(w.seenMod) {
		return
	}
	w.seenMod = fi.ModTime()

	snap, err := readSnapshot(w.path)
	if err != nil {
		log.Warn("ignoring invalid config edit", "err", err)
		return
	}
	w.seenMod = snap.mod
	if snap.sum == w.sum {
		return
	}
	w.sum = snap.sum

	prev := w.cur.Swap(snap.cfg)
	d := Diff(prev, snap.cfg)
	if !d.Changed() {
		return
	}
	log.Info("config reloaded", "log_level", d.LogLevelChanged, "playback", d.PlaybackChanged)
	if len(d.RestartRequired) > 0 {
		log.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(prev, snap.cfg, d)
	}
}

type snapshot struct {
	cfg *Config
	mod time.Time
	sum [sha256.Size]byte
}

func readSnapshot(path string) (snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, mod: fi.ModTime(), sum: sha256.Sum256(raw)}, nil
}
