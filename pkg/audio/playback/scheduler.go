package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/pkg/audio"
)

// Defaults applied by [NewScheduler] for zero-valued [Config] fields.
const (
	DefaultPrerollChunks  = 3
	DefaultSafetyMargin   = 50 * time.Millisecond
	DefaultPrerollTimeout = 400 * time.Millisecond
)

// Config tunes a [Scheduler].
type Config struct {
	// Rate is the output sample rate. Default: [audio.PlaybackRate].
	Rate int

	// PrerollChunks is how many chunks are buffered before a response starts
	// playing. Default: [DefaultPrerollChunks].
	PrerollChunks int

	// SafetyMargin is the lead time between the output clock and the first
	// chunk of a round, or a re-anchored chunk. Default: [DefaultSafetyMargin].
	SafetyMargin time.Duration

	// PrerollTimeout starts playback of a response that never fills the
	// pre-roll. Default: [DefaultPrerollTimeout]; negative disables it.
	PrerollTimeout time.Duration
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler places inbound PCM16 chunks back to back on an [Output] clock.
// All methods are safe for concurrent use.
type Scheduler struct {
	factory OutputFactory
	cfg     Config
	metrics *observe.Metrics

	mu        sync.Mutex
	out       Output
	gen       uint64
	destroyed bool
	started   bool
	anchored  bool
	preroll   [][]float32
	timer     *time.Timer
	nextStart time.Duration
	pending   int
	onDrained func()
	warnOdd   sync.Once
}

var _ Player = (*Scheduler)(nil)

// NewScheduler returns a scheduler that opens outputs through factory.
// No output is opened until [Scheduler.Init].
func NewScheduler(factory OutputFactory, cfg Config, opts ...Option) *Scheduler {
	if cfg.Rate <= 0 {
		cfg.Rate = audio.PlaybackRate
	}
	if cfg.PrerollChunks <= 0 {
		cfg.PrerollChunks = DefaultPrerollChunks
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.PrerollTimeout == 0 {
		cfg.PrerollTimeout = DefaultPrerollTimeout
	}
	s := &Scheduler{factory: factory, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Init opens the output. Calling it again while an output is open is a no-op.
func (s *Scheduler) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if s.out != nil {
		return nil
	}
	out, err := s.factory(s.cfg.Rate)
	if err != nil {
		return fmt.Errorf("playback: open output: %w", err)
	}
	s.out = out
	return nil
}

// OnDrained registers fn to run once each time every scheduled chunk has
// finished playing. A later registration replaces the earlier one. fn runs
// on an output goroutine and must not block.
func (s *Scheduler) OnDrained(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// IsActive reports whether audio is scheduled and not yet finished.
func (s *Scheduler) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && s.pending > 0
}

// Enqueue decodes a little-endian PCM16 chunk and schedules it. Chunks must be
// enqueued in playback order. An odd trailing byte is dropped.
func (s *Scheduler) Enqueue(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return ErrDestroyed
	}
	if s.out == nil {
		return ErrNotInitialized
	}
	if len(pcm)%2 != 0 {
		s.warnOdd.Do(func() {
			slog.Warn("playback: odd byte count in PCM chunk, truncating", "bytes", len(pcm))
		})
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}

	samples := audio.DecodePCM16Float(pcm)
	s.metrics.PlaybackChunks.Add(context.Background(), 1)

	if s.started {
		s.schedule(samples)
		return nil
	}

	s.preroll = append(s.preroll, samples)
	if len(s.preroll) >= s.cfg.PrerollChunks {
		s.startRound()
		return nil
	}
	if len(s.preroll) == 1 && s.cfg.PrerollTimeout > 0 {
		gen := s.gen
		s.timer = time.AfterFunc(s.cfg.PrerollTimeout, func() { s.prerollExpired(gen) })
	}
	return nil
}

// Clear discards everything scheduled or buffered and replaces the output, so
// nothing from the interrupted response can still be heard. Chunks that
// finish afterwards are ignored and OnDrained does not fire for them.
func (s *Scheduler) Clear() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	s.resetLocked()
	old := s.out
	s.out = nil
	gen := s.gen
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	s.metrics.PlaybackClears.Add(context.Background(), 1)
	closeOutput(old)

	out, err := s.factory(s.cfg.Rate)
	if err != nil {
		return fmt.Errorf("playback: reopen output: %w", err)
	}

	s.mu.Lock()
	if s.destroyed || s.gen != gen || s.out != nil {
		s.mu.Unlock()
		closeOutput(out)
		return nil
	}
	s.out = out
	s.mu.Unlock()
	return nil
}

// Destroy releases the output. The scheduler cannot be used afterwards.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.resetLocked()
	old := s.out
	s.out = nil
	s.mu.Unlock()

	if old != nil {
		closeOutput(old)
	}
}

// resetLocked invalidates all in-flight chunks. Caller holds mu.
func (s *Scheduler) resetLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.preroll = nil
	s.started = false
	s.anchored = false
	s.nextStart = 0
	s.pending = 0
}

// startRound schedules the buffered pre-roll. Caller holds mu.
func (s *Scheduler) startRound() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.started = true
	for _, c := range s.preroll {
		s.schedule(c)
	}
	s.preroll = nil
}

// schedule places one chunk on the timeline. Caller holds mu.
func (s *Scheduler) schedule(samples []float32) {
	now := s.out.Now()
	at := s.nextStart
	switch {
	case !s.anchored:
		at = now + s.cfg.SafetyMargin
		s.anchored = true
	case at < now:
		s.metrics.PlaybackUnderflows.Add(context.Background(), 1)
		slog.Debug("playback: underflow, re-anchoring", "behind", now-at)
		at = now + s.cfg.SafetyMargin
	}
	s.nextStart = at + samplesDuration(len(samples), s.cfg.Rate)
	s.pending++

	gen := s.gen
	s.out.Schedule(samples, at, func() { s.finished(gen) })
}

func (s *Scheduler) prerollExpired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.gen != gen || s.started || len(s.preroll) == 0 || s.out == nil {
		return
	}
	s.timer = nil
	slog.Debug("playback: pre-roll timeout, starting short response", "chunks", len(s.preroll))
	s.startRound()
}

func (s *Scheduler) finished(gen uint64) {
	s.mu.Lock()
	if s.destroyed || s.gen != gen || s.pending == 0 {
		s.mu.Unlock()
		return
	}
	s.pending--
	if s.pending > 0 {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.anchored = false
	cb := s.onDrained
	s.mu.Unlock()

	s.metrics.PlaybackDrains.Add(context.Background(), 1)
	if cb != nil {
		cb()
	}
}

func closeOutput(o Output) {
	if err := o.Close(); err != nil {
		slog.Warn("playback: closing output", "err", err)
	}
}
