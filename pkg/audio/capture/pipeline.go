package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/reminisce/internal/observe"
	"github.com/MrWong99/reminisce/pkg/audio"
)

// Strategy selects how captured audio is batched before it is sent.
type Strategy string

const (
	// StrategyStream sends continuous chunks of at least MinChunkSamples.
	StrategyStream Strategy = "stream"

	// StrategyRecord records fixed-length clips and sends each one whole.
	StrategyRecord Strategy = "record"
)

// Defaults applied by [New] for zero-valued [Config] fields.
const (
	DefaultMinChunkSamples = 1600
	DefaultClipDuration    = 3 * time.Second
	DefaultQueueSize       = 32
)

// Config tunes a [Pipeline].
type Config struct {
	// Strategy defaults to [StrategyStream].
	Strategy Strategy

	// FrameDuration is the encoder window for the stream strategy.
	// Default: [audio.DefaultFrameDuration].
	FrameDuration time.Duration

	// MinChunkSamples is the smallest 16 kHz chunk the stream strategy
	// sends, except for the final flush. Default: [DefaultMinChunkSamples].
	MinChunkSamples int

	// ClipDuration is the clip length of the record strategy.
	// Default: [DefaultClipDuration].
	ClipDuration time.Duration

	// QueueSize bounds the frames waiting for the resampling worker.
	// Default: [DefaultQueueSize].
	QueueSize int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLock overrides [DefaultLock]. Tests use this to run pipelines in
// parallel without contending for the process-wide microphone.
func WithLock(l *Lock) Option {
	return func(p *Pipeline) { p.lock = l }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline captures microphone audio and delivers 16 kHz PCM16 chunks.
// All methods are safe for concurrent use.
type Pipeline struct {
	src       Source
	lock      *Lock
	metrics   *observe.Metrics
	strategy  Strategy
	frameDur  time.Duration
	minChunk  int
	queueSize int

	mu  sync.Mutex
	cur *run
}

// run is the state of one Start..Stop cycle.
type run struct {
	handle   *Handle
	enc      atomic.Pointer[audio.Encoder]
	frames   chan audio.Frame
	done     chan struct{}
	onChunk  func([]byte)
	flushing atomic.Bool
	overflow sync.Once
}

var _ Capturer = (*Pipeline)(nil)

// New builds a pipeline for src using the strategy named in cfg.
func New(cfg Config, src Source, opts ...Option) (*Pipeline, error) {
	if src == nil {
		return nil, fmt.Errorf("capture: nil source")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	p := &Pipeline{
		src:       src,
		lock:      DefaultLock,
		queueSize: cfg.QueueSize,
	}

	switch cfg.Strategy {
	case "", StrategyStream:
		p.strategy = StrategyStream
		p.frameDur = cfg.FrameDuration
		if p.frameDur <= 0 {
			p.frameDur = audio.DefaultFrameDuration
		}
		p.minChunk = cfg.MinChunkSamples
		if p.minChunk <= 0 {
			p.minChunk = DefaultMinChunkSamples
		}
	case StrategyRecord:
		p.strategy = StrategyRecord
		p.frameDur = cfg.ClipDuration
		if p.frameDur <= 0 {
			p.frameDur = DefaultClipDuration
		}
	default:
		return nil, fmt.Errorf("capture: unknown strategy %q", cfg.Strategy)
	}

	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Strategy returns the batching strategy in use.
func (p *Pipeline) Strategy() Strategy { return p.strategy }

// Running reports whether the pipeline currently holds the microphone.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

// Start acquires the microphone and begins delivering chunks to onChunk on
// the pipeline's worker goroutine. It returns [ErrBusy] if this or any other
// pipeline sharing the lock is already capturing; no device is opened in that
// case. Cancelling ctx stops the capture.
func (p *Pipeline) Start(ctx context.Context, onChunk func(pcm []byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil {
		return ErrBusy
	}
	h, ok := p.lock.TryAcquire()
	if !ok {
		return ErrBusy
	}

	r := &run{
		handle:  h,
		frames:  make(chan audio.Frame, p.queueSize),
		done:    make(chan struct{}),
		onChunk: onChunk,
	}

	onData := func(samples []float32) {
		if enc := r.enc.Load(); enc != nil {
			enc.Push(samples)
		}
	}
	onFail := func(err error) {
		slog.Warn("capture: device failed, stopping", "err", err)
		go p.stopRun(r)
	}

	rate, err := p.src.Open(onData, onFail)
	if err != nil {
		h.Release()
		return fmt.Errorf("capture: open source: %w", err)
	}

	r.enc.Store(audio.NewEncoder(rate, audio.FrameSize(rate, p.frameDur), func(f audio.Frame) {
		p.enqueue(r, f)
	}))
	p.cur = r
	p.metrics.ActiveCaptures.Add(context.Background(), 1)

	go p.work(r)
	go func() {
		select {
		case <-ctx.Done():
			p.stopRun(r)
		case <-r.done:
		}
	}()

	slog.Debug("capture: started", "strategy", string(p.strategy), "device_rate", rate)
	return nil
}

// Stop closes the device, flushes buffered audio through onChunk (even if it
// is shorter than the minimum chunk) and releases the microphone. It is
// idempotent and safe to call before Start.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	r := p.cur
	p.mu.Unlock()
	if r != nil {
		p.stopRun(r)
	}
}

// stopRun tears down r if it is still the active run.
func (p *Pipeline) stopRun(r *run) {
	p.mu.Lock()
	if p.cur != r {
		p.mu.Unlock()
		return
	}
	p.cur = nil
	p.mu.Unlock()

	if err := p.src.Close(); err != nil {
		slog.Warn("capture: closing source", "err", err)
	}
	if enc := r.enc.Load(); enc != nil {
		r.flushing.Store(true)
		enc.Flush()
	}
	close(r.frames)
	<-r.done
	r.handle.Release()
	p.metrics.ActiveCaptures.Add(context.Background(), -1)
	slog.Debug("capture: stopped")
}

// enqueue hands an encoded frame to the worker. On the device thread it never
// blocks; a full queue drops the frame.
func (p *Pipeline) enqueue(r *run, f audio.Frame) {
	if r.flushing.Load() {
		r.frames <- f
		return
	}
	select {
	case r.frames <- f:
	default:
		p.metrics.CaptureOverflows.Add(context.Background(), 1)
		r.overflow.Do(func() {
			slog.Warn("capture: worker queue full, dropping audio", "queue_size", cap(r.frames))
		})
	}
}

// work resamples frames to the transport rate and batches them into chunks.
func (p *Pipeline) work(r *run) {
	defer close(r.done)

	var acc []int16
	for f := range r.frames {
		acc = append(acc, audio.Resample(f.Samples, f.SampleRate, audio.TransportRate)...)
		if len(acc) > 0 && len(acc) >= p.minChunk {
			p.emit(r, acc)
			acc = nil
		}
	}
	if len(acc) > 0 {
		p.emit(r, acc)
	}
}

func (p *Pipeline) emit(r *run, samples []int16) {
	p.metrics.CaptureFrames.Add(context.Background(), 1)
	r.onChunk(audio.EncodePCM16(samples))
}
