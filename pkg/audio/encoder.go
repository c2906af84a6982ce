package audio

import "sync"

// Encoder accumulates float samples from a capture device, converts them to
// PCM16 and emits a [Frame] whenever at least FrameSize samples are buffered.
// The whole accumulator is emitted at once, so frames may be slightly larger
// than FrameSize when the device delivers uneven buffers.
//
// Encoder is safe for concurrent use; emit is called without the internal lock
// held, on the goroutine that triggered the emission.
type Encoder struct {
	rate      int
	frameSize int
	emit      func(Frame)

	mu  sync.Mutex
	buf []int16
}

// NewEncoder returns an Encoder for a device running at rate that emits frames
// of at least frameSize samples. A frameSize below 1 falls back to
// [DefaultFrameDuration] at rate.
func NewEncoder(rate, frameSize int, emit func(Frame)) *Encoder {
	if frameSize < 1 {
		frameSize = FrameSize(rate, DefaultFrameDuration)
	}
	return &Encoder{
		rate:      rate,
		frameSize: frameSize,
		emit:      emit,
		buf:       make([]int16, 0, frameSize*2),
	}
}

// Rate returns the sample rate of emitted frames.
func (e *Encoder) Rate() int { return e.rate }

// FrameSize returns the emission threshold in samples.
func (e *Encoder) FrameSize() int { return e.frameSize }

// Push converts and appends samples, emitting a frame if the threshold is
// reached.
func (e *Encoder) Push(samples []float32) {
	e.mu.Lock()
	for _, s := range samples {
		e.buf = append(e.buf, FloatToPCM16(s))
	}
	var out []int16
	if len(e.buf) >= e.frameSize {
		out = e.take()
	}
	e.mu.Unlock()

	if out != nil {
		e.emit(Frame{Samples: out, SampleRate: e.rate})
	}
}

// Flush emits whatever is buffered, even below the threshold. Flushing an
// empty encoder emits nothing.
func (e *Encoder) Flush() {
	e.mu.Lock()
	var out []int16
	if len(e.buf) > 0 {
		out = e.take()
	}
	e.mu.Unlock()

	if out != nil {
		e.emit(Frame{Samples: out, SampleRate: e.rate})
	}
}

// take hands the current buffer off and starts a fresh one. Caller holds mu.
func (e *Encoder) take() []int16 {
	out := e.buf
	e.buf = make([]int16, 0, e.frameSize*2)
	return out
}
