package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/reminisce/pkg/audio"
)

func TestEncoder_EmitsAtThreshold(t *testing.T) {
	t.Parallel()

	var frames []audio.Frame
	enc := audio.NewEncoder(48000, 4, func(f audio.Frame) { frames = append(frames, f) })

	enc.Push([]float32{0.1, 0.2, 0.3})
	if len(frames) != 0 {
		t.Fatalf("expected no frame below threshold, got %d", len(frames))
	}
	enc.Push([]float32{1, -1})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	f := frames[0]
	if len(f.Samples) != 5 {
		t.Errorf("expected whole accumulator (5 samples), got %d", len(f.Samples))
	}
	if f.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", f.SampleRate)
	}
	if f.Samples[3] != 32767 || f.Samples[4] != -32768 {
		t.Errorf("extremes = %d,%d want 32767,-32768", f.Samples[3], f.Samples[4])
	}
}

func TestEncoder_Flush(t *testing.T) {
	t.Parallel()

	var frames []audio.Frame
	enc := audio.NewEncoder(16000, 100, func(f audio.Frame) { frames = append(frames, f) })

	enc.Flush()
	if len(frames) != 0 {
		t.Fatalf("empty flush emitted %d frames", len(frames))
	}

	enc.Push([]float32{0.5, 0.5})
	enc.Flush()
	if len(frames) != 1 || len(frames[0].Samples) != 2 {
		t.Fatalf("expected one 2-sample frame after flush, got %+v", frames)
	}

	enc.Flush()
	if len(frames) != 1 {
		t.Errorf("second flush emitted again: %d frames", len(frames))
	}
}

func TestEncoder_DefaultFrameSize(t *testing.T) {
	t.Parallel()
	enc := audio.NewEncoder(48000, 0, func(audio.Frame) {})
	if got := enc.FrameSize(); got != 4800 {
		t.Errorf("FrameSize = %d, want 4800 (100ms at 48kHz)", got)
	}
}

func TestFrame_Duration(t *testing.T) {
	t.Parallel()
	f := audio.Frame{Samples: make([]int16, 2400), SampleRate: 24000}
	if got := f.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
	if got := (audio.Frame{Samples: make([]int16, 10)}).Duration(); got != 0 {
		t.Errorf("zero-rate Duration = %v, want 0", got)
	}
}
