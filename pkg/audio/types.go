// Package audio holds the sample-level building blocks of the voice pipeline:
// the [Frame] type exchanged between stages, PCM16 conversion helpers, the
// linear-interpolation [Resample] function and the capture-side [Encoder].
//
// Everything in this package is transport-agnostic. The capture and playback
// engines live in the capture and playback subpackages.
package audio

import "time"

const (
	// TransportRate is the sample rate of every outbound frame sent to the
	// voice peer (16 kHz mono PCM16).
	TransportRate = 16000

	// PlaybackRate is the sample rate of inbound speech from the voice peer
	// (24 kHz mono PCM16).
	PlaybackRate = 24000

	// DefaultFrameDuration is the capture buffering window used by the
	// streaming capture strategy.
	DefaultFrameDuration = 100 * time.Millisecond
)

// Frame is one buffer of mono PCM16 audio flowing between pipeline stages.
// A Frame is handed off, not shared: the receiver owns Samples.
type Frame struct {
	// Samples are signed 16-bit mono samples.
	Samples []int16

	// SampleRate in Hz (e.g. 48000 from the device, 16000 after resampling).
	SampleRate int
}

// Duration returns the playback length of the frame. A frame with a
// non-positive sample rate has zero duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes encodes the frame as little-endian PCM16.
func (f Frame) Bytes() []byte {
	return EncodePCM16(f.Samples)
}

// FrameSize returns the number of samples that cover d at rate. It never
// returns less than 1.
func FrameSize(rate int, d time.Duration) int {
	n := int(int64(rate) * int64(d) / int64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}
