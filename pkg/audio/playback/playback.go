// Package playback schedules inbound speech chunks for gapless output.
//
// Chunks arrive over the network with jitter. The [Scheduler] holds back the
// first few chunks of every response (pre-roll), then places each chunk on the
// output clock exactly where the previous one ends. If the network falls
// behind and the timeline slips into the past, the next chunk is re-anchored
// a small safety margin ahead of the clock instead of being played late or
// truncated.
//
// The scheduler is backend-agnostic; it drives an [Output], of which
// [MalgoOutput] renders to a sound card and [NullOutput] only keeps time.
package playback

import (
	"errors"
	"time"
)

var (
	// ErrNotInitialized is returned by Enqueue before Init.
	ErrNotInitialized = errors.New("playback: scheduler not initialised")

	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("playback: scheduler destroyed")
)

// Output is an audio sink with its own clock.
//
// Schedule arranges for samples (mono float32 at the output rate) to start
// playing when Now reaches at, and calls done from another goroutine once the
// last sample has been played. Schedule must never call done synchronously.
// Close silences the output immediately; pending done callbacks may be
// dropped.
type Output interface {
	Now() time.Duration
	Schedule(samples []float32, at time.Duration, done func())
	Close() error
}

// OutputFactory opens an [Output] running at rate Hz.
type OutputFactory func(rate int) (Output, error)

// Player is the surface a voice session drives. [*Scheduler] implements it.
type Player interface {
	Init() error
	Enqueue(pcm []byte) error
	Clear() error
	IsActive() bool
	Destroy()
	OnDrained(fn func())
}

// samplesDuration returns the playback length of n samples at rate.
func samplesDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}
