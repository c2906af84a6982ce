// Package capture turns a live microphone into a stream of 16 kHz PCM16
// chunks ready for the voice transport.
//
// A [Pipeline] owns the microphone for as long as it runs. The device delivers
// float samples to a [Source] callback, the [audio.Encoder] turns them into
// frames at the device rate, and a worker goroutine resamples each frame to
// [audio.TransportRate] and batches the result into outbound chunks.
//
// Only one pipeline may hold the microphone per process; see [Lock].
package capture

import (
	"context"
	"errors"
)

// Sentinel errors returned by [Pipeline.Start].
var (
	// ErrBusy means another pipeline already holds the microphone.
	ErrBusy = errors.New("capture: microphone already in use")

	// ErrPermissionDenied means the user or the OS refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")

	// ErrDeviceUnavailable means no capture device could be opened.
	ErrDeviceUnavailable = errors.New("capture: no capture device available")
)

// Source is a platform microphone. Open starts delivering mono float samples
// in [-1, 1] to onData on a device thread and returns the device sample rate.
// onFail reports a mid-stream device failure. Close stops delivery; onData is
// never called after Close returns.
//
// onData must return quickly: implementations call it on a real-time thread.
type Source interface {
	Open(onData func([]float32), onFail func(error)) (rate int, err error)
	Close() error
}

// Permission asks the platform for microphone access. A nil error means
// capture may proceed.
type Permission interface {
	RequestMicrophone(ctx context.Context) error
}

// PermissionFunc adapts a function to [Permission].
type PermissionFunc func(ctx context.Context) error

// RequestMicrophone implements [Permission].
func (f PermissionFunc) RequestMicrophone(ctx context.Context) error { return f(ctx) }

// AllowAll is a [Permission] that always grants access.
var AllowAll Permission = PermissionFunc(func(context.Context) error { return nil })

// Capturer is the surface the session drives. [*Pipeline] implements it.
type Capturer interface {
	Start(ctx context.Context, onChunk func(pcm []byte)) error
	Stop()
	Running() bool
}
