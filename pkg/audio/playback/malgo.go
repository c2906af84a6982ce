package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

const (
	// incomingQueue bounds chunks waiting to be picked up by the render
	// callback. Schedule blocks when it is full.
	incomingQueue = 256

	// finishedQueue bounds completion callbacks waiting for dispatch.
	finishedQueue = 256
)

// MalgoOutput renders scheduled chunks to a miniaudio playback device. Its
// clock counts rendered frames, so scheduling is sample accurate.
//
// The render callback owns the active voice list and never takes a lock;
// chunks reach it over a channel and completions leave it over another.
type MalgoOutput struct {
	rate int
	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	rendered atomic.Int64
	incoming chan voice
	finished chan func()
	closed   chan struct{}
	once     sync.Once

	// Render thread only.
	voices  []voice
	scratch []float32
}

type voice struct {
	samples []float32
	start   int64
	done    func()
}

var _ Output = (*MalgoOutput)(nil)

// NewMalgoOutput is an [OutputFactory] that opens the default playback
// device as mono float32 at rate.
func NewMalgoOutput(rate int) (Output, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("playback: init context: %w", err)
	}

	o := &MalgoOutput{
		rate:     rate,
		mctx:     mctx,
		incoming: make(chan voice, incomingQueue),
		finished: make(chan func(), finishedQueue),
		closed:   make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(rate)

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{Data: o.render})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback: init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("playback: start device: %w", err)
	}
	o.dev = dev

	go o.dispatch()
	return o, nil
}

// Now implements [Output].
func (o *MalgoOutput) Now() time.Duration {
	return samplesDuration(int(o.rendered.Load()), o.rate)
}

// Schedule implements [Output].
func (o *MalgoOutput) Schedule(samples []float32, at time.Duration, done func()) {
	v := voice{
		samples: samples,
		start:   int64(at) * int64(o.rate) / int64(time.Second),
		done:    done,
	}
	select {
	case o.incoming <- v:
	case <-o.closed:
	}
}

// Close implements [Output]. It stops the device immediately.
func (o *MalgoOutput) Close() error {
	var err error
	o.once.Do(func() {
		close(o.closed)
		err = o.dev.Stop()
		o.dev.Uninit()
		_ = o.mctx.Uninit()
		o.mctx.Free()
	})
	if err != nil {
		return fmt.Errorf("playback: stop device: %w", err)
	}
	return nil
}

// dispatch runs completion callbacks off the render thread.
func (o *MalgoOutput) dispatch() {
	for {
		select {
		case fn := <-o.finished:
			fn()
		case <-o.closed:
			return
		}
	}
}

// render is the miniaudio data callback.
func (o *MalgoOutput) render(out, _ []byte, frameCount uint32) {
	n := int(frameCount)
	base := o.rendered.Load()

drain:
	for {
		select {
		case v := <-o.incoming:
			o.voices = append(o.voices, v)
		default:
			break drain
		}
	}

	if cap(o.scratch) < n {
		o.scratch = make([]float32, n)
	}
	mix := o.scratch[:n]
	clear(mix)

	end := base + int64(n)
	live := o.voices[:0]
	for _, v := range o.voices {
		vEnd := v.start + int64(len(v.samples))
		from := max(v.start, base)
		to := min(vEnd, end)
		for f := from; f < to; f++ {
			mix[f-base] += v.samples[f-v.start]
		}
		if vEnd <= end {
			select {
			case o.finished <- v.done:
			default:
				go v.done()
			}
			continue
		}
		live = append(live, v)
	}
	clear(o.voices[len(live):])
	o.voices = live

	for i, s := range mix {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	o.rendered.Add(int64(n))
}
