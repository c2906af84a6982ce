// Package mock provides a manually clocked [playback.Output] and a recording
// [playback.Player] for unit tests.
//
// Nothing plays by itself: the test moves the clock with [Output.SetNow] and
// completes scheduled chunks with [Output.Finish], which makes scheduling
// decisions fully deterministic.
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/reminisce/pkg/audio/playback"
)

// ScheduleCall records one [Output.Schedule] call.
type ScheduleCall struct {
	Samples []float32
	At      time.Duration
	done    func()
}

// Output is a mock implementation of [playback.Output].
type Output struct {
	mu sync.Mutex

	// Rate is the rate the factory opened the output with.
	Rate int

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now       time.Duration
	scheduled []ScheduleCall
}

var _ playback.Output = (*Output)(nil)

// Now implements [playback.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the output clock.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Schedule implements [playback.Output].
func (o *Output) Schedule(samples []float32, at time.Duration, done func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.scheduled = append(o.scheduled, ScheduleCall{Samples: samples, At: at, done: done})
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// Scheduled returns a copy of every recorded Schedule call, in order.
func (o *Output) Scheduled() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.scheduled))
	copy(out, o.scheduled)
	return out
}

// Finish runs the completion callback of the i-th scheduled chunk.
func (o *Output) Finish(i int) {
	o.mu.Lock()
	done := o.scheduled[i].done
	o.mu.Unlock()
	done()
}

// FinishAll completes every scheduled chunk in order.
func (o *Output) FinishAll() {
	for i := range o.Scheduled() {
		o.Finish(i)
	}
}

// Factory hands out mock outputs and remembers them.
type Factory struct {
	mu sync.Mutex

	// Err, when set, is returned instead of a new output.
	Err error

	outputs []*Output
}

// New is a [playback.OutputFactory].
func (f *Factory) New(rate int) (playback.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	o := &Output{Rate: rate}
	f.outputs = append(f.outputs, o)
	return o, nil
}

// Outputs returns every output created so far, oldest first.
func (f *Factory) Outputs() []*Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Output, len(f.outputs))
	copy(out, f.outputs)
	return out
}

// Last returns the most recently created output, or nil.
func (f *Factory) Last() *Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.outputs) == 0 {
		return nil
	}
	return f.outputs[len(f.outputs)-1]
}

// Player is a mock implementation of [playback.Player] that records every
// call and drains only when the test says so.
type Player struct {
	mu sync.Mutex

	// InitError is returned by Init.
	InitError error

	// EnqueueError is returned by Enqueue.
	EnqueueError error

	// OnEnqueue, when set, runs at the start of every Enqueue.
	OnEnqueue func(pcm []byte)

	// CallCountInit, CallCountClear and CallCountDestroy record how often
	// the corresponding method was called.
	CallCountInit    int
	CallCountClear   int
	CallCountDestroy int

	enqueued  [][]byte
	onDrained func()
}

var _ playback.Player = (*Player)(nil)

// Init implements [playback.Player].
func (p *Player) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountInit++
	return p.InitError
}

// Enqueue implements [playback.Player].
func (p *Player) Enqueue(pcm []byte) error {
	p.mu.Lock()
	hook := p.OnEnqueue
	p.mu.Unlock()
	if hook != nil {
		hook(pcm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EnqueueError != nil {
		return p.EnqueueError
	}
	p.enqueued = append(p.enqueued, append([]byte(nil), pcm...))
	return nil
}

// Clear implements [playback.Player].
func (p *Player) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountClear++
	p.enqueued = nil
	return nil
}

// IsActive implements [playback.Player].
func (p *Player) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued) > 0
}

// Destroy implements [playback.Player].
func (p *Player) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountDestroy++
}

// OnDrained implements [playback.Player].
func (p *Player) OnDrained(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDrained = fn
}

// Enqueued returns copies of every accepted chunk since the last Clear.
func (p *Player) Enqueued() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.enqueued))
	copy(out, p.enqueued)
	return out
}

// Counts returns the Init, Clear and Destroy call counts.
func (p *Player) Counts() (inits, clears, destroys int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountInit, p.CallCountClear, p.CallCountDestroy
}

// Drain empties the player and fires the drained callback.
func (p *Player) Drain() {
	p.mu.Lock()
	p.enqueued = nil
	fn := p.onDrained
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}
