package playback

import (
	"sync"
	"time"
)

// NullOutput keeps time against the wall clock without producing sound. It is
// used for headless runs and as the fallback when no sound card is present.
type NullOutput struct {
	rate  int
	start time.Time

	mu     sync.Mutex
	closed bool
	timers map[*time.Timer]struct{}
}

var _ Output = (*NullOutput)(nil)

// NewNullOutput is an [OutputFactory] for [NullOutput].
func NewNullOutput(rate int) (Output, error) {
	return &NullOutput{
		rate:   rate,
		start:  time.Now(),
		timers: make(map[*time.Timer]struct{}),
	}, nil
}

// Now implements [Output].
func (o *NullOutput) Now() time.Duration { return time.Since(o.start) }

// Schedule implements [Output]. done fires when the chunk would have finished.
func (o *NullOutput) Schedule(samples []float32, at time.Duration, done func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	end := at + samplesDuration(len(samples), o.rate) - o.Now()
	var t *time.Timer
	t = time.AfterFunc(end, func() {
		o.mu.Lock()
		_, live := o.timers[t]
		delete(o.timers, t)
		o.mu.Unlock()
		if live {
			done()
		}
	})
	o.timers[t] = struct{}{}
}

// Close implements [Output]. Pending callbacks are dropped.
func (o *NullOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for t := range o.timers {
		t.Stop()
	}
	clear(o.timers)
	return nil
}
