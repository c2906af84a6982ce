package capture

import "sync"

// Lock hands out the process-wide exclusive right to read the microphone.
// Acquiring it is the only way a [Pipeline] opens its [Source], so two
// pipelines can never hold a device at once.
type Lock struct {
	mu   sync.Mutex
	held bool
}

// DefaultLock is shared by every pipeline that does not override it with
// [WithLock].
var DefaultLock = &Lock{}

// TryAcquire returns a handle if the lock is free. It never blocks.
func (l *Lock) TryAcquire() (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, false
	}
	l.held = true
	return &Handle{lock: l}, true
}

// Held reports whether a handle is currently outstanding.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Handle is proof of exclusive microphone access.
type Handle struct {
	lock *Lock
	once sync.Once
}

// Release returns the handle to its lock. Extra calls are no-ops.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.lock.mu.Lock()
		h.lock.held = false
		h.lock.mu.Unlock()
	})
}
