package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTest = errors.New("test error")

// clock is a manual time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBreaker(cfg Config) (*Breaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	b := New(cfg)
	b.now = c.now
	return b, c
}

func fail(context.Context) error { return errTest }
func ok(context.Context) error { return nil }

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	b := New(Config{Name: "api"})
	if b.maxFailures != 5 || b.cooldown != 30*time.Second {
		t.Errorf("defaults = %d, %s", b.maxFailures, b.cooldown)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{Name: "api", MaxFailures: 3})
	ctx := context.Background()

	for range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errTest) {
			t.Fatalf("Do = %v, want errTest", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("Do while open = %v (called=%v), want ErrOpen without a call", err, called)
	}
	if err := b.Ready(ctx); !errors.Is(err, ErrOpen) {
		t.Errorf("Ready = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 3})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_IgnoredErrors(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, errTest) },
	})
	for range 5 {
		_ = b.Do(context.Background(), fail)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed for ignored errors", b.State())
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker(Config{MaxFailures: 1})
	_ = b.Do(context.Background(), func(context.Context) error { return context.Canceled })
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_ProbeCloses(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Minute})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	c.advance(59 * time.Second)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Fatalf("Do before cooldown = %v, want ErrOpen", err)
	}
	c.advance(time.Second)
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("probe = %v, want nil", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed after a good probe", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Minute})
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	c.advance(time.Minute)
	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	c.advance(30 * time.Second)
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("Do = %v, want ErrOpen: the cooldown restarts on a failed probe", err)
	}
}

func TestBreaker_SingleProbeInFlight(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker(Config{MaxFailures: 1, Cooldown: time.Second})
	ctx := context.Background()
	_ = b.Do(ctx, fail)
	c.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if b.State() != StateHalfOpen {
		t.Errorf("state = %v, want half-open during the probe", b.State())
	}
	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent Do = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
