package input

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		mods []Modifier
		key  Key
		text string
	}{
		{"ctrl+shift+space", []Modifier{ModCtrl, ModShift}, "space", "ctrl+shift+space"},
		{" Control + Shift + N ", []Modifier{ModCtrl, ModShift}, "n", "ctrl+shift+n"},
		{"option+f5", []Modifier{ModAlt}, "f5", "alt+f5"},
		{"cmd+enter", []Modifier{ModSuper}, "return", "super+return"},
		{"7", nil, "7", "7"},
		{"esc", nil, "escape", "escape"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			c, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if c.Key != tt.key {
				t.Errorf("key = %q, want %q", c.Key, tt.key)
			}
			if !slices.Equal(c.Mods, tt.mods) {
				t.Errorf("mods = %v, want %v", c.Mods, tt.mods)
			}
			if c.String() != tt.text {
				t.Errorf("String() = %q, want %q", c.String(), tt.text)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"",
		"   ",
		"ctrl+shift",
		"ctrl+banana",
		"a+b",
		"space+ctrl",
		"ctrl+ctrl+a",
		"ctrl+control+a",
		"ctrl++a",
	} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidCombo) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidCombo", in, err)
		}
	}
}

func TestKeys(t *testing.T) {
	t.Parallel()
	if len(Keys) != 9+26+10+12 {
		t.Errorf("len(Keys) = %d", len(Keys))
	}
	for _, name := range []Key{"a", "z", "0", "9", "f1", "f12", "left", "delete"} {
		if !slices.Contains(Keys, name) {
			t.Errorf("key %q missing", name)
		}
	}
}

// fakeGrab is an in-memory registration.
type fakeGrab struct {
	combo    Combo
	presses  chan struct{}
	mu       sync.Mutex
	released bool
}

func (g *fakeGrab) Presses() <-chan struct{} { return g.presses }

func (g *fakeGrab) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
	return nil
}

func (g *fakeGrab) isReleased() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

// fakeDesktop hands out fakeGrabs and refuses the combos in taken.
type fakeDesktop struct {
	mu    sync.Mutex
	taken map[string]bool
	grabs []*fakeGrab
}

func (d *fakeDesktop) grab(c Combo) (Grab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.taken[c.String()] {
		return nil, errors.New("combo already grabbed")
	}
	g := &fakeGrab{combo: c, presses: make(chan struct{}, 1)}
	d.grabs = append(d.grabs, g)
	return g, nil
}

func TestManager_StartRejectsBadCombo(t *testing.T) {
	t.Parallel()
	d := &fakeDesktop{}
	m := NewManager(d.grab)
	err := m.Start(t.Context(), Binding{Name: "talk", Combo: "ctrl+nope"})
	if !errors.Is(err, ErrInvalidCombo) {
		t.Fatalf("Start error = %v, want ErrInvalidCombo", err)
	}
	if len(d.grabs) != 0 {
		t.Errorf("%d combos grabbed despite a parse failure", len(d.grabs))
	}
	m.Stop()
}

func TestManager_NoGrabber(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	err := m.Start(t.Context(), Binding{Name: "talk", Combo: "ctrl+space"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Start error = %v, want ErrUnavailable", err)
	}
	m.Stop()
}

func TestManager_AllOrNone(t *testing.T) {
	t.Parallel()
	d := &fakeDesktop{taken: map[string]bool{"ctrl+shift+n": true}}
	m := NewManager(d.grab)
	err := m.Start(t.Context(),
		Binding{Name: "talk", Combo: "ctrl+shift+space"},
		Binding{Name: "next_photo", Combo: "ctrl+shift+n"},
	)
	if err == nil {
		t.Fatal("Start succeeded with a taken combo")
	}
	if len(d.grabs) != 1 || !d.grabs[0].isReleased() {
		t.Error("first registration not rolled back")
	}

	// A failed start leaves the manager reusable.
	d.mu.Lock()
	d.taken = nil
	d.mu.Unlock()
	if err := m.Start(t.Context(), Binding{Name: "talk", Combo: "ctrl+shift+space"}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	m.Stop()
}

func TestManager_DispatchesPresses(t *testing.T) {
	t.Parallel()
	d := &fakeDesktop{}
	m := NewManager(d.grab)
	talk := make(chan struct{}, 4)
	next := make(chan struct{}, 4)
	err := m.Start(t.Context(),
		Binding{Name: "talk", Combo: "ctrl+shift+space", Action: func(context.Context) { talk <- struct{}{} }},
		Binding{Name: "next_photo", Combo: "ctrl+shift+n", Action: func(context.Context) { next <- struct{}{} }},
	)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(t.Context()); err == nil {
		t.Error("second Start on a running manager succeeded")
	}

	d.grabs[1].presses <- struct{}{}
	select {
	case <-next:
	case <-time.After(2 * time.Second):
		t.Fatal("next_photo action not called")
	}
	select {
	case <-talk:
		t.Error("talk action called for the wrong combo")
	default:
	}

	m.Stop()
	m.Stop()
	for _, g := range d.grabs {
		if !g.isReleased() {
			t.Errorf("%s not released on Stop", g.combo)
		}
	}
}

func TestManager_StopBeforeStart(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Stop()
	m.Stop()
}
