// Package input binds global keyboard shortcuts to voice session actions.
//
// Shortcuts are written as "+"-separated combos such as "ctrl+shift+space":
// any number of modifiers followed by exactly one key. Modifier names are
// portable ("alt" is Option on macOS, "super" is Command or the Windows key).
//
// The package itself never touches the desktop. A [Grabber] turns a parsed
// [Combo] into an OS-level registration; see package xkeys.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

var (
	// ErrInvalidCombo wraps every parse failure.
	ErrInvalidCombo = errors.New("input: invalid hotkey")

	// ErrUnavailable is returned when the host offers no global hotkeys.
	ErrUnavailable = errors.New("input: global hotkeys unavailable")
)

// Modifier is a portable modifier name.
type Modifier string

const (
	ModCtrl  Modifier = "ctrl"
	ModShift Modifier = "shift"
	ModAlt   Modifier = "alt"
	ModSuper Modifier = "super"
)

// Key is a normalised key name such as "space", "n" or "f5".
type Key string

// Combo is a parsed shortcut.
type Combo struct {
	Mods []Modifier
	Key  Key
	text string
}

// String returns the normalised combo text.
func (c Combo) String() string { return c.text }

// keyAliases maps accepted spellings to their normalised name.
var keyAliases = map[string]Key{
	"enter": "return",
	"esc":   "escape",
}

// Keys lists every normalised key name [Parse] accepts.
var Keys = func() []Key {
	ks := []Key{"space", "return", "tab", "escape", "delete", "left", "right", "up", "down"}
	for r := 'a'; r <= 'z'; r++ {
		ks = append(ks, Key(string(r)))
	}
	for r := '0'; r <= '9'; r++ {
		ks = append(ks, Key(string(r)))
	}
	for i := 1; i <= 12; i++ {
		ks = append(ks, Key(fmt.Sprintf("f%d", i)))
	}
	return ks
}()

var known = func() map[Key]bool {
	m := make(map[Key]bool, len(Keys))
	for _, k := range Keys {
		m[k] = true
	}
	return m
}()

// Parse converts s to a [Combo]. Names are case-insensitive and surrounding
// whitespace is ignored.
func Parse(s string) (Combo, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Combo{}, fmt.Errorf("%w: empty", ErrInvalidCombo)
	}

	var (
		c     Combo
		names []string
		seen  = make(map[Modifier]bool)
		found bool
	)
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if found {
			return Combo{}, fmt.Errorf("%w: %q: key %q must come last", ErrInvalidCombo, s, names[len(names)-1])
		}
		var mod Modifier
		switch part {
		case "ctrl", "control":
			mod = ModCtrl
		case "shift":
			mod = ModShift
		case "alt", "option":
			mod = ModAlt
		case "super", "cmd", "command", "win":
			mod = ModSuper
		default:
			k := Key(part)
			if alias, ok := keyAliases[part]; ok {
				k = alias
			}
			if !known[k] {
				return Combo{}, fmt.Errorf("%w: %q: unknown key %q", ErrInvalidCombo, s, part)
			}
			c.Key = k
			found = true
			names = append(names, string(k))
			continue
		}
		if seen[mod] {
			return Combo{}, fmt.Errorf("%w: %q: modifier %q repeated", ErrInvalidCombo, s, mod)
		}
		seen[mod] = true
		c.Mods = append(c.Mods, mod)
		names = append(names, string(mod))
	}
	if !found {
		return Combo{}, fmt.Errorf("%w: %q: no key", ErrInvalidCombo, s)
	}
	c.text = strings.Join(names, "+")
	return c, nil
}

// Grab is one registered shortcut.
type Grab interface {
	// Presses delivers a value per key press. It is closed after Release.
	Presses() <-chan struct{}

	// Release gives the shortcut back to the OS.
	Release() error
}

// Grabber registers a combo with the OS.
type Grabber func(Combo) (Grab, error)

// Binding attaches an action to a shortcut.
type Binding struct {
	// Name labels logs, e.g. "talk".
	Name string

	// Combo is the shortcut text, see [Parse].
	Combo string

	// Action runs on its own goroutine for every key press.
	Action func(ctx context.Context)
}

// Manager owns a set of registered global hotkeys.
type Manager struct {
	grab Grabber

	mu      sync.Mutex
	grabs   []Grab
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewManager returns an idle manager that registers shortcuts through g.
// A nil g makes every [Manager.Start] fail with [ErrUnavailable].
func NewManager(g Grabber) *Manager { return &Manager{grab: g} }

// Start parses and registers every binding and dispatches presses until ctx
// is cancelled or [Manager.Stop] is called. Either all bindings are
// registered or none are.
func (m *Manager) Start(ctx context.Context, bindings ...Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("input: manager already started")
	}

	combos := make([]Combo, len(bindings))
	for i, b := range bindings {
		c, err := Parse(b.Combo)
		if err != nil {
			return fmt.Errorf("input: binding %q: %w", b.Name, err)
		}
		combos[i] = c
	}
	if m.grab == nil {
		return ErrUnavailable
	}

	grabs := make([]Grab, 0, len(bindings))
	for i, b := range bindings {
		g, err := m.grab(combos[i])
		if err != nil {
			for _, r := range grabs {
				_ = r.Release()
			}
			return fmt.Errorf("input: register %q (%s): %w", b.Name, combos[i], err)
		}
		grabs = append(grabs, g)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.grabs = grabs
	m.running = true
	for i, b := range bindings {
		g := grabs[i]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.listen(ctx, g, b)
		}()
		slog.Info("hotkey registered", "name", b.Name, "combo", combos[i].String())
	}
	return nil
}

func (m *Manager) listen(ctx context.Context, g Grab, b Binding) {
	presses := g.Presses()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-presses:
			if !ok {
				return
			}
			slog.Debug("hotkey pressed", "name", b.Name)
			if b.Action != nil {
				go b.Action(ctx)
			}
		}
	}
}

// Stop releases every hotkey and waits for the listeners to exit. Safe to
// call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	grabs := m.grabs
	m.grabs = nil
	m.mu.Unlock()

	m.wg.Wait()
	for _, g := range grabs {
		if err := g.Release(); err != nil {
			slog.Debug("hotkey release failed", "err", err)
		}
	}
}
