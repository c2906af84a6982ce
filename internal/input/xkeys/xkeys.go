//go:build ((linux || darwin) && cgo) || windows

// Package xkeys registers [input] combos as OS-wide hotkeys through
// golang.design/x/hotkey.
//
// On Linux the hotkey package opens the X11 display when the program
// starts and panics if there is none. Only link this package into binaries
// meant for a desktop session; headless builds use the nohotkeys tag of
// cmd/reminisce.
package xkeys

import (
	"fmt"
	"sync"

	"golang.design/x/hotkey"

	"github.com/MrWong99/reminisce/internal/input"
)

var keys = func() map[input.Key]hotkey.Key {
	m := map[input.Key]hotkey.Key{
		"space":  hotkey.KeySpace,
		"return": hotkey.KeyReturn,
		"tab":    hotkey.KeyTab,
		"escape": hotkey.KeyEscape,
		"delete": hotkey.KeyDelete,
		"left":   hotkey.KeyLeft,
		"right":  hotkey.KeyRight,
		"up":     hotkey.KeyUp,
		"down":   hotkey.KeyDown,
	}
	letters := []hotkey.Key{
		hotkey.KeyA, hotkey.KeyB, hotkey.KeyC, hotkey.KeyD, hotkey.KeyE, hotkey.KeyF,
		hotkey.KeyG, hotkey.KeyH, hotkey.KeyI, hotkey.KeyJ, hotkey.KeyK, hotkey.KeyL,
		hotkey.KeyM, hotkey.KeyN, hotkey.KeyO, hotkey.KeyP, hotkey.KeyQ, hotkey.KeyR,
		hotkey.KeyS, hotkey.KeyT, hotkey.KeyU, hotkey.KeyV, hotkey.KeyW, hotkey.KeyX,
		hotkey.KeyY, hotkey.KeyZ,
	}
	for i, k := range letters {
		m[input.Key(string(rune('a'+i)))] = k
	}
	digits := []hotkey.Key{
		hotkey.Key0, hotkey.Key1, hotkey.Key2, hotkey.Key3, hotkey.Key4,
		hotkey.Key5, hotkey.Key6, hotkey.Key7, hotkey.Key8, hotkey.Key9,
	}
	for i, k := range digits {
		m[input.Key(string(rune('0'+i)))] = k
	}
	fn := []hotkey.Key{
		hotkey.KeyF1, hotkey.KeyF2, hotkey.KeyF3, hotkey.KeyF4, hotkey.KeyF5, hotkey.KeyF6,
		hotkey.KeyF7, hotkey.KeyF8, hotkey.KeyF9, hotkey.KeyF10, hotkey.KeyF11, hotkey.KeyF12,
	}
	for i, k := range fn {
		m[input.Key(fmt.Sprintf("f%d", i+1))] = k
	}
	return m
}()

func mods(ms []input.Modifier) ([]hotkey.Modifier, error) {
	out := make([]hotkey.Modifier, 0, len(ms))
	for _, m := range ms {
		switch m {
		case input.ModCtrl:
			out = append(out, hotkey.ModCtrl)
		case input.ModShift:
			out = append(out, hotkey.ModShift)
		case input.ModAlt:
			out = append(out, modAlt)
		case input.ModSuper:
			out = append(out, modSuper)
		default:
			return nil, fmt.Errorf("xkeys: unknown modifier %q", m)
		}
	}
	return out, nil
}

// Grab registers c with the OS. It satisfies [input.Grabber].
func Grab(c input.Combo) (input.Grab, error) {
	k, ok := keys[c.Key]
	if !ok {
		return nil, fmt.Errorf("xkeys: unknown key %q", c.Key)
	}
	ms, err := mods(c.Mods)
	if err != nil {
		return nil, err
	}
	hk := hotkey.New(ms, k)
	if err := hk.Register(); err != nil {
		return nil, err
	}
	g := &grab{
		hk:      hk,
		presses: make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go g.forward(hk.Keydown())
	return g, nil
}

type grab struct {
	hk      *hotkey.Hotkey
	presses chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func (g *grab) forward(down <-chan hotkey.Event) {
	defer close(g.exited)
	defer close(g.presses)
	for {
		select {
		case <-g.done:
			return
		case _, ok := <-down:
			if !ok {
				return
			}
			// Presses that arrive while one is pending collapse into it.
			select {
			case g.presses <- struct{}{}:
			default:
			}
		}
	}
}

func (g *grab) Presses() <-chan struct{} { return g.presses }

func (g *grab) Release() error {
	var err error
	g.once.Do(func() {
		close(g.done)
		<-g.exited
		err = g.hk.Unregister()
	})
	return err
}
