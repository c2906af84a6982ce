//go:build !nohotkeys

package main

import (
	"github.com/MrWong99/reminisce/internal/input"
	"github.com/MrWong99/reminisce/internal/input/xkeys"
)

// hotkeyManager returns the desktop hotkey manager. On Linux, linking it
// requires an X display at startup; build with -tags nohotkeys for
// headless hosts.
func hotkeyManager() *input.Manager { return input.NewManager(xkeys.Grab) }
