//go:build linux && cgo

package xkeys

import "golang.design/x/hotkey"

// X11 maps Alt to Mod1 and Super to Mod4.
const (
	modAlt   = hotkey.Mod1
	modSuper = hotkey.Mod4
)
