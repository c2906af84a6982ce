//go:build windows

package xkeys

import "golang.design/x/hotkey"

const (
	modAlt   = hotkey.ModAlt
	modSuper = hotkey.ModWin
)
