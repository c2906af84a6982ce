//go:build darwin && cgo

package xkeys

import "golang.design/x/hotkey"

const (
	modAlt   = hotkey.ModOption
	modSuper = hotkey.ModCmd
)
