//go:build !(((linux || darwin) && cgo) || windows)

package xkeys

import "github.com/MrWong99/reminisce/internal/input"

// Grab always fails: the hotkey package needs cgo outside Windows.
func Grab(input.Combo) (input.Grab, error) { return nil, input.ErrUnavailable }
