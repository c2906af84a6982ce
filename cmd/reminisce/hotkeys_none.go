//go:build nohotkeys

package main

import "github.com/MrWong99/reminisce/internal/input"

func hotkeyManager() *input.Manager { return nil }
