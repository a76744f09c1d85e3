// Package inject synthesizes keyboard input.
package inject

import (
	"context"
	"errors"
)

// MaskKey is an unassigned virtual key. Pressing it while Win is held stops
// the shell from treating the later Win release as a Start-menu tap.
const MaskKey uint16 = 0xE8

// ErrUnsupportedPlatform is returned where input synthesis is not implemented.
var ErrUnsupportedPlatform = errors.New("input injection is not supported on this platform")

// Injector defines the interface for input injection
type Injector interface {
	MaskModifierRelease(ctx context.Context) error
}

// New creates a new injector for the current platform
func New() Injector {
	return platformInjector{}
}
