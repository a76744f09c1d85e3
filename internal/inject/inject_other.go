//go:build !windows

package inject

import "context"

type platformInjector struct{}

func (platformInjector) MaskModifierRelease(context.Context) error {
	return ErrUnsupportedPlatform
}
