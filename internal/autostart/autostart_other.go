//go:build !windows

package autostart

type unsupported struct{}

func New() Autostart { return unsupported{} }

func (unsupported) Registered() (string, bool) { return "", false }

func (unsupported) Enable(string) error { return ErrUnsupportedPlatform }

func (unsupported) Disable() error { return nil }
