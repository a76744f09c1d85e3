// Package autostart registers the app to start on login.
package autostart

import "errors"

// ValueName identifies the app in the platform's startup list.
const ValueName = "ShowdeskGuard"

var ErrUnsupportedPlatform = errors.New("autostart is not supported on this platform")

// Autostart is the interface for platform-specific autostart functionality
type Autostart interface {
	// Registered returns the stored start command, if any
	Registered() (command string, ok bool)
	// Enable registers exe to start on login
	Enable(exe string) error
	// Disable removes the registration; disabling twice is not an error
	Disable() error
}

// CommandLine is the start command stored for exe.
func CommandLine(exe string) string {
	return `"` + exe + `"`
}

// Apply brings the registration in line with want. An existing registration
// that points at another executable is rewritten.
func Apply(a Autostart, want bool, exe string) error {
	current, ok := a.Registered()
	if !want {
		if !ok {
			return nil
		}
		return a.Disable()
	}
	if ok && current == CommandLine(exe) {
		return nil
	}
	return a.Enable(exe)
}
