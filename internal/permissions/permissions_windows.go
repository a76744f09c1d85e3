//go:build windows

package permissions

import "golang.org/x/sys/windows"

func check() Report {
	elevated := windows.GetCurrentProcessToken().IsElevated()
	r := Report{Elevated: elevated}
	if !elevated {
		r.Warnings = append(r.Warnings,
			"Not running elevated: Win+D is not intercepted while an elevated window has focus")
	}
	return r
}
