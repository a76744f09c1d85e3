// Package permissions reports whether the process can observe the input it
// needs to intercept.
package permissions

import "github.com/rs/zerolog"

// Report describes the process's input-visibility situation.
type Report struct {
	Elevated bool
	Warnings []string
}

// EnsurePermissions checks the current process and logs each warning. It
// never fails startup: low-level hooks work unprivileged, they just cannot see
// input aimed at elevated windows.
func EnsurePermissions(log zerolog.Logger) Report {
	r := check()
	for _, w := range r.Warnings {
		log.Warn().Bool("elevated", r.Elevated).Msg(w)
	}
	return r
}
