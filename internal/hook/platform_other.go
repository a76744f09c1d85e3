//go:build !windows

package hook

import "github.com/rs/zerolog"

type unsupportedPlatform struct {
	log zerolog.Logger
}

// NewPlatform returns a Platform whose registrations always fail. Hooks are
// only implemented for Windows.
func NewPlatform(log zerolog.Logger) Platform {
	return unsupportedPlatform{log: log}
}

func (p unsupportedPlatform) Register(kind Kind, dispatch Callback) (Registration, error) {
	p.log.Warn().Stringer("kind", kind).Msg("Global hooks are not supported on this platform")
	return nil, ErrUnsupportedPlatform
}
