package hook

import (
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Platform is the OS hook API. Register starts delivering events of kind to
// dispatch until the returned Registration is released.
type Platform interface {
	Register(kind Kind, dispatch Callback) (Registration, error)
}

// Registration is one live platform-side hook.
type Registration interface {
	Release() error
}

// Handle owns one installed hook and keeps its callback referenced until
// Uninstall.
type Handle struct {
	ID          uuid.UUID
	Kind        Kind
	InstalledAt time.Time

	cb      Callback
	reg     Registration
	log     zerolog.Logger
	budget  time.Duration
	removed atomic.Bool
	faults  atomic.Uint64
	slow    atomic.Uint64
}

// Removed reports whether the handle has been uninstalled.
func (h *Handle) Removed() bool { return h.removed.Load() }

// Faults returns how many callback panics were contained for this handle.
func (h *Handle) Faults() uint64 { return h.faults.Load() }

// SlowDeliveries returns how many callbacks exceeded the time budget.
func (h *Handle) SlowDeliveries() uint64 { return h.slow.Load() }

// deliver is the single boundary between the platform thread and the
// callback. It never panics.
func (h *Handle) deliver(ev Event) (d Decision) {
	if h.removed.Load() {
		return PassThrough
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			fault := &CallbackFault{Kind: h.Kind, Recovered: r, Stack: debug.Stack()}
			h.faults.Add(1)
			h.log.Error().Err(fault).Str("handle", h.ID.String()).Bytes("stack", fault.Stack).Msg("Callback fault, passing event through")
			d = PassThrough
			return
		}
		if elapsed := time.Since(start); h.budget > 0 && elapsed > h.budget {
			h.slow.Add(1)
			h.log.Warn().Stringer("kind", h.Kind).Dur("elapsed", elapsed).Dur("budget", h.budget).Msg("Hook callback exceeded budget")
		}
	}()

	return h.cb(ev)
}

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	Platform Platform
	// Logger is used on the delivery path; it should be non-blocking.
	Logger zerolog.Logger
	// Budget is the soft per-callback time limit. Zero disables the check.
	Budget time.Duration
	Clock  func() time.Time
}

// Installer registers and unregisters hooks, at most one per kind.
type Installer struct {
	platform Platform
	log      zerolog.Logger
	budget   time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	active map[Kind]*Handle
}

// NewInstaller creates an Installer backed by cfg.Platform.
func NewInstaller(cfg InstallerConfig) *Installer {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Installer{
		platform: cfg.Platform,
		log:      cfg.Logger,
		budget:   cfg.Budget,
		clock:    clock,
		active:   make(map[Kind]*Handle),
	}
}

// Install registers cb for kind. Failures are returned as *InstallError and
// are never retried.
func (i *Installer) Install(kind Kind, cb Callback) (*Handle, error) {
	if cb == nil {
		return nil, &InstallError{Kind: kind, Reason: "invalid callback", Err: ErrNilCallback}
	}
	if i.platform == nil {
		return nil, &InstallError{Kind: kind, Reason: "no platform", Err: ErrUnsupportedPlatform}
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if existing, ok := i.active[kind]; ok {
		if existing.Removed() {
			return nil, &InstallError{
				Kind:   kind,
				Reason: "previous hook " + existing.ID.String() + " was not released",
				Err:    ErrReleaseFailed,
			}
		}
		return nil, &InstallError{
			Kind:   kind,
			Reason: "duplicate kind (active handle " + existing.ID.String() + ")",
			Err:    ErrDuplicateKind,
		}
	}

	h := &Handle{
		ID:          uuid.New(),
		Kind:        kind,
		InstalledAt: i.clock(),
		cb:          cb,
		log:         i.log.With().Stringer("kind", kind).Logger(),
		budget:      i.budget,
	}

	reg, err := i.platform.Register(kind, h.deliver)
	if err != nil {
		return nil, &InstallError{Kind: kind, Reason: "platform refused registration", Err: err}
	}
	h.reg = reg
	i.active[kind] = h

	i.log.Info().Stringer("kind", kind).Str("handle", h.ID.String()).Msg("Hook installed")
	return h, nil
}

// Uninstall removes h. It is a no-op for nil or already removed handles and
// is safe while a callback for h is in flight.
//
// If the platform fails to release the hook, h stops delivering but stays
// the active handle for its kind, so Install of that kind keeps failing with
// ErrReleaseFailed until a later Uninstall(h) succeeds.
func (i *Installer) Uninstall(h *Handle) error {
	if h == nil {
		return nil
	}

	// Hold the lock across Release so a concurrent Install of the same kind
	// cannot register while the old platform hook is still live.
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.active[h.Kind] != h {
		h.removed.Store(true)
		return nil
	}
	h.removed.Store(true)

	if h.reg != nil {
		if err := h.reg.Release(); err != nil {
			i.log.Warn().Err(err).Stringer("kind", h.Kind).Str("handle", h.ID.String()).Msg("Hook release failed, kind stays blocked")
			return err
		}
	}
	delete(i.active, h.Kind)
	i.log.Info().Stringer("kind", h.Kind).Str("handle", h.ID.String()).Msg("Hook uninstalled")
	return nil
}

// UninstallAll removes every active hook.
func (i *Installer) UninstallAll() error {
	i.mu.Lock()
	handles := make([]*Handle, 0, len(i.active))
	for _, kind := range Kinds {
		if h, ok := i.active[kind]; ok {
			handles = append(handles, h)
		}
	}
	i.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := i.Uninstall(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Active returns the installed handle for kind, or nil. A handle whose
// release failed is still returned and reports Removed.
func (i *Installer) Active(kind Kind) *Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active[kind]
}
