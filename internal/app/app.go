package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/burst"
	"github.com/petems/showdesk-guard/internal/config"
	"github.com/petems/showdesk-guard/internal/eventbus"
	"github.com/petems/showdesk-guard/internal/gesture"
	"github.com/petems/showdesk-guard/internal/hook"
	"github.com/petems/showdesk-guard/internal/inject"
	"github.com/petems/showdesk-guard/internal/region"
)

const maskTimeout = time.Second

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetArmed()
	SetPaused()
	SetDegraded()
	SetStopped()
}

type Config struct {
	Platform hook.Platform
	Tree     region.ShellTree
	Injector inject.Injector
	Config   *config.Config
	Logger   zerolog.Logger
	// HookLogger is used from hook callbacks and must not block.
	HookLogger    zerolog.Logger
	StatusUpdater StatusUpdater // Optional - can be nil
	Clock         func() time.Time
}

// App owns every piece of engine state. Nothing in the engine is global.
type App struct {
	installer *hook.Installer
	matcher   *gesture.Matcher
	locator   *region.Locator
	hits      *region.HitTester
	detector  *burst.Detector
	bus       *eventbus.Bus
	inj       inject.Injector
	log       zerolog.Logger
	hookLog   zerolog.Logger
	status    StatusUpdater
	clock     func() time.Time

	maskModifier   atomic.Bool
	pointerSwallow atomic.Bool // a swallowed left-down awaits its up
	paused         atomic.Bool
	intercepts     atomic.Uint64

	mu          sync.Mutex
	cfg         *config.Config
	started     bool
	closed      bool
	degraded    bool
	installErrs map[hook.Kind]error
}

// New builds the engine from cfg. Hooks are not installed until Start.
func New(cfg Config) (*App, error) {
	if cfg.Config == nil {
		cfg.Config = config.Default()
	}
	if err := cfg.Config.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	chord, err := gesture.ParseChord(cfg.Config.Chord)
	if err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	log := cfg.Logger.With().Str("component", "engine").Logger()
	bus := eventbus.New(cfg.Logger, cfg.Config.EventQueue)
	detector, err := burst.New(cfg.Config.BurstParams(), bus, cfg.HookLogger)
	if err != nil {
		return nil, err
	}

	locator := region.NewLocator(cfg.Tree, cfg.Logger)
	locator.FallbackWidth = cfg.Config.Region.FallbackWidth
	locator.FallbackHeight = cfg.Config.Region.FallbackHeight

	a := &App{
		installer: hook.NewInstaller(hook.InstallerConfig{
			Platform: cfg.Platform,
			Logger:   cfg.HookLogger,
			Budget:   cfg.Config.Hook.CallbackBudget.Std(),
			Clock:    clock,
		}),
		matcher:     gesture.NewMatcher(chord),
		locator:     locator,
		hits:        region.NewHitTester(region.Uninitialized),
		detector:    detector,
		bus:         bus,
		inj:         cfg.Injector,
		log:         log,
		hookLog:     cfg.HookLogger,
		status:      cfg.StatusUpdater,
		clock:       clock,
		cfg:         cfg.Config,
		installErrs: make(map[hook.Kind]error),
	}
	a.maskModifier.Store(cfg.Config.MaskModifier)
	return a, nil
}

// SetStatusUpdater attaches the status sink after construction.
func (a *App) SetStatusUpdater(s StatusUpdater) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
}

// Bus returns the engine's event bus for subscribers.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Start locates the show-desktop button and installs every enabled hook.
// Install failures are reported, not retried; the hooks that did install
// stay active.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errors.New("engine has been shut down")
	}
	if a.started {
		a.mu.Unlock()
		return errors.New("engine already started")
	}
	a.started = true
	a.mu.Unlock()

	a.bus.Start(ctx)

	_, locErr := a.Relocate()
	if locErr != nil {
		a.log.Warn().Err(locErr).Msg("Show desktop button lookup incomplete")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for _, kind := range hook.Kinds {
		if !a.wantsLocked(kind) {
			continue
		}
		if err := a.setHookLocked(kind, true); err != nil {
			errs = append(errs, err)
		}
	}
	a.degraded = locErr != nil
	a.pushStatusLocked()

	a.log.Info().Str("chord", a.matcher.Chord().String()).Int("hook_errors", len(errs)).Msg("Engine started")
	return errors.Join(errs...)
}

// Shutdown removes every hook, clears gesture state and drains the bus.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	a.closed = true
	a.mu.Unlock()

	err := a.installer.UninstallAll()
	a.matcher.Reset()
	a.detector.Reset()
	a.pointerSwallow.Store(false)

	done := make(chan struct{})
	go func() {
		a.bus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn().Msg("Event bus did not drain before shutdown deadline")
	}

	a.mu.Lock()
	a.installErrs = make(map[hook.Kind]error)
	if a.status != nil {
		a.status.SetStopped()
	}
	a.mu.Unlock()

	a.log.Info().Msg("Engine stopped")
	return err
}

// Relocate re-runs the show-desktop button lookup and swaps the hit region.
// On total failure the region becomes uninitialized and pointer events pass
// through.
func (a *App) Relocate() (region.ScreenRegion, error) {
	a.mu.Lock()
	r, err := a.locator.Locate()
	a.hits.Update(r)
	if a.started {
		a.degraded = err != nil
		a.pushStatusLocked()
	}
	a.mu.Unlock()

	a.log.Info().Stringer("region", r).Bool("valid", r.Valid()).Msg("Show desktop region updated")
	return r, err
}

// Reconfigure applies a reloaded configuration.
func (a *App) Reconfigure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}
	chord, err := gesture.ParseChord(cfg.Chord)
	if err != nil {
		return fmt.Errorf("reconfigure: %w", err)
	}

	a.mu.Lock()
	if chord.String() != a.matcher.Chord().String() {
		a.matcher.SetChord(chord)
		a.log.Info().Str("chord", chord.String()).Msg("Chord changed")
	}
	if err := a.detector.SetConfig(cfg.BurstParams()); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("reconfigure: %w", err)
	}
	a.maskModifier.Store(cfg.MaskModifier)

	relocate := a.locator.FallbackWidth != cfg.Region.FallbackWidth ||
		a.locator.FallbackHeight != cfg.Region.FallbackHeight
	a.locator.FallbackWidth = cfg.Region.FallbackWidth
	a.locator.FallbackHeight = cfg.Region.FallbackHeight
	a.cfg = cfg

	var errs []error
	if a.started {
		for _, kind := range hook.Kinds {
			if err := a.setHookLocked(kind, a.wantsLocked(kind)); err != nil {
				errs = append(errs, err)
			}
		}
		a.pushStatusLocked()
	}
	a.mu.Unlock()

	if relocate {
		if _, err := a.Relocate(); err != nil {
			a.log.Warn().Err(err).Msg("Show desktop button lookup incomplete")
		}
	}
	return errors.Join(errs...)
}

// SetIntercept turns interception of kind on or off. The config file is the
// caller's to save.
func (a *App) SetIntercept(kind hook.Kind, enabled bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch kind {
	case hook.KindKeyboard:
		a.cfg.Intercept.Keyboard = enabled
	case hook.KindPointer:
		a.cfg.Intercept.Pointer = enabled
	case hook.KindWindowState:
		a.cfg.Intercept.WindowState = enabled
	default:
		return fmt.Errorf("unknown hook kind %s", kind)
	}
	if !a.started {
		return nil
	}
	err := a.setHookLocked(kind, enabled)
	a.pushStatusLocked()
	return err
}

// SetPaused keeps hooks installed but passes every gesture through.
func (a *App) SetPaused(paused bool) {
	a.paused.Store(paused)
	a.matcher.SetEnabled(!paused)
	a.hits.SetEnabled(!paused)
	if paused {
		a.pointerSwallow.Store(false)
	}

	a.mu.Lock()
	if a.started {
		a.pushStatusLocked()
	}
	a.mu.Unlock()
	a.log.Info().Bool("paused", paused).Msg("Interception pause changed")
}

// Config returns a copy of the live configuration.
func (a *App) Config() config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.cfg
}

// Paused reports whether interception is paused.
func (a *App) Paused() bool { return a.paused.Load() }

// Intercept reports whether interception of kind is configured on.
func (a *App) Intercept(kind hook.Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.wantsLocked(kind)
}

func (a *App) wantsLocked(kind hook.Kind) bool {
	switch kind {
	case hook.KindKeyboard:
		return a.cfg.Intercept.Keyboard
	case hook.KindPointer:
		return a.cfg.Intercept.Pointer
	case hook.KindWindowState:
		return a.cfg.Intercept.WindowState
	}
	return false
}

func (a *App) setHookLocked(kind hook.Kind, want bool) error {
	active := a.installer.Active(kind)
	live := active != nil && !active.Removed()
	switch {
	case want && live, !want && active == nil:
		return nil
	}
	if !want {
		err := a.installer.Uninstall(active)
		if err != nil {
			a.installErrs[kind] = err
			a.log.Error().Err(err).Stringer("kind", kind).Msg("Hook release failed")
		} else {
			delete(a.installErrs, kind)
		}
		switch kind {
		case hook.KindKeyboard:
			a.matcher.Reset()
		case hook.KindPointer:
			a.pointerSwallow.Store(false)
		}
		return err
	}

	_, err := a.installer.Install(kind, a.callbackFor(kind))
	if err != nil {
		a.installErrs[kind] = err
		a.log.Error().Err(err).Stringer("kind", kind).Msg("Hook install failed")
		return err
	}
	delete(a.installErrs, kind)
	return nil
}

func (a *App) callbackFor(kind hook.Kind) hook.Callback {
	switch kind {
	case hook.KindKeyboard:
		return a.onKeyboard
	case hook.KindPointer:
		return a.onPointer
	default:
		return a.onWindowState
	}
}

func (a *App) pushStatusLocked() {
	if a.status == nil {
		return
	}
	switch {
	case len(a.installErrs) > 0 || a.degraded:
		a.status.SetDegraded()
	case a.paused.Load():
		a.status.SetPaused()
	default:
		a.status.SetArmed()
	}
}

func (a *App) eventTime(ev hook.Event) time.Time {
	if ev.Time.IsZero() {
		return a.clock()
	}
	return ev.Time
}

// Hook callbacks run on platform threads: no locks beyond the components'
// own short sections, no blocking I/O.

func (a *App) onKeyboard(ev hook.Event) hook.Decision {
	d := a.matcher.OnKey(ev.Key)
	if d != hook.Swallow {
		return d
	}

	a.intercepts.Add(1)
	a.hookLog.Debug().Uint32("vk", ev.Key.Code).Msg("Chord swallowed")
	a.bus.Publish(eventbus.Event{
		Kind:      eventbus.ShowDesktopIntercepted,
		Timestamp: a.eventTime(ev),
		Source:    eventbus.SourceKeyboard,
	})
	if a.maskModifier.Load() && a.matcher.Chord().UsesWin() && a.inj != nil {
		go a.sendMask()
	}
	return d
}

func (a *App) sendMask() {
	ctx, cancel := context.WithTimeout(context.Background(), maskTimeout)
	defer cancel()
	if err := a.inj.MaskModifierRelease(ctx); err != nil {
		a.log.Warn().Err(err).Msg("Failed to send mask key")
	}
}

func (a *App) onPointer(ev hook.Event) hook.Decision {
	if ev.Pointer.Injected {
		return hook.PassThrough
	}
	switch ev.Pointer.Button {
	case hook.PointerLeftDown:
		if a.hits.OnPointerDown(ev.Pointer.Pt) != hook.Swallow {
			return hook.PassThrough
		}
		a.pointerSwallow.Store(true)
		a.intercepts.Add(1)
		a.bus.Publish(eventbus.Event{
			Kind:      eventbus.ShowDesktopIntercepted,
			Timestamp: a.eventTime(ev),
			Source:    eventbus.SourcePointer,
		})
		return hook.Swallow
	case hook.PointerLeftUp:
		// The up that completes a swallowed down is swallowed too, wherever
		// the pointer has moved, so the button never sees half a click.
		if a.pointerSwallow.CompareAndSwap(true, false) {
			return hook.Swallow
		}
	}
	return hook.PassThrough
}

func (a *App) onWindowState(ev hook.Event) hook.Decision {
	a.detector.OnWindowStateNotification(ev.Window.Window, ev.Window.State, a.eventTime(ev))
	return hook.PassThrough
}
