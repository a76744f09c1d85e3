package tray

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/app"
	"github.com/petems/showdesk-guard/internal/autostart"
	"github.com/petems/showdesk-guard/internal/config"
	"github.com/petems/showdesk-guard/internal/hook"
	"github.com/petems/showdesk-guard/internal/logging"
)

type UI struct {
	app        *app.App
	cfg        *config.Config // initial state for the menu only
	cfgPath    string
	autostart  autostart.Autostart
	version    string
	commit     string
	log        zerolog.Logger
	onQuit     func()
	readyCh    chan struct{}

	mu         sync.Mutex
	lastStatus string
	runAtLogin bool

	// Menu items
	mStatus     *systray.MenuItem
	mKeyboard   *systray.MenuItem
	mPointer    *systray.MenuItem
	mBurst      *systray.MenuItem
	mPause      *systray.MenuItem
	mRelocate   *systray.MenuItem
	mRunAtLogin *systray.MenuItem
}

// Options configures the tray.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Autostart  autostart.Autostart // nil disables the toggle
	Version    string
	Commit     string
	Logger     zerolog.Logger
	// OnQuit runs on the tray goroutine after the menu's Quit is chosen and
	// before the tray loop exits.
	OnQuit func()
}

// Status update methods for the app to call
func (u *UI) SetArmed() {
	u.updateStatus("armed")
}

func (u *UI) SetPaused() {
	u.updateStatus("paused")
}

func (u *UI) SetDegraded() {
	u.updateStatus("degraded")
}

func (u *UI) SetStopped() {
	u.updateStatus("stopped")
}

func New(opts Options) *UI {
	return &UI{
		cfg:        opts.Config,
		cfgPath:    opts.ConfigPath,
		autostart:  opts.Autostart,
		version:    opts.Version,
		commit:     opts.Commit,
		log:        opts.Logger.With().Str("component", "tray").Logger(),
		onQuit:     opts.OnQuit,
		readyCh:    make(chan struct{}),
		lastStatus: "stopped",
		runAtLogin: opts.Config.RunAtLogin,
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the systray loop. It must be called from the main goroutine.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			systray.Quit()
		case <-u.readyCh:
			<-ctx.Done()
			systray.Quit()
		}
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	systray.SetTooltip("Show desktop guard")

	u.mStatus = systray.AddMenuItem(statusLabel(u.currentStatus()), "Current engine state")
	u.mStatus.Disable()
	systray.AddSeparator()

	u.mKeyboard = systray.AddMenuItemCheckbox(fmt.Sprintf("Intercept %s", u.cfg.Chord), "Swallow the show desktop chord", u.cfg.Intercept.Keyboard)
	u.mPointer = systray.AddMenuItemCheckbox("Intercept taskbar button", "Swallow clicks on the show desktop button", u.cfg.Intercept.Pointer)
	u.mBurst = systray.AddMenuItemCheckbox("Detect minimize bursts", "Report minimize-all bursts to subscribers", u.cfg.Intercept.WindowState)
	u.mPause = systray.AddMenuItemCheckbox("Pause", "Let every gesture through", false)
	systray.AddSeparator()

	u.mRelocate = systray.AddMenuItem("Re-locate Show Desktop button", "Look up the taskbar button again")
	u.mRunAtLogin = systray.AddMenuItemCheckbox("Start at login", "Start on sign-in", u.cfg.RunAtLogin)
	if u.autostart == nil {
		u.mRunAtLogin.Disable()
	}

	systray.AddSeparator()
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About ShowDesk Guard")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	close(u.readyCh)
	u.updateStatus(u.currentStatus())

	// Event loop
	go u.handleEvents(mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mKeyboard.ClickedCh:
			u.toggleIntercept(hook.KindKeyboard, u.mKeyboard)
		case <-u.mPointer.ClickedCh:
			u.toggleIntercept(hook.KindPointer, u.mPointer)
		case <-u.mBurst.ClickedCh:
			u.toggleIntercept(hook.KindWindowState, u.mBurst)
		case <-u.mPause.ClickedCh:
			u.togglePause()
		case <-u.mRelocate.ClickedCh:
			u.relocate()
		case <-u.mRunAtLogin.ClickedCh:
			u.toggleRunAtLogin()
		case <-mLogs.ClickedCh:
			u.openLogs()
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			if u.onQuit != nil {
				u.onQuit()
			}
			systray.Quit()
			return
		}
	}
}

func (u *UI) toggleIntercept(kind hook.Kind, item *systray.MenuItem) {
	want := !u.app.Intercept(kind)
	err := u.app.SetIntercept(kind, want)
	setChecked(item, u.app.Intercept(kind))
	if err != nil {
		u.log.Error().Err(err).Stringer("kind", kind).Msg("Failed to change interception")
		return
	}
	u.save()
	u.log.Info().Stringer("kind", kind).Bool("enabled", want).Msg("Changed interception")
}

func (u *UI) togglePause() {
	paused := !u.app.Paused()
	u.app.SetPaused(paused)
	setChecked(u.mPause, paused)
}

func (u *UI) relocate() {
	r, err := u.app.Relocate()
	if err != nil {
		u.log.Warn().Err(err).Stringer("region", r).Msg("Re-locate finished with fallback")
		return
	}
	u.log.Info().Stringer("region", r).Msg("Re-located show desktop button")
}

func (u *UI) toggleRunAtLogin() {
	if u.autostart == nil {
		return
	}
	u.mu.Lock()
	want := !u.runAtLogin
	u.mu.Unlock()
	exe, err := os.Executable()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to resolve executable path")
		return
	}
	if err := autostart.Apply(u.autostart, want, exe); err != nil {
		u.log.Error().Err(err).Msg("Failed to change start at login")
		return
	}
	u.mu.Lock()
	u.runAtLogin = want
	u.mu.Unlock()
	setChecked(u.mRunAtLogin, want)
	u.save()
	u.log.Info().Bool("enabled", want).Msg("Changed start at login")
}

// save persists the engine's live config plus the tray-owned settings.
func (u *UI) save() {
	if u.cfgPath == "" {
		return
	}
	cfg := u.app.Config()
	u.mu.Lock()
	cfg.RunAtLogin = u.runAtLogin
	u.mu.Unlock()
	if err := cfg.Save(u.cfgPath); err != nil {
		u.log.Error().Err(err).Msg("Failed to save config")
	}
}

// Refresh brings the menu in line with a reloaded config.
func (u *UI) Refresh(cfg *config.Config) {
	u.mu.Lock()
	u.runAtLogin = cfg.RunAtLogin
	u.mu.Unlock()

	select {
	case <-u.readyCh:
	default:
		return
	}
	u.mKeyboard.SetTitle(fmt.Sprintf("Intercept %s", cfg.Chord))
	setChecked(u.mKeyboard, cfg.Intercept.Keyboard)
	setChecked(u.mPointer, cfg.Intercept.Pointer)
	setChecked(u.mBurst, cfg.Intercept.WindowState)
	setChecked(u.mRunAtLogin, cfg.RunAtLogin)
}

func (u *UI) openLogs() {
	path := logging.Path()
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("notepad.exe", path)
	case "darwin":
		cmd = exec.Command("open", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		u.log.Error().Err(err).Str("path", path).Msg("Failed to open log file")
	}
}

func (u *UI) showAbout() {
	u.log.Info().Str("version", u.version).Str("commit", u.commit).Msg("ShowDesk Guard")
	systray.SetTooltip(fmt.Sprintf("ShowDesk Guard %s (%s)", u.version, u.commit))
}

func (u *UI) onExit() {
	// Cleanup
}

func setChecked(item *systray.MenuItem, checked bool) {
	if checked {
		item.Check()
	} else {
		item.Uncheck()
	}
}

// updateStatus sets the tray title and status row. Calls before the tray is
// ready only record the status.
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastStatus = status
	select {
	case <-u.readyCh:
	default:
		return
	}
	systray.SetTitle(fmt.Sprintf("🖥 %s", emojiForStatus(status)))
	u.mStatus.SetTitle(statusLabel(status))
}

func (u *UI) currentStatus() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastStatus
}

func statusLabel(status string) string {
	return "Status: " + status
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "armed":
		return "🟢" // Green - intercepting
	case "paused":
		return "🟡" // Yellow - hooks live, gestures pass through
	case "degraded":
		return "🟠" // Orange - a hook failed or the button was approximated
	case "stopped":
		return "⚪️" // White - no hooks
	default:
		return "🟢"
	}
}
