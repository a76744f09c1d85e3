package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/app"
	"github.com/petems/showdesk-guard/internal/autostart"
	"github.com/petems/showdesk-guard/internal/bridge/pipe"
	"github.com/petems/showdesk-guard/internal/bridge/wsserver"
	"github.com/petems/showdesk-guard/internal/config"
	"github.com/petems/showdesk-guard/internal/hook"
	"github.com/petems/showdesk-guard/internal/inject"
	"github.com/petems/showdesk-guard/internal/logging"
	"github.com/petems/showdesk-guard/internal/permissions"
	"github.com/petems/showdesk-guard/internal/region"
	"github.com/petems/showdesk-guard/internal/tray"
	"github.com/petems/showdesk-guard/internal/workerutil"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	out, closeLog, logErr := logging.Output()
	defer closeLog()

	// Load config from %APPDATA% (XDG elsewhere)
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log, _ := logging.New(out, "")
		log.Fatal().Err(err).Str("path", cfgPath).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log, err := logging.New(out, cfg.Log.Level)
	if err != nil {
		log.Warn().Err(err).Msg("Falling back to info level")
	}
	if logErr != nil {
		log.Warn().Err(logErr).Msg("Logging to console only")
	}

	// Hook callbacks run on OS dispatch threads and must never wait on I/O.
	hookOut := logging.NonBlocking(out, func(missed int) {
		log.Warn().Int("missed", missed).Msg("Hook log messages dropped")
	})
	defer hookOut.Close()
	hookLog := log.Output(hookOut)

	permissions.EnsurePermissions(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(tray.Options{
		Config:     cfg,
		ConfigPath: cfgPath,
		Autostart:  autostart.New(),
		Version:    Version,
		Commit:     Commit,
		Logger:     log,
		OnQuit:     cancel,
	})

	application, err := app.New(app.Config{
		Platform:      hook.NewPlatform(hookLog),
		Tree:          region.NewShellTree(),
		Injector:      inject.New(),
		Config:        cfg,
		Logger:        log,
		HookLogger:    hookLog,
		StatusUpdater: trayUI,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	trayUI.SetApp(application)

	stopBridges := startBridges(ctx, cfg, application, log)
	defer stopBridges()

	applyAutostart(cfg.RunAtLogin, log)

	var workers sync.WaitGroup
	workerutil.RunWithPanicRecovery(ctx, "config-watch", &workers, func(ctx context.Context) {
		err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			if err := application.Reconfigure(next); err != nil {
				log.Error().Err(err).Msg("Failed to apply reloaded config")
			}
			applyAutostart(next.RunAtLogin, log)
			trayUI.Refresh(next)
			log.Info().Str("path", cfgPath).Msg("Config reloaded")
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config hot reload unavailable")
		}
	}, workerutil.RecoveryOptions{Logger: &log})

	log.Info().Str("version", Version).Str("commit", Commit).Msg("ShowDesk Guard starting...")

	if err := application.Start(ctx); err != nil {
		var ie *hook.InstallError
		if errors.As(err, &ie) && errors.Is(err, hook.ErrUnsupportedPlatform) {
			log.Error().Err(err).Msg("Global hooks are unavailable on this platform")
		} else {
			log.Error().Err(err).Msg("Some hooks could not be installed")
		}
	}

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Tray error")
	}

	log.Info().Msg("Shutting down...")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	workers.Wait()
}

// startBridges starts the configured event bridges and subscribes them to the
// engine's bus. The returned func stops them.
func startBridges(ctx context.Context, cfg *config.Config, application *app.App, log zerolog.Logger) func() {
	var stops []func()

	if cfg.Bridge.WebSocket.Enabled {
		hub := wsserver.NewHub(wsserver.HubOptions{Addr: cfg.Bridge.WebSocket.Addr, Logger: log})
		if err := hub.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start WebSocket bridge")
		} else {
			unsubscribe := application.Bus().Subscribe("websocket", hub.Broadcast)
			stops = append(stops, func() {
				unsubscribe()
				hub.Stop()
			})
		}
	}

	if cfg.Bridge.Pipe.Enabled {
		srv := pipe.NewServer(cfg.Bridge.Pipe.Name, application, log)
		switch err := srv.Start(); {
		case errors.Is(err, pipe.ErrUnsupportedPlatform):
			log.Debug().Msg("Pipe bridge not available on this platform")
		case err != nil:
			log.Error().Err(err).Msg("Failed to start pipe bridge")
		default:
			unsubscribe := application.Bus().Subscribe("pipe", srv.Broadcast)
			stops = append(stops, func() {
				unsubscribe()
				srv.Stop()
			})
		}
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
}

func applyAutostart(want bool, log zerolog.Logger) {
	exe, err := os.Executable()
	if err != nil {
		log.Warn().Err(err).Msg("Cannot resolve executable for start at login")
		return
	}
	err = autostart.Apply(autostart.New(), want, exe)
	switch {
	case errors.Is(err, autostart.ErrUnsupportedPlatform):
		log.Debug().Msg("Start at login not supported on this platform")
	case err != nil:
		log.Warn().Err(err).Msg("Failed to update start at login")
	}
}
