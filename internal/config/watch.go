package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config at path whenever it changes and passes each valid
// result to onChange. Invalid files are logged and skipped, so the previous
// config stays in effect. Watch blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file, because editors
// commonly save by writing a new file and renaming it over the old one.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("watch config: mkdir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch config %s: %w", dir, err)
	}

	name := filepath.Clean(path)
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				restartTimer(timer, reloadDebounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Config reload failed, keeping current settings")
				continue
			}
			log.Info().Str("path", path).Msg("Config reloaded")
			onChange(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

// restartTimer re-arms t for d and discards a tick that fired but was never
// received, so the next tick comes a full d from now.
func restartTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
