// Package burst infers a "show desktop" action from a burst of window
// minimize notifications.
//
// This is a heuristic. Several windows minimized individually in quick
// succession will be reported, and a slow shell may minimize too few windows
// inside the window to be noticed.
package burst

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/eventbus"
	"github.com/petems/showdesk-guard/internal/hook"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 500 * time.Millisecond
	DefaultCooldown  = time.Second
)

// Config tunes the detector.
type Config struct {
	// Threshold is the number of minimize-starts inside Window that counts
	// as a burst.
	Threshold int
	Window    time.Duration
	// Cooldown suppresses detection after a burst fires.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Window: DefaultWindow, Cooldown: DefaultCooldown}
}

func (c Config) Validate() error {
	var errs []error
	if c.Threshold < 1 {
		errs = append(errs, fmt.Errorf("threshold must be at least 1, got %d", c.Threshold))
	}
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive, got %s", c.Window))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown))
	}
	return errors.Join(errs...)
}

type minimizeEvent struct {
	window uintptr
	at     time.Time
}

// Detector keeps a sliding window of minimize-start notifications.
type Detector struct {
	pub eventbus.Publisher
	log zerolog.Logger

	mu            sync.Mutex
	cfg           Config
	entries       []minimizeEvent
	newest        time.Time
	cooldownUntil time.Time
	detections    uint64
}

// New returns a detector publishing to pub.
func New(cfg Config, pub eventbus.Publisher, log zerolog.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("burst config: %w", err)
	}
	return &Detector{
		pub:     pub,
		log:     log.With().Str("component", "burst").Logger(),
		cfg:     cfg,
		entries: make([]minimizeEvent, 0, cfg.Threshold),
	}, nil
}

// OnWindowStateNotification records a notification and reports whether it
// completed a burst. Only MinimizeStart counts. Timestamps older than the
// newest one seen are treated as arriving at the newest time.
func (d *Detector) OnWindowStateNotification(window uintptr, kind hook.WindowStateKind, ts time.Time) bool {
	if kind != hook.WindowMinimizeStart {
		return false
	}

	d.mu.Lock()
	if ts.Before(d.newest) {
		ts = d.newest
	}
	d.newest = ts

	if ts.Before(d.cooldownUntil) {
		d.mu.Unlock()
		return false
	}

	d.pruneLocked(ts)
	d.entries = append(d.entries, minimizeEvent{window: window, at: ts})

	if len(d.entries) < d.cfg.Threshold {
		d.mu.Unlock()
		return false
	}

	windows := len(d.entries)
	d.entries = d.entries[:0]
	d.cooldownUntil = ts.Add(d.cfg.Cooldown)
	d.detections++
	d.mu.Unlock()

	ev := eventbus.Event{Kind: eventbus.ShowDesktopDetected, Timestamp: ts, Windows: windows}
	if d.pub != nil && !d.pub.Publish(ev) {
		d.log.Warn().Int("windows", windows).Msg("Show desktop detected but event bus is full")
	}
	return true
}

// pruneLocked drops entries at or before now-Window.
func (d *Detector) pruneLocked(now time.Time) {
	windowStart := now.Add(-d.cfg.Window)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if e.at.After(windowStart) {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}

// SetConfig swaps the tuning. The pending window is pruned against the new
// span on the next notification; an active cooldown is kept.
func (d *Detector) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("burst config: %w", err)
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return nil
}

func (d *Detector) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Reset forgets pending notifications and any cooldown.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = d.entries[:0]
	d.newest = time.Time{}
	d.cooldownUntil = time.Time{}
}

// Pending returns how many notifications are in the current window.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Detector) Detections() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.detections
}
