// Package workerutil runs background goroutines that survive panics.
package workerutil

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetries     = 10
)

// RecoveryOptions configures RunWithPanicRecovery. Zero values select the
// defaults (100ms initial backoff, 5s cap, 10 attempts). MaxRetries of 1 runs
// the worker once without restarts.
type RecoveryOptions struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int

	// OnPanic runs after each recovered panic, attempt is 1-based.
	OnPanic func(worker string, attempt int)
	// OnFatal runs once MaxRetries panics have been recovered.
	OnFatal func(worker string, maxRetries int)
	// IsShutdown stops restarts during teardown.
	IsShutdown func() bool

	Logger *zerolog.Logger
}

func (opts RecoveryOptions) applyDefaults() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return opts
}

// RunWithPanicRecovery starts fn in a goroutine tracked by wg. A panic in fn
// is logged and fn is restarted with exponential backoff until it returns
// normally, ctx is cancelled, IsShutdown reports true or MaxRetries is hit.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	opts = opts.applyDefaults()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runRecoveryLoop(ctx, name, fn, opts)
	}()
}

func runRecoveryLoop(
	ctx context.Context,
	name string,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	log := opts.Logger.With().Str("worker", name).Logger()
	restartDelay := opts.InitialBackoff

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("Background worker recovered from panic")
					panicked = true
				}
			}()
			fn(ctx)
		}()

		if !panicked || ctx.Err() != nil {
			return
		}
		if opts.IsShutdown != nil && opts.IsShutdown() {
			log.Info().Msg("Shutdown in progress, not restarting worker")
			return
		}

		log.Warn().Dur("restart_delay", restartDelay).Int("attempt", attempt+1).Msg("Restarting worker after panic")
		if opts.OnPanic != nil {
			opts.OnPanic(name, attempt+1)
		}

		// No restart follows the last attempt.
		if attempt == opts.MaxRetries-1 {
			break
		}

		timer := time.NewTimer(restartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		restartDelay = nextBackoff(restartDelay, opts.MaxBackoff)
	}

	log.Error().Int("max_retries", opts.MaxRetries).Msg("Worker exceeded max retries, giving up")
	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

// nextBackoff doubles current up to maxBackoff, guarding against overflow.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	if current <= 0 {
		return defaultInitialBackoff
	}
	if current >= maxBackoff {
		return maxBackoff
	}
	next := current * 2
	if next > maxBackoff || next < current {
		return maxBackoff
	}
	return next
}
