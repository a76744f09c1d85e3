// Package eventbus fans engine events out to subscribers without ever
// blocking the publisher.
package eventbus

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/workerutil"
)

// Kind names a boundary event.
type Kind string

const (
	ShowDesktopDetected    Kind = "show-desktop-detected"
	ShowDesktopIntercepted Kind = "show-desktop-intercepted"
)

// Interception sources.
const (
	SourceKeyboard = "keyboard"
	SourcePointer  = "pointer"
)

// Event is published on the bus and serialized as-is by the bridges.
type Event struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Windows   int       `json:"windows,omitempty"`
	Source    string    `json:"source,omitempty"`
}

// Handler receives events on the bus worker goroutine.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(Event) bool
}

const DefaultCapacity = 64

type subscriber struct {
	id   uint64
	name string
	fn   Handler
}

// Bus queues events and delivers them to subscribers in publish order.
type Bus struct {
	log   zerolog.Logger
	queue chan Event

	mu     sync.RWMutex
	closed bool
	subs   map[uint64]subscriber
	nextID uint64

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
	cancel    context.CancelFunc

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a bus with a queue of the given capacity (DefaultCapacity if
// not positive).
func New(log zerolog.Logger, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		log:   log.With().Str("component", "eventbus").Logger(),
		queue: make(chan Event, capacity),
		subs:  make(map[uint64]subscriber),
	}
}

// Publish enqueues ev and returns immediately. It returns false if the queue
// is full or the bus is closed; the event is then dropped and counted.
func (b *Bus) Publish(ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.queue <- ev:
		b.published.Add(1)
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Subscribe registers fn under name and returns a func that removes it.
func (b *Bus) Subscribe(name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscriber{id: id, name: name, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Start launches the delivery worker. Later calls are no-ops. ctx only
// bounds panic restarts; Close is the way to stop the worker.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		b.cancel = cancel
		workerutil.RunWithPanicRecovery(ctx, "eventbus", &b.wg, b.run, workerutil.RecoveryOptions{
			Logger: &b.log,
		})
	})
}

// run delivers until Close closes the queue. Cancelling the Start context
// does not stop delivery.
func (b *Bus) run(context.Context) {
	for ev := range b.queue {
		b.dispatch(ev)
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("subscriber", s.name).
				Str("event", string(ev.Kind)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Subscriber panicked")
		}
	}()
	s.fn(ev)
}

// Close stops accepting events, delivers what is already queued and waits
// for the worker. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()
		b.wg.Wait()
		if b.cancel != nil {
			b.cancel()
		}
		if n := b.dropped.Load(); n > 0 {
			b.log.Warn().Uint64("dropped", n).Msg("Events dropped during session")
		}
	})
}

// Published returns the number of accepted events.
func (b *Bus) Published() uint64 { return b.published.Load() }

// Dropped returns the number of events lost to a full queue or a closed bus.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
