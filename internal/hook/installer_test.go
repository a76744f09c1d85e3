package hook

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakePlatform records registrations and lets tests deliver events the way
// the OS would.
type fakePlatform struct {
	mu        sync.Mutex
	live      map[Kind]*fakeRegistration
	refuse    error
	stuck     error // returned by Release, which then leaves the hook live
	released  int
	maxActive map[Kind]int
}

type fakeRegistration struct {
	p        *fakePlatform
	kind     Kind
	dispatch Callback
	once     sync.Once
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		live:      make(map[Kind]*fakeRegistration),
		maxActive: make(map[Kind]int),
	}
}

func (p *fakePlatform) Register(kind Kind, dispatch Callback) (Registration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse != nil {
		return nil, p.refuse
	}
	if _, ok := p.live[kind]; ok {
		p.maxActive[kind] = 2
		return nil, errors.New("platform already has a hook of this kind")
	}
	reg := &fakeRegistration{p: p, kind: kind, dispatch: dispatch}
	p.live[kind] = reg
	if p.maxActive[kind] < 1 {
		p.maxActive[kind] = 1
	}
	return reg, nil
}

func (r *fakeRegistration) Release() error {
	r.p.mu.Lock()
	stuck := r.p.stuck
	r.p.mu.Unlock()
	if stuck != nil {
		return stuck
	}
	r.once.Do(func() {
		r.p.mu.Lock()
		if r.p.live[r.kind] == r {
			delete(r.p.live, r.kind)
		}
		r.p.released++
		r.p.mu.Unlock()
	})
	return nil
}

func (p *fakePlatform) deliver(kind Kind, ev Event) Decision {
	p.mu.Lock()
	reg := p.live[kind]
	p.mu.Unlock()
	if reg == nil {
		return PassThrough
	}
	return reg.dispatch(ev)
}

func newTestInstaller(p Platform) *Installer {
	return NewInstaller(InstallerConfig{Platform: p, Logger: zerolog.Nop()})
}

func TestInstallDeliversEvents(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)

	h, err := inst.Install(KindKeyboard, func(ev Event) Decision {
		if ev.Key.Code == 0x44 {
			return Swallow
		}
		return PassThrough
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if h.ID.String() == "" || h.InstalledAt.IsZero() {
		t.Fatalf("handle missing identity: %+v", h)
	}
	if got := inst.Active(KindKeyboard); got != h {
		t.Fatalf("Active() = %v, want %v", got, h)
	}

	if got := p.deliver(KindKeyboard, Event{Kind: KindKeyboard, Key: KeyEvent{Code: 0x44, Down: true}}); got != Swallow {
		t.Errorf("deliver(D) = %v, want swallow", got)
	}
	if got := p.deliver(KindKeyboard, Event{Kind: KindKeyboard, Key: KeyEvent{Code: 0x41, Down: true}}); got != PassThrough {
		t.Errorf("deliver(A) = %v, want pass-through", got)
	}
}

func TestInstallRejectsDuplicateKind(t *testing.T) {
	inst := newTestInstaller(newFakePlatform())
	cb := func(Event) Decision { return PassThrough }

	if _, err := inst.Install(KindPointer, cb); err != nil {
		t.Fatalf("first Install() error = %v", err)
	}
	_, err := inst.Install(KindPointer, cb)
	if !errors.Is(err, ErrDuplicateKind) {
		t.Fatalf("second Install() error = %v, want ErrDuplicateKind", err)
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) || installErr.Kind != KindPointer {
		t.Fatalf("expected *InstallError for pointer, got %#v", err)
	}

	// A different kind is independent.
	if _, err := inst.Install(KindKeyboard, cb); err != nil {
		t.Fatalf("Install(keyboard) error = %v", err)
	}
}

func TestInstallReportsPlatformRefusal(t *testing.T) {
	p := newFakePlatform()
	p.refuse = errors.New("access denied")
	inst := newTestInstaller(p)

	_, err := inst.Install(KindKeyboard, func(Event) Decision { return PassThrough })
	var installErr *InstallError
	if !errors.As(err, &installErr) {
		t.Fatalf("Install() error = %v, want *InstallError", err)
	}
	if installErr.Err != p.refuse {
		t.Fatalf("InstallError.Err = %v, want %v", installErr.Err, p.refuse)
	}
	if inst.Active(KindKeyboard) != nil {
		t.Fatal("refused install must not leave an active handle")
	}

	// Not retried: the platform was asked exactly once and nothing is live.
	p.refuse = nil
	if len(p.live) != 0 {
		t.Fatalf("platform has %d live registrations, want 0", len(p.live))
	}
}

func TestInstallRequiresCallbackAndPlatform(t *testing.T) {
	inst := newTestInstaller(newFakePlatform())
	if _, err := inst.Install(KindKeyboard, nil); !errors.Is(err, ErrNilCallback) {
		t.Fatalf("Install(nil) error = %v, want ErrNilCallback", err)
	}

	noPlatform := newTestInstaller(nil)
	if _, err := noPlatform.Install(KindKeyboard, func(Event) Decision { return PassThrough }); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("Install() without platform error = %v, want ErrUnsupportedPlatform", err)
	}
}

func TestUninstallIsIdempotent(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)

	h, err := inst.Install(KindWindowState, func(Event) Decision { return PassThrough })
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := inst.Uninstall(h); err != nil {
		t.Fatalf("first Uninstall() error = %v", err)
	}
	if err := inst.Uninstall(h); err != nil {
		t.Fatalf("second Uninstall() error = %v", err)
	}
	if err := inst.Uninstall(nil); err != nil {
		t.Fatalf("Uninstall(nil) error = %v", err)
	}
	if p.released != 1 {
		t.Fatalf("platform released %d times, want 1", p.released)
	}
	if !h.Removed() {
		t.Fatal("handle should report removed")
	}
	if inst.Active(KindWindowState) != nil {
		t.Fatal("no handle should be active after uninstall")
	}

	// The kind can be installed again.
	if _, err := inst.Install(KindWindowState, func(Event) Decision { return PassThrough }); err != nil {
		t.Fatalf("reinstall error = %v", err)
	}
}

func TestUninstallStopsFurtherCallbacks(t *testing.T) {
	inst := newTestInstaller(newFakePlatform())

	var calls atomic.Int32
	h, err := inst.Install(KindKeyboard, func(Event) Decision {
		calls.Add(1)
		return Swallow
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := h.deliver(Event{Kind: KindKeyboard}); got != Swallow {
		t.Fatalf("deliver before uninstall = %v, want swallow", got)
	}
	if err := inst.Uninstall(h); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	// A platform thread that captured the dispatch func before release.
	if got := h.deliver(Event{Kind: KindKeyboard}); got != PassThrough {
		t.Fatalf("deliver after uninstall = %v, want pass-through", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("callback ran %d times, want 1", calls.Load())
	}
}

func TestUninstallWhileCallbackInFlight(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)

	entered := make(chan struct{})
	release := make(chan struct{})
	h, err := inst.Install(KindPointer, func(Event) Decision {
		close(entered)
		<-release
		return Swallow
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	result := make(chan Decision, 1)
	go func() {
		result <- p.deliver(KindPointer, Event{Kind: KindPointer})
	}()
	<-entered

	if err := inst.Uninstall(h); err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	close(release)

	select {
	case got := <-result:
		if got != Swallow {
			t.Fatalf("in-flight decision = %v, want swallow", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight callback did not complete")
	}
}

func TestCallbackPanicBecomesPassThrough(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)

	h, err := inst.Install(KindKeyboard, func(ev Event) Decision {
		if ev.Key.Code == 0 {
			panic("boom")
		}
		return Swallow
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := p.deliver(KindKeyboard, Event{Kind: KindKeyboard}); got != PassThrough {
		t.Fatalf("panicking callback decision = %v, want pass-through", got)
	}
	if h.Faults() != 1 {
		t.Fatalf("Faults() = %d, want 1", h.Faults())
	}
	// The hook keeps working after a contained fault.
	if got := p.deliver(KindKeyboard, Event{Kind: KindKeyboard, Key: KeyEvent{Code: 1}}); got != Swallow {
		t.Fatalf("decision after fault = %v, want swallow", got)
	}
}

func TestFailedReleaseBlocksReinstall(t *testing.T) {
	p := newFakePlatform()
	p.stuck = errors.New("window-state hook loop stop timed out")
	inst := newTestInstaller(p)

	var calls atomic.Int32
	h, err := inst.Install(KindWindowState, func(Event) Decision {
		calls.Add(1)
		return PassThrough
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if err := inst.Uninstall(h); err == nil {
		t.Fatal("Uninstall() error = nil, want release failure")
	}
	if !h.Removed() {
		t.Fatal("handle should stop delivering after a failed release")
	}
	if got := inst.Active(KindWindowState); got != h {
		t.Fatalf("Active() = %v, want the unreleased handle", got)
	}
	p.deliver(KindWindowState, Event{Kind: KindWindowState})
	if calls.Load() != 0 {
		t.Fatalf("callback ran %d times after Uninstall", calls.Load())
	}

	_, err = inst.Install(KindWindowState, func(Event) Decision { return PassThrough })
	if !errors.Is(err, ErrReleaseFailed) {
		t.Fatalf("Install() after failed release error = %v, want ErrReleaseFailed", err)
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) || installErr.Kind != KindWindowState {
		t.Fatalf("error = %#v, want *InstallError for window-state", err)
	}
	if p.maxActive[KindWindowState] != 1 {
		t.Fatalf("platform saw %d live hooks of one kind", p.maxActive[KindWindowState])
	}

	// Once the platform lets go, a retried Uninstall clears the kind.
	p.mu.Lock()
	p.stuck = nil
	p.mu.Unlock()
	if err := inst.Uninstall(h); err != nil {
		t.Fatalf("retried Uninstall() error = %v", err)
	}
	if inst.Active(KindWindowState) != nil {
		t.Fatal("kind still active after successful release")
	}
	if _, err := inst.Install(KindWindowState, func(Event) Decision { return PassThrough }); err != nil {
		t.Fatalf("Install() after release error = %v", err)
	}
}

func TestSlowCallbackIsCountedButHonoured(t *testing.T) {
	p := newFakePlatform()
	inst := NewInstaller(InstallerConfig{Platform: p, Logger: zerolog.Nop(), Budget: time.Millisecond})

	h, err := inst.Install(KindKeyboard, func(Event) Decision {
		time.Sleep(5 * time.Millisecond)
		return Swallow
	})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if got := p.deliver(KindKeyboard, Event{Kind: KindKeyboard}); got != Swallow {
		t.Fatalf("decision = %v, want swallow", got)
	}
	if h.SlowDeliveries() != 1 {
		t.Fatalf("SlowDeliveries() = %d, want 1", h.SlowDeliveries())
	}
}

func TestConcurrentInstallUninstallKeepsSingleActiveHandle(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)
	cb := func(Event) Decision { return PassThrough }

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				h, err := inst.Install(KindKeyboard, cb)
				if err != nil {
					if !errors.Is(err, ErrDuplicateKind) {
						t.Errorf("Install() unexpected error = %v", err)
					}
					continue
				}
				if err := inst.Uninstall(h); err != nil {
					t.Errorf("Uninstall() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxActive[KindKeyboard] > 1 {
		t.Fatal("platform observed two simultaneous keyboard hooks")
	}
	if len(p.live) != 0 {
		t.Fatalf("platform has %d live registrations after all uninstalls", len(p.live))
	}
}

func TestUninstallAllRemovesEveryKind(t *testing.T) {
	p := newFakePlatform()
	inst := newTestInstaller(p)
	cb := func(Event) Decision { return PassThrough }

	for _, kind := range Kinds {
		if _, err := inst.Install(kind, cb); err != nil {
			t.Fatalf("Install(%s) error = %v", kind, err)
		}
	}
	if err := inst.UninstallAll(); err != nil {
		t.Fatalf("UninstallAll() error = %v", err)
	}
	for _, kind := range Kinds {
		if inst.Active(kind) != nil {
			t.Errorf("%s still active", kind)
		}
	}
	if p.released != len(Kinds) {
		t.Fatalf("released %d, want %d", p.released, len(Kinds))
	}
}

func TestKindAndDecisionStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{KindKeyboard.String(), "keyboard"},
		{KindPointer.String(), "pointer"},
		{KindWindowState.String(), "window-state"},
		{Kind(42).String(), "kind(42)"},
		{Swallow.String(), "swallow"},
		{PassThrough.String(), "pass-through"},
		{WindowMinimizeStart.String(), "minimize-start"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
