package burst

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/eventbus"
	"github.com/petems/showdesk-guard/internal/hook"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
	full   bool
}

func (p *fakePublisher) Publish(ev eventbus.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.events = append(p.events, ev)
	return true
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return epoch.Add(time.Duration(ms) * time.Millisecond) }

func newDetector(t *testing.T, cfg Config) (*Detector, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	d, err := New(cfg, pub, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d, pub
}

func TestBurstFiresOncePerBurst(t *testing.T) {
	d, pub := newDetector(t, Config{Threshold: 2, Window: 300 * time.Millisecond, Cooldown: time.Second})

	var firedAt []int
	for i, ms := range []int{0, 50, 100, 150} {
		if d.OnWindowStateNotification(uintptr(i+1), hook.WindowMinimizeStart, at(ms)) {
			firedAt = append(firedAt, ms)
		}
	}
	if len(firedAt) != 1 || firedAt[0] > 150 {
		t.Fatalf("detections at %v, want exactly one by 150ms", firedAt)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d events, want 1", pub.count())
	}
	ev := pub.events[0]
	if ev.Kind != eventbus.ShowDesktopDetected || ev.Windows != 2 || !ev.Timestamp.Equal(at(50)) {
		t.Fatalf("event = %+v", ev)
	}

	// A second burst inside the cooldown stays silent.
	for i, ms := range []int{400, 420, 440} {
		if d.OnWindowStateNotification(uintptr(10+i), hook.WindowMinimizeStart, at(ms)) {
			t.Fatalf("detection at %dms inside cooldown", ms)
		}
	}

	// After the cooldown a fresh 3-event burst fires again, once.
	fired := 0
	for i, ms := range []int{2000, 2010, 2020} {
		if d.OnWindowStateNotification(uintptr(20+i), hook.WindowMinimizeStart, at(ms)) {
			fired++
		}
	}
	if fired != 1 || pub.count() != 2 {
		t.Fatalf("post-cooldown burst fired %d times (published %d), want 1 (2)", fired, pub.count())
	}
}

func TestOnlyMinimizeStartCounts(t *testing.T) {
	d, pub := newDetector(t, Config{Threshold: 2, Window: time.Second, Cooldown: time.Second})

	kinds := []hook.WindowStateKind{hook.WindowMinimizeEnd, hook.WindowStateOther, hook.WindowMinimizeEnd, hook.WindowMinimizeStart}
	for i, k := range kinds {
		d.OnWindowStateNotification(uintptr(i), k, at(i*10))
	}
	if pub.count() != 0 || d.Pending() != 1 {
		t.Fatalf("published=%d pending=%d, want 0/1", pub.count(), d.Pending())
	}
}

func TestSlowBurstIsNotDetected(t *testing.T) {
	d, pub := newDetector(t, Config{Threshold: 3, Window: 500 * time.Millisecond, Cooldown: time.Second})

	for i, ms := range []int{0, 400, 800, 1200} {
		d.OnWindowStateNotification(uintptr(i), hook.WindowMinimizeStart, at(ms))
	}
	if pub.count() != 0 {
		t.Fatalf("slow burst detected %d times", pub.count())
	}
	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2 after pruning", d.Pending())
	}
}

func TestEntryAtWindowEdgeIsPruned(t *testing.T) {
	d, _ := newDetector(t, Config{Threshold: 2, Window: 300 * time.Millisecond, Cooldown: 0})

	d.OnWindowStateNotification(1, hook.WindowMinimizeStart, at(0))
	if d.OnWindowStateNotification(2, hook.WindowMinimizeStart, at(300)) {
		t.Fatal("entry exactly one window old should have been pruned")
	}
	if !d.OnWindowStateNotification(3, hook.WindowMinimizeStart, at(599)) {
		t.Fatal("two entries inside the window should fire")
	}
}

func TestOutOfOrderTimestampsAreClamped(t *testing.T) {
	d, pub := newDetector(t, Config{Threshold: 3, Window: 100 * time.Millisecond, Cooldown: time.Second})

	d.OnWindowStateNotification(1, hook.WindowMinimizeStart, at(1000))
	d.OnWindowStateNotification(2, hook.WindowMinimizeStart, at(10))
	if !d.OnWindowStateNotification(3, hook.WindowMinimizeStart, at(1050)) {
		t.Fatal("late notification should be counted at the newest timestamp")
	}
	if got := pub.events[0].Timestamp; !got.Equal(at(1050)) {
		t.Fatalf("timestamp = %v, want %v", got, at(1050))
	}
}

func TestFullBusStillReportsDetection(t *testing.T) {
	d, pub := newDetector(t, Config{Threshold: 1, Window: time.Second, Cooldown: 0})
	pub.full = true
	if !d.OnWindowStateNotification(1, hook.WindowMinimizeStart, at(0)) {
		t.Fatal("detection should be reported even if publishing fails")
	}
	if d.Detections() != 1 {
		t.Fatalf("Detections() = %d, want 1", d.Detections())
	}
}

func TestSetConfigAndReset(t *testing.T) {
	d, pub := newDetector(t, DefaultConfig())

	if err := d.SetConfig(Config{Threshold: 0, Window: 0, Cooldown: -1}); err == nil {
		t.Fatal("SetConfig() accepted invalid config")
	} else {
		for _, want := range []string{"threshold", "window", "cooldown"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q missing %q", err, want)
			}
		}
	}
	if d.Config() != DefaultConfig() {
		t.Fatal("invalid SetConfig() must not change the config")
	}

	if err := d.SetConfig(Config{Threshold: 1, Window: time.Second, Cooldown: time.Hour}); err != nil {
		t.Fatalf("SetConfig() error = %v", err)
	}
	d.OnWindowStateNotification(1, hook.WindowMinimizeStart, at(0))
	if d.OnWindowStateNotification(2, hook.WindowMinimizeStart, at(10)) {
		t.Fatal("cooldown should suppress")
	}

	d.Reset()
	if !d.OnWindowStateNotification(3, hook.WindowMinimizeStart, at(20)) {
		t.Fatal("Reset() should clear the cooldown")
	}
	if pub.count() != 2 {
		t.Fatalf("published %d, want 2", pub.count())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{Threshold: 3}, nil, zerolog.Nop()); err == nil {
		t.Fatal("New() accepted zero window")
	}
}
