package gesture

import (
	"sort"
	"sync"

	"github.com/petems/showdesk-guard/internal/hook"
)

// State is the matcher's modifier state.
type State int

const (
	MetaUp State = iota
	MetaDown
)

func (s State) String() string {
	if s == MetaDown {
		return "meta-down"
	}
	return "meta-up"
}

// Matcher tracks physically held chord modifiers and decides whether a key
// event completes the chord. It is driven by the keyboard hook callback only.
type Matcher struct {
	mu       sync.Mutex
	chord    Chord
	held     map[VKey]struct{}
	disabled bool
	matches  uint64
}

// NewMatcher creates a matcher for chord, starting in MetaUp.
func NewMatcher(chord Chord) *Matcher {
	return &Matcher{
		chord: chord,
		held:  make(map[VKey]struct{}),
	}
}

// OnKey applies ev and returns Swallow iff the chord's modifiers are held and
// ev is a trigger key-down. Injected events never change state.
func (m *Matcher) OnKey(ev hook.KeyEvent) hook.Decision {
	if ev.Injected {
		return hook.PassThrough
	}
	key := VKey(ev.Code)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.chord.isModifier(key) {
		if ev.Down {
			m.held[key] = struct{}{}
		} else {
			delete(m.held, key)
		}
		return hook.PassThrough
	}

	if ev.Down && key == m.chord.trigger && m.stateLocked() == MetaDown {
		m.matches++
		if m.disabled {
			return hook.PassThrough
		}
		return hook.Swallow
	}
	return hook.PassThrough
}

// State returns the current modifier state.
func (m *Matcher) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Matcher) stateLocked() State {
	if len(m.chord.groups) == 0 {
		return MetaUp
	}
	for _, g := range m.chord.groups {
		satisfied := false
		for _, k := range g.keys {
			if _, ok := m.held[k]; ok {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return MetaUp
		}
	}
	return MetaDown
}

// Held returns the held modifier keys in ascending order.
func (m *Matcher) Held() []VKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]VKey, 0, len(m.held))
	for k := range m.held {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Matches returns how many times the chord completed, including while
// disabled.
func (m *Matcher) Matches() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matches
}

// Chord returns the active chord.
func (m *Matcher) Chord() Chord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chord
}

// SetChord replaces the chord and clears held state.
func (m *Matcher) SetChord(c Chord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chord = c
	m.held = make(map[VKey]struct{})
}

// SetEnabled toggles swallowing. State is tracked either way so re-enabling
// mid-chord stays consistent.
func (m *Matcher) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabled = !enabled
}

// Enabled reports whether matches are swallowed.
func (m *Matcher) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled
}

// Reset forgets every held key. Called when the keyboard hook is removed,
// since key-ups after that point are never observed.
func (m *Matcher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held = make(map[VKey]struct{})
}
