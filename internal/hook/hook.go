// Package hook installs system-wide input and window-state hooks and owns
// their lifetime.
package hook

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies one class of platform hook.
type Kind int

const (
	KindKeyboard Kind = iota + 1
	KindPointer
	KindWindowState
)

// Kinds lists every hook kind in install order.
var Kinds = []Kind{KindKeyboard, KindPointer, KindWindowState}

func (k Kind) String() string {
	switch k {
	case KindKeyboard:
		return "keyboard"
	case KindPointer:
		return "pointer"
	case KindWindowState:
		return "window-state"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Decision tells the platform whether to consume an event.
type Decision int

const (
	PassThrough Decision = iota
	Swallow
)

func (d Decision) String() string {
	if d == Swallow {
		return "swallow"
	}
	return "pass-through"
}

// KeyEvent is a low-level keyboard notification.
type KeyEvent struct {
	Code     uint32 // virtual-key code
	Scan     uint32
	Down     bool
	Injected bool // synthesized by SendInput, ours or another process's
}

// Point is a position in virtual-desktop coordinates.
type Point struct {
	X int32
	Y int32
}

// PointerButton identifies which pointer transition was reported.
type PointerButton int

const (
	PointerOther PointerButton = iota
	PointerLeftDown
	PointerLeftUp
)

// PointerEvent is a low-level pointer notification.
type PointerEvent struct {
	Button   PointerButton
	Pt       Point
	Injected bool
}

// WindowStateKind is the window-state notification code.
type WindowStateKind int

const (
	WindowStateOther WindowStateKind = iota
	WindowMinimizeStart
	WindowMinimizeEnd
)

func (k WindowStateKind) String() string {
	switch k {
	case WindowMinimizeStart:
		return "minimize-start"
	case WindowMinimizeEnd:
		return "minimize-end"
	default:
		return "other"
	}
}

// WindowEvent is a window-state notification.
type WindowEvent struct {
	Window uintptr
	State  WindowStateKind
}

// Event is one notification delivered to a hook callback. Only the field
// matching Kind is meaningful.
type Event struct {
	Kind    Kind
	Time    time.Time
	Key     KeyEvent
	Pointer PointerEvent
	Window  WindowEvent
}

// Callback inspects an event on the platform delivery thread. It must return
// quickly and must not block.
type Callback func(Event) Decision

var (
	// ErrDuplicateKind is returned when a hook of the same kind is active.
	ErrDuplicateKind = errors.New("hook of this kind is already installed")
	// ErrReleaseFailed is returned by Install while an earlier hook of the
	// same kind could not be released and may still be live.
	ErrReleaseFailed = errors.New("earlier hook of this kind was not released")
	// ErrUnsupportedPlatform is returned on platforms without a hook API.
	ErrUnsupportedPlatform = errors.New("global hooks are not supported on this platform")
	// ErrNilCallback is returned by Install when no callback is given.
	ErrNilCallback = errors.New("hook callback is required")
)

// InstallError reports that the platform refused a hook registration.
type InstallError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("install %s hook: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("install %s hook: %s", e.Kind, e.Reason)
}

func (e *InstallError) Unwrap() error { return e.Err }

// CallbackFault records a panic recovered at the callback boundary.
type CallbackFault struct {
	Kind      Kind
	Recovered any
	Stack     []byte
}

func (f *CallbackFault) Error() string {
	return fmt.Sprintf("%s hook callback panicked: %v", f.Kind, f.Recovered)
}
