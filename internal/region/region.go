// Package region locates the taskbar's show-desktop control and hit-tests
// pointer input against it.
package region

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/hook"
)

// ScreenRegion is an inclusive screen rectangle. The zero value is
// Uninitialized; a region is either fully valid or not valid at all.
type ScreenRegion struct {
	Left, Top, Right, Bottom int32
	valid                    bool
}

// Uninitialized is the region that never matches any point.
var Uninitialized ScreenRegion

// NewRegion returns a valid region spanning the given inclusive bounds. Swapped
// edges are normalized.
func NewRegion(left, top, right, bottom int32) ScreenRegion {
	if right < left {
		left, right = right, left
	}
	if bottom < top {
		top, bottom = bottom, top
	}
	return ScreenRegion{Left: left, Top: top, Right: right, Bottom: bottom, valid: true}
}

// Valid reports whether r was produced by a successful or approximated lookup.
func (r ScreenRegion) Valid() bool { return r.valid }

// Contains reports whether pt lies in r, bounds inclusive. Always false for
// an invalid region.
func (r ScreenRegion) Contains(pt hook.Point) bool {
	if !r.valid {
		return false
	}
	return pt.X >= r.Left && pt.X <= r.Right && pt.Y >= r.Top && pt.Y <= r.Bottom
}

func (r ScreenRegion) String() string {
	if !r.valid {
		return "uninitialized"
	}
	return fmt.Sprintf("[%d,%d]-[%d,%d]", r.Left, r.Top, r.Right, r.Bottom)
}

// cornerOf returns a w×h area in the bottom-right corner of r, clamped to r.
func (r ScreenRegion) cornerOf(w, h int32) ScreenRegion {
	left := r.Right - w + 1
	if left < r.Left {
		left = r.Left
	}
	top := r.Bottom - h + 1
	if top < r.Top {
		top = r.Top
	}
	return NewRegion(left, top, r.Right, r.Bottom)
}

// Node is an opaque handle to a shell UI element.
type Node uintptr

// ShellTree is the slice of the windowing API the locator needs.
type ShellTree interface {
	Root(class string) (Node, error)
	Child(parent Node, class string) (Node, error)
	Bounds(n Node) (ScreenRegion, error)
}

// ErrNotFound is returned by ShellTree implementations when no element of the
// requested class exists.
var ErrNotFound = errors.New("shell element not found")

// LookupError describes where the nested lookup stopped. Approximated is true
// when a corner fallback region was returned alongside the error.
type LookupError struct {
	Depth        int
	Class        string
	Approximated bool
	Err          error
}

func (e *LookupError) Error() string {
	if e.Approximated {
		return fmt.Sprintf("locate %s (depth %d), using corner approximation: %v", e.Class, e.Depth, e.Err)
	}
	return fmt.Sprintf("locate %s (depth %d): %v", e.Class, e.Depth, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// DefaultPath is the window-class chain from the taskbar down to the
// show-desktop button.
var DefaultPath = []string{"Shell_TrayWnd", "TrayNotifyWnd", "TrayShowDesktopButtonWClass"}

const (
	DefaultFallbackWidth  int32 = 12
	DefaultFallbackHeight int32 = 48
)

// Locator resolves the show-desktop region through a ShellTree.
type Locator struct {
	Tree           ShellTree
	Path           []string
	FallbackWidth  int32
	FallbackHeight int32
	Logger         zerolog.Logger
}

// NewLocator returns a Locator with the default path and fallback size.
func NewLocator(tree ShellTree, log zerolog.Logger) *Locator {
	return &Locator{
		Tree:           tree,
		Path:           DefaultPath,
		FallbackWidth:  DefaultFallbackWidth,
		FallbackHeight: DefaultFallbackHeight,
		Logger:         log,
	}
}

// Locate walks Path. If an intermediate element is missing it approximates
// the region at the bottom-right corner of the deepest resolved ancestor and
// returns it together with a *LookupError. If not even the root resolves it
// returns Uninitialized and a *LookupError. Locate holds no state and can be
// called again after the shell restarts.
func (l *Locator) Locate() (ScreenRegion, error) {
	if l.Tree == nil || len(l.Path) == 0 {
		return Uninitialized, &LookupError{Depth: 0, Err: errors.New("no shell tree or path configured")}
	}

	node, err := l.Tree.Root(l.Path[0])
	if err != nil {
		return l.fail(&LookupError{Depth: 0, Class: l.Path[0], Err: err})
	}

	ancestor := node
	for depth := 1; depth < len(l.Path); depth++ {
		child, err := l.Tree.Child(ancestor, l.Path[depth])
		if err != nil {
			return l.approximate(ancestor, &LookupError{Depth: depth, Class: l.Path[depth], Err: err})
		}
		ancestor = child
	}

	bounds, err := l.Tree.Bounds(ancestor)
	if err != nil || !bounds.Valid() {
		if err == nil {
			err = errors.New("empty bounds")
		}
		last := len(l.Path) - 1
		return l.fail(&LookupError{Depth: last, Class: l.Path[last], Err: err})
	}

	l.Logger.Debug().Stringer("region", bounds).Msg("Located show desktop control")
	return bounds, nil
}

func (l *Locator) approximate(ancestor Node, lerr *LookupError) (ScreenRegion, error) {
	bounds, err := l.Tree.Bounds(ancestor)
	if err != nil || !bounds.Valid() {
		return l.fail(lerr)
	}
	lerr.Approximated = true
	region := bounds.cornerOf(l.fallbackSize())
	l.Logger.Warn().Err(lerr).Stringer("region", region).Msg("Show desktop control not found, approximating")
	return region, lerr
}

func (l *Locator) fail(lerr *LookupError) (ScreenRegion, error) {
	l.Logger.Warn().Err(lerr).Msg("Show desktop control lookup failed, pointer interception disabled")
	return Uninitialized, lerr
}

func (l *Locator) fallbackSize() (int32, int32) {
	w, h := l.FallbackWidth, l.FallbackHeight
	if w <= 0 {
		w = DefaultFallbackWidth
	}
	if h <= 0 {
		h = DefaultFallbackHeight
	}
	return w, h
}
