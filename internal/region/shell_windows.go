//go:build windows

package region

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32            = windows.NewLazySystemDLL("user32.dll")
	procFindWindowW   = user32.NewProc("FindWindowW")
	procFindWindowExW = user32.NewProc("FindWindowExW")
	procGetWindowRect = user32.NewProc("GetWindowRect")
)

type rect struct {
	Left, Top, Right, Bottom int32
}

type win32Shell struct{}

// NewShellTree returns the live Win32 window tree.
func NewShellTree() ShellTree { return win32Shell{} }

func (win32Shell) Root(class string) (Node, error) {
	name, err := windows.UTF16PtrFromString(class)
	if err != nil {
		return 0, err
	}
	hwnd, _, callErr := procFindWindowW.Call(uintptr(unsafe.Pointer(name)), 0)
	if hwnd == 0 {
		return 0, notFound(class, callErr)
	}
	return Node(hwnd), nil
}

func (win32Shell) Child(parent Node, class string) (Node, error) {
	name, err := windows.UTF16PtrFromString(class)
	if err != nil {
		return 0, err
	}
	hwnd, _, callErr := procFindWindowExW.Call(uintptr(parent), 0, uintptr(unsafe.Pointer(name)), 0)
	if hwnd == 0 {
		return 0, notFound(class, callErr)
	}
	return Node(hwnd), nil
}

// Bounds converts GetWindowRect's exclusive right/bottom edges to inclusive.
func (win32Shell) Bounds(n Node) (ScreenRegion, error) {
	var r rect
	ok, _, callErr := procGetWindowRect.Call(uintptr(n), uintptr(unsafe.Pointer(&r)))
	if ok == 0 {
		return Uninitialized, fmt.Errorf("GetWindowRect: %w", callErr)
	}
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return Uninitialized, fmt.Errorf("GetWindowRect: empty rectangle %+v", r)
	}
	return NewRegion(r.Left, r.Top, r.Right-1, r.Bottom-1), nil
}

func notFound(class string, callErr error) error {
	if errno, ok := callErr.(windows.Errno); ok && errno != 0 {
		return fmt.Errorf("%w: %s: %v", ErrNotFound, class, errno)
	}
	return fmt.Errorf("%w: %s", ErrNotFound, class)
}
