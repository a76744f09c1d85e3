//go:build windows

package hook

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

var (
	user32 = windows.NewLazySystemDLL("user32.dll")

	procSetWindowsHookExW   = user32.NewProc("SetWindowsHookExW")
	procUnhookWindowsHookEx = user32.NewProc("UnhookWindowsHookEx")
	procCallNextHookEx      = user32.NewProc("CallNextHookEx")
	procSetWinEventHook     = user32.NewProc("SetWinEventHook")
	procUnhookWinEvent      = user32.NewProc("UnhookWinEvent")
	procGetMessageW         = user32.NewProc("GetMessageW")
	procTranslateMessage    = user32.NewProc("TranslateMessage")
	procDispatchMessageW    = user32.NewProc("DispatchMessageW")
	procPeekMessageW        = user32.NewProc("PeekMessageW")
	procPostThreadMessageW  = user32.NewProc("PostThreadMessageW")
)

const (
	whKeyboardLL = 13
	whMouseLL    = 14
	hcAction     = 0

	wmQuit        = 0x0012
	wmKeyDown     = 0x0100
	wmKeyUp       = 0x0101
	wmSysKeyDown  = 0x0104
	wmSysKeyUp    = 0x0105
	wmLButtonDown = 0x0201
	wmLButtonUp   = 0x0202
	pmNoRemove    = 0x0000

	llkhfInjected = 0x00000010
	llmhfInjected = 0x00000001

	eventSystemMinimizeStart = 0x0016
	eventSystemMinimizeEnd   = 0x0017
	wineventOutOfContext     = 0x0000
	wineventSkipOwnProcess   = 0x0002
	objidWindow              = 0
	childidSelf              = 0

	releaseTimeout = 2 * time.Second
)

// kbdllHookStruct mirrors KBDLLHOOKSTRUCT.
type kbdllHookStruct struct {
	vkCode      uint32
	scanCode    uint32
	flags       uint32
	time        uint32
	dwExtraInfo uintptr
}

type point struct {
	x int32
	y int32
}

// msllHookStruct mirrors MSLLHOOKSTRUCT.
type msllHookStruct struct {
	pt          point
	mouseData   uint32
	flags       uint32
	time        uint32
	dwExtraInfo uintptr
}

// winMsg mirrors the Win32 MSG struct. Layout must not change.
type winMsg struct {
	hWnd     uintptr
	message  uint32
	wParam   uintptr
	lParam   uintptr
	time     uint32
	pt       point
	lPrivate uint32
}

// The OS gives low-level hooks no user pointer, so each kind's trampoline
// reads its current target from a slot. A registration clears its slot only
// while it still owns it.
var slots [KindWindowState + 1]atomic.Pointer[Callback]

// Trampolines created by windows.NewCallback are never freed; create one per
// kind for the life of the process.
var (
	trampolineOnce sync.Once
	trampolines    [KindWindowState + 1]uintptr
)

func trampolineFor(kind Kind) uintptr {
	trampolineOnce.Do(func() {
		trampolines[KindKeyboard] = windows.NewCallback(lowLevelKeyboardProc)
		trampolines[KindPointer] = windows.NewCallback(lowLevelMouseProc)
		trampolines[KindWindowState] = windows.NewCallback(winEventProc)
	})
	return trampolines[kind]
}

func lowLevelKeyboardProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode == hcAction && dispatchKey(wParam, lParam) == Swallow {
		return 1
	}
	ret, _, _ := procCallNextHookEx.Call(0, uintptr(nCode), wParam, lParam)
	return ret
}

func lowLevelMouseProc(nCode int, wParam uintptr, lParam uintptr) uintptr {
	if nCode == hcAction && dispatchPointer(wParam, lParam) == Swallow {
		return 1
	}
	ret, _, _ := procCallNextHookEx.Call(0, uintptr(nCode), wParam, lParam)
	return ret
}

func winEventProc(hook, event, hwnd, idObject, idChild, eventThread, eventTime uintptr) uintptr {
	if int32(idObject) != objidWindow || int32(idChild) != childidSelf || hwnd == 0 {
		return 0
	}
	defer func() { _ = recover() }()

	target := slots[KindWindowState].Load()
	if target == nil {
		return 0
	}
	state := WindowStateOther
	switch uint32(event) {
	case eventSystemMinimizeStart:
		state = WindowMinimizeStart
	case eventSystemMinimizeEnd:
		state = WindowMinimizeEnd
	}
	(*target)(Event{
		Kind:   KindWindowState,
		Time:   time.Now(),
		Window: WindowEvent{Window: hwnd, State: state},
	})
	return 0
}

func dispatchKey(wParam, lParam uintptr) (d Decision) {
	defer func() {
		if recover() != nil {
			d = PassThrough
		}
	}()

	target := slots[KindKeyboard].Load()
	if target == nil {
		return PassThrough
	}

	var down bool
	switch wParam {
	case wmKeyDown, wmSysKeyDown:
		down = true
	case wmKeyUp, wmSysKeyUp:
		down = false
	default:
		return PassThrough
	}

	info := (*kbdllHookStruct)(unsafe.Pointer(lParam))
	return (*target)(Event{
		Kind: KindKeyboard,
		Time: time.Now(),
		Key: KeyEvent{
			Code:     info.vkCode,
			Scan:     info.scanCode,
			Down:     down,
			Injected: info.flags&llkhfInjected != 0,
		},
	})
}

func dispatchPointer(wParam, lParam uintptr) (d Decision) {
	defer func() {
		if recover() != nil {
			d = PassThrough
		}
	}()

	target := slots[KindPointer].Load()
	if target == nil {
		return PassThrough
	}

	var button PointerButton
	switch wParam {
	case wmLButtonDown:
		button = PointerLeftDown
	case wmLButtonUp:
		button = PointerLeftUp
	default:
		// Moves arrive at high frequency and nothing consumes them.
		return PassThrough
	}

	info := (*msllHookStruct)(unsafe.Pointer(lParam))
	return (*target)(Event{
		Kind: KindPointer,
		Time: time.Now(),
		Pointer: PointerEvent{
			Button:   button,
			Pt:       Point{X: info.pt.x, Y: info.pt.y},
			Injected: info.flags&llmhfInjected != 0,
		},
	})
}

type loopReady struct {
	threadID uint32
	err      error
}

type windowsPlatform struct {
	log zerolog.Logger
}

// NewPlatform returns the Win32 hook API.
func NewPlatform(log zerolog.Logger) Platform {
	return &windowsPlatform{log: log}
}

func (p *windowsPlatform) Register(kind Kind, dispatch Callback) (Registration, error) {
	if kind < KindKeyboard || kind > KindWindowState {
		return nil, fmt.Errorf("unknown hook kind %d", int(kind))
	}
	// Pre-check DLL availability so failures produce clean errors instead of
	// panics from LazyProc.Call.
	if err := user32.Load(); err != nil {
		return nil, fmt.Errorf("user32.dll is unavailable: %w", err)
	}

	target := &dispatch
	readyCh := make(chan loopReady, 1)
	doneCh := make(chan struct{})

	go p.runHookLoop(kind, target, readyCh, doneCh)

	ready := <-readyCh
	if ready.err != nil {
		return nil, ready.err
	}
	return &windowsRegistration{
		kind:     kind,
		target:   target,
		threadID: ready.threadID,
		doneCh:   doneCh,
		log:      p.log,
	}, nil
}

// runHookLoop installs the hook on a dedicated OS thread and pumps its
// message queue; low-level hooks are called on the installing thread.
func (p *windowsPlatform) runHookLoop(kind Kind, target *Callback, readyCh chan<- loopReady, doneCh chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(doneCh)

	threadID := windows.GetCurrentThreadId()

	// PeekMessageW creates the thread message queue so PostThreadMessageW can
	// deliver WM_QUIT. A zero return only means the queue is empty.
	var qmsg winMsg
	procPeekMessageW.Call(uintptr(unsafe.Pointer(&qmsg)), 0, 0, 0, pmNoRemove)

	slots[kind].Store(target)
	unhook, err := installNative(kind)
	if err != nil {
		slots[kind].CompareAndSwap(target, nil)
		readyCh <- loopReady{err: err}
		return
	}
	defer func() {
		slots[kind].CompareAndSwap(target, nil)
		if err := unhook(); err != nil {
			p.log.Error().Err(err).Stringer("kind", kind).Msg("Unhook on loop exit failed")
		}
	}()

	readyCh <- loopReady{threadID: threadID}

	for {
		var msg winMsg
		ret, _, lastErr := procGetMessageW.Call(uintptr(unsafe.Pointer(&msg)), 0, 0, 0)
		switch int32(ret) {
		case -1:
			p.log.Error().Err(lastErr).Stringer("kind", kind).Msg("GetMessageW failed, hook loop exiting")
			return
		case 0:
			p.log.Debug().Stringer("kind", kind).Msg("Hook loop received WM_QUIT")
			return
		}
		procTranslateMessage.Call(uintptr(unsafe.Pointer(&msg)))
		procDispatchMessageW.Call(uintptr(unsafe.Pointer(&msg)))
	}
}

func installNative(kind Kind) (func() error, error) {
	var module windows.Handle
	// The process image is a valid hMod for low-level hooks; 0 also works on
	// current Windows, so a lookup failure is not fatal.
	_ = windows.GetModuleHandleEx(0, nil, &module)

	switch kind {
	case KindKeyboard, KindPointer:
		id := uintptr(whKeyboardLL)
		if kind == KindPointer {
			id = whMouseLL
		}
		h, _, err := procSetWindowsHookExW.Call(id, trampolineFor(kind), uintptr(module), 0)
		if h == 0 {
			return nil, win32Error("SetWindowsHookExW", err)
		}
		return func() error {
			if ret, _, err := procUnhookWindowsHookEx.Call(h); ret == 0 {
				return win32Error("UnhookWindowsHookEx", err)
			}
			return nil
		}, nil
	case KindWindowState:
		h, _, err := procSetWinEventHook.Call(
			eventSystemMinimizeStart,
			eventSystemMinimizeEnd,
			0,
			trampolineFor(kind),
			0,
			0,
			wineventOutOfContext|wineventSkipOwnProcess,
		)
		if h == 0 {
			return nil, win32Error("SetWinEventHook", err)
		}
		return func() error {
			if ret, _, err := procUnhookWinEvent.Call(h); ret == 0 {
				return win32Error("UnhookWinEvent", err)
			}
			return nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown hook kind %d", int(kind))
	}
}

type windowsRegistration struct {
	kind     Kind
	target   *Callback
	threadID uint32
	doneCh   chan struct{}
	log      zerolog.Logger

	once sync.Once
	err  error
}

// Release stops delivery immediately and waits a bounded time for the hook
// thread to unhook and exit. Must not be called from the hook thread itself.
func (r *windowsRegistration) Release() error {
	r.once.Do(func() {
		slots[r.kind].CompareAndSwap(r.target, nil)

		if ret, _, err := procPostThreadMessageW.Call(uintptr(r.threadID), wmQuit, 0, 0); ret == 0 {
			r.err = win32Error("PostThreadMessageW", err)
			return
		}

		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		select {
		case <-r.doneCh:
		case <-timer.C:
			r.log.Warn().Stringer("kind", r.kind).Uint32("thread", r.threadID).Msg("Hook loop stop timed out, thread may leak")
			r.err = fmt.Errorf("%s hook loop stop timed out", r.kind)
		}
	})
	return r.err
}

func win32Error(op string, err error) error {
	if err == nil || errors.Is(err, syscall.Errno(0)) {
		return fmt.Errorf("%s failed", op)
	}
	return fmt.Errorf("%s: %w", op, err)
}
