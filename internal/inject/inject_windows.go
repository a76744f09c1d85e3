//go:build windows

package inject

import (
	"context"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32        = windows.NewLazySystemDLL("user32.dll")
	procSendInput = user32.NewProc("SendInput")
)

const (
	inputKeyboard  = 1
	keyeventfKeyUp = 0x0002
)

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

// keyboardInput mirrors INPUT with the keyboard union member. The trailing
// padding makes it as large as the MOUSEINPUT member.
type keyboardInput struct {
	typ     uint32
	ki      keybdInput
	padding uint64
}

type platformInjector struct{}

// MaskModifierRelease sends a MaskKey down/up pair.
func (platformInjector) MaskModifierRelease(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	inputs := [2]keyboardInput{
		{typ: inputKeyboard, ki: keybdInput{wVk: MaskKey}},
		{typ: inputKeyboard, ki: keybdInput{wVk: MaskKey, dwFlags: keyeventfKeyUp}},
	}
	sent, _, err := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(sent) != len(inputs) {
		return fmt.Errorf("SendInput sent %d of %d events: %w", sent, len(inputs), err)
	}
	return nil
}
