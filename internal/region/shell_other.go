//go:build !windows

package region

import "github.com/petems/showdesk-guard/internal/hook"

type unsupportedShell struct{}

// NewShellTree returns a tree with no elements. Only the Windows taskbar is
// supported.
func NewShellTree() ShellTree { return unsupportedShell{} }

func (unsupportedShell) Root(string) (Node, error) { return 0, hook.ErrUnsupportedPlatform }

func (unsupportedShell) Child(Node, string) (Node, error) { return 0, hook.ErrUnsupportedPlatform }

func (unsupportedShell) Bounds(Node) (ScreenRegion, error) {
	return Uninitialized, hook.ErrUnsupportedPlatform
}
