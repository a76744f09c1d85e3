//go:build !windows

package permissions

func check() Report {
	return Report{Warnings: []string{"Show desktop interception is only available on Windows"}}
}
