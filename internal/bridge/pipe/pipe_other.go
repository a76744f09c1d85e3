//go:build !windows

package pipe

import "net"

func listenPipe(string) (net.Listener, error) {
	return nil, ErrUnsupportedPlatform
}
