//go:build windows

package pipe

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"strings"

	"github.com/Microsoft/go-winio"
)

var validSIDPattern = regexp.MustCompile(`^S-1(-\d+)+$`)

// listenPipe creates a byte-mode pipe that only SYSTEM and the current user
// may open.
func listenPipe(name string) (net.Listener, error) {
	sd, err := pipeSecurityDescriptor()
	if err != nil {
		return nil, err
	}
	return winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: sd,
		MessageMode:        false,
		InputBufferSize:    int32(maxRequestBytes),
		OutputBufferSize:   64 * 1024,
	})
}

func pipeSecurityDescriptor() (string, error) {
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve current user: %w", err)
	}
	sid := strings.TrimSpace(current.Uid)
	if sid == "" {
		return "", errors.New("current user SID is unavailable")
	}
	if !validSIDPattern.MatchString(sid) {
		return "", fmt.Errorf("current user SID has unexpected format: %s", sid)
	}
	// Protected DACL: full access for SYSTEM and the current user only.
	return fmt.Sprintf("D:P(A;;GA;;;SY)(A;;GA;;;%s)", sid), nil
}
