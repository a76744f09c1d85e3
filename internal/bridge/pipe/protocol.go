// Package pipe streams engine events over a per-user named pipe and answers
// simple control requests on the same connection.
//
// Every frame is one line of JSON. The server writes
//
//	{"type":"event","event":{"kind":"show-desktop-detected",...}}
//
// for each bus event and {"type":"response","response":{...}} for each
// request line ({"command":"status"}) the client sends.
package pipe

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"regexp"
	"strings"

	"github.com/petems/showdesk-guard/internal/eventbus"
)

const (
	defaultPipePrefix = `\\.\pipe\showdesk-guard-`
	maxRequestBytes   = 4 * 1024
)

const (
	frameEvent    = "event"
	frameResponse = "response"
)

// Request is a control command from a client.
type Request struct {
	Command string `json:"command"`
}

// Response answers one Request.
type Response struct {
	Command string `json:"command"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// CommandExecutor handles a control request.
type CommandExecutor interface {
	Execute(req Request) Response
}

type frame struct {
	Type     string          `json:"type"`
	Event    *eventbus.Event `json:"event,omitempty"`
	Response *Response       `json:"response,omitempty"`
}

var invalidUsernameRune = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

func sanitizeUsername(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return invalidUsernameRune.ReplaceAllString(value, "_")
}

// DefaultPipeName returns the per-user pipe path.
func DefaultPipeName() string {
	username := strings.TrimSpace(os.Getenv("USERNAME"))
	if username == "" {
		if current, err := user.Current(); err == nil {
			username = current.Username
		}
	}
	return defaultPipePrefix + sanitizeUsername(username)
}

func encodeEvent(ev eventbus.Event) ([]byte, error) {
	return encodeFrame(frame{Type: frameEvent, Event: &ev})
}

func encodeResponse(resp Response) ([]byte, error) {
	return encodeFrame(frame{Type: frameResponse, Response: &resp})
}

func encodeFrame(f frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}

func decodeRequest(raw []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, err
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return Request{}, errors.New("command is required")
	}
	return req, nil
}

// readRequestFrame reads one newline-terminated request. A final line without
// a delimiter is accepted at EOF.
func readRequestFrame(reader *bufio.Reader) ([]byte, error) {
	raw, err := reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("request exceeds %d bytes", maxRequestBytes)
	}
	if errors.Is(err, io.EOF) {
		if len(raw) == 0 {
			return nil, io.EOF
		}
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}
