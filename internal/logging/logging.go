package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// Output opens the console + log file writer. If the log file cannot be
// opened, console output alone is returned along with the error. The returned
// func closes the file.
func Output() (io.Writer, func() error, error) {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logPath := Path()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return console, func() error { return nil }, fmt.Errorf("create log dir: %w", err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return console, func() error { return nil }, fmt.Errorf("open log file: %w", err)
	}

	// Multi-writer: console + file
	return zerolog.MultiLevelWriter(console, logFile), logFile.Close, nil
}

// New creates a logger on w at the given level ("" means info).
func New(w io.Writer, level string) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Caller().Logger()
	return logger, err
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("log level %q: %w", level, err)
	}
	return lvl, nil
}

// NonBlocking wraps w in a ring buffer so writers never wait on I/O. Used for
// loggers on hook delivery threads; when the buffer is full, messages are
// dropped and onDrop (if set) receives the count.
func NonBlocking(w io.Writer, onDrop func(missed int)) io.WriteCloser {
	return diode.NewWriter(w, 1000, 10*time.Millisecond, func(missed int) {
		if onDrop != nil {
			onDrop(missed)
		}
	})
}

// Path returns the platform-specific log file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Logs"
	case "windows":
		base = os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.local/state"
		}
	}

	return filepath.Join(base, "showdesk-guard", "showdesk-guard.log")
}
