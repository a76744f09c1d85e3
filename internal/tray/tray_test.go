package tray

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/petems/showdesk-guard/internal/config"
)

func TestEmojiForStatus(t *testing.T) {
	tests := []struct {
		status string
		want   string
	}{
		{"armed", "🟢"},
		{"paused", "🟡"},
		{"degraded", "🟠"},
		{"stopped", "⚪️"},
		{"something-else", "🟢"},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			if got := emojiForStatus(tt.status); got != tt.want {
				t.Errorf("emojiForStatus(%q) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

// TestStatusBeforeReady verifies that status updates arriving before the
// systray loop is ready are recorded without touching menu items.
func TestStatusBeforeReady(t *testing.T) {
	u := New(Options{Config: config.Default(), Logger: zerolog.Nop()})
	if got := u.currentStatus(); got != "stopped" {
		t.Fatalf("initial status = %q, want stopped", got)
	}

	u.SetArmed()
	u.SetDegraded()
	if got := u.currentStatus(); got != "degraded" {
		t.Errorf("status = %q, want degraded", got)
	}
	u.SetPaused()
	if got := u.currentStatus(); got != "paused" {
		t.Errorf("status = %q, want paused", got)
	}
}

func TestStatusLabel(t *testing.T) {
	if got := statusLabel("armed"); got != "Status: armed" {
		t.Errorf("statusLabel() = %q", got)
	}
}
