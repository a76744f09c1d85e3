package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chord != "Win+D" || !cfg.Intercept.Keyboard || cfg.Burst.Threshold != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chord: Ctrl+Alt+D
intercept:
  keyboard: true
  pointer: false
burst:
  threshold: 5
  window: 750ms
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Chord != "Ctrl+Alt+D" || cfg.Intercept.Pointer {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if got := cfg.BurstParams(); got.Threshold != 5 || got.Window != 750*time.Millisecond || got.Cooldown != time.Second {
		t.Fatalf("BurstParams() = %+v", got)
	}
	if cfg.EventQueue != 64 {
		t.Fatalf("missing field lost its default: event_queue = %d", cfg.EventQueue)
	}
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad yaml", content: "chord: [", wantErr: "parse config"},
		{name: "bad duration", content: "burst:\n  window: soon\n", wantErr: "duration"},
		{name: "bad chord", content: "chord: Hyper+D\n", wantErr: "chord"},
		{name: "zero threshold", content: "burst:\n  threshold: 0\n", wantErr: "threshold"},
		{name: "bad level", content: "log:\n  level: loud\n", wantErr: "log.level"},
		{name: "websocket without addr", content: "bridge:\n  websocket:\n    enabled: true\n    addr: \"\"\n", wantErr: "addr"},
		{name: "websocket on all interfaces", content: "bridge:\n  websocket:\n    addr: \"0.0.0.0:47120\"\n", wantErr: "loopback"},
		{name: "websocket without host", content: "bridge:\n  websocket:\n    addr: \":47120\"\n", wantErr: "loopback"},
		{name: "websocket on lan address", content: "bridge:\n  websocket:\n    addr: \"192.168.1.10:47120\"\n", wantErr: "loopback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Load() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAcceptsLoopbackWebSocketAddrs(t *testing.T) {
	for _, addr := range []string{"127.0.0.1:47120", "[::1]:47120", "localhost:47120"} {
		t.Run(addr, func(t *testing.T) {
			cfg := Default()
			cfg.Bridge.WebSocket.Enabled = true
			cfg.Bridge.WebSocket.Addr = addr
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Burst.Cooldown = Duration(2500 * time.Millisecond)
	cfg.Bridge.WebSocket.Enabled = true

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "cooldown: 2.5s") {
		t.Fatalf("durations should be written as strings:\n%s", raw)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Burst.Cooldown != cfg.Burst.Cooldown || !loaded.Bridge.WebSocket.Enabled {
		t.Fatalf("round trip lost values: %+v", loaded)
	}
}

func TestSaveRefusesInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Chord = ""
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := cfg.Save(path); err == nil {
		t.Fatal("Save() accepted an invalid config")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("invalid config was written: %v", err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := Default().Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []*Config
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zerolog.Nop(), func(c *Config) {
			mu.Lock()
			got = append(got, c)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte("chord: nope\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)

	updated := Default()
	updated.Chord = "Ctrl+Shift+D"
	if err := updated.Save(path); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		var last *Config
		if n > 0 {
			last = got[n-1]
		}
		mu.Unlock()
		if last != nil && last.Chord == "Ctrl+Shift+D" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watcher did not deliver reloaded config (got %d callbacks)", n)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	for _, c := range got {
		if c.Chord == "nope" {
			t.Fatal("invalid config was delivered")
		}
	}
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch() did not return after cancel")
	}
}

func TestRestartTimerDiscardsStaleTick(t *testing.T) {
	timer := time.NewTimer(time.Millisecond)
	defer timer.Stop()
	time.Sleep(20 * time.Millisecond) // fired, never received

	restartTimer(timer, time.Second)
	select {
	case <-timer.C:
		t.Fatal("stale tick delivered after restart")
	case <-time.After(100 * time.Millisecond):
	}
}
