package inject

import (
	"context"
	"errors"
	"runtime"
	"testing"
)

func TestMaskModifierReleaseHonoursCancelledContext(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("SendInput only exists on Windows")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().MaskModifierRelease(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("MaskModifierRelease() error = %v, want context.Canceled", err)
	}
}

func TestMaskModifierReleaseUnsupported(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("supported on Windows")
	}
	if err := New().MaskModifierRelease(context.Background()); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("MaskModifierRelease() error = %v, want ErrUnsupportedPlatform", err)
	}
}
