package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/petems/showdesk-guard/internal/burst"
	"github.com/petems/showdesk-guard/internal/gesture"
	"github.com/petems/showdesk-guard/internal/region"
)

type Config struct {
	Chord        string          `yaml:"chord"`
	Intercept    InterceptConfig `yaml:"intercept"`
	MaskModifier bool            `yaml:"mask_modifier"`
	Burst        BurstConfig     `yaml:"burst"`
	Region       RegionConfig    `yaml:"region"`
	Hook         HookConfig      `yaml:"hook"`
	Bridge       BridgeConfig    `yaml:"bridge"`
	Log          LogConfig       `yaml:"log"`
	EventQueue   int             `yaml:"event_queue"`
	RunAtLogin   bool            `yaml:"run_at_login"`
}

// InterceptConfig selects which hooks are installed.
type InterceptConfig struct {
	Keyboard    bool `yaml:"keyboard"`
	Pointer     bool `yaml:"pointer"`
	WindowState bool `yaml:"window_state"`
}

type BurstConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	Cooldown  Duration `yaml:"cooldown"`
}

type RegionConfig struct {
	FallbackWidth  int32 `yaml:"fallback_width"`
	FallbackHeight int32 `yaml:"fallback_height"`
}

type HookConfig struct {
	CallbackBudget Duration `yaml:"callback_budget"`
}

type BridgeConfig struct {
	WebSocket WebSocketConfig `yaml:"websocket"`
	Pipe      PipeConfig      `yaml:"pipe"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // loopback only
}

type PipeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Name    string `yaml:"name"` // empty: per-user default
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration is a time.Duration written as "500ms" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Chord: gesture.DefaultChord,
		Intercept: InterceptConfig{
			Keyboard:    true,
			Pointer:     true,
			WindowState: true,
		},
		MaskModifier: true,
		Burst: BurstConfig{
			Threshold: burst.DefaultThreshold,
			Window:    Duration(burst.DefaultWindow),
			Cooldown:  Duration(burst.DefaultCooldown),
		},
		Region: RegionConfig{
			FallbackWidth:  region.DefaultFallbackWidth,
			FallbackHeight: region.DefaultFallbackHeight,
		},
		Hook: HookConfig{
			CallbackBudget: Duration(50 * time.Millisecond),
		},
		Bridge: BridgeConfig{
			WebSocket: WebSocketConfig{
				Enabled: false,
				Addr:    "127.0.0.1:47120",
			},
			Pipe: PipeConfig{
				Enabled: true,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		EventQueue: 64,
		RunAtLogin: false,
	}
}

// Load reads the config at path, or returns defaults if it does not exist.
// Fields missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path via a temp file and rename.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("save config: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("save config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save config: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := gesture.ParseChord(c.Chord); err != nil {
		errs = append(errs, fmt.Errorf("chord: %w", err))
	}
	if err := c.BurstParams().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("burst: %w", err))
	}
	if c.Region.FallbackWidth <= 0 || c.Region.FallbackHeight <= 0 {
		errs = append(errs, fmt.Errorf("region: fallback size must be positive, got %dx%d",
			c.Region.FallbackWidth, c.Region.FallbackHeight))
	}
	if c.Hook.CallbackBudget < 0 {
		errs = append(errs, fmt.Errorf("hook: callback_budget must not be negative"))
	}
	if c.Bridge.WebSocket.Enabled && c.Bridge.WebSocket.Addr == "" {
		errs = append(errs, fmt.Errorf("bridge.websocket: addr is required when enabled"))
	}
	if addr := c.Bridge.WebSocket.Addr; addr != "" {
		if err := checkLoopback(addr); err != nil {
			errs = append(errs, fmt.Errorf("bridge.websocket: addr %w", err))
		}
	}
	if c.EventQueue <= 0 {
		errs = append(errs, fmt.Errorf("event_queue must be positive, got %d", c.EventQueue))
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// checkLoopback accepts host:port addresses that only bind loopback. The
// WebSocket server accepts any origin, so it must not be reachable remotely.
func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%q: %w", addr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%q must be a loopback address", addr)
}

// BurstParams converts the burst section for the detector.
func (c *Config) BurstParams() burst.Config {
	return burst.Config{
		Threshold: c.Burst.Threshold,
		Window:    c.Burst.Window.Std(),
		Cooldown:  c.Burst.Cooldown.Std(),
	}
}

// Path returns the platform-specific config file path
func Path() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "showdesk-guard", "config.yaml")
}
