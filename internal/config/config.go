package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/motorctl/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	Programs []string      `yaml:"programs"`
	Hotkey   HotkeyConfig  `yaml:"hotkey"`
	OSC      OSCConfig     `yaml:"osc"`
	Status   StatusConfig  `yaml:"status"`
	Haptics  HapticsConfig `yaml:"haptics"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral.
type DeviceConfig struct {
	Name               string `yaml:"name"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
	HCI                string `yaml:"hci"` // Linux only, for radio power tracking
}

// SessionConfig holds connection timeouts and retry settings.
type SessionConfig struct {
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	WriteFailureWarn int           `yaml:"write_failure_warn"`
}

// HotkeyConfig maps actions to global key combos.
type HotkeyConfig struct {
	Enabled  bool                `yaml:"enabled"`
	Bindings map[string][]string `yaml:"bindings"` // action -> keys
	Hold     []string            `yaml:"hold"`     // runs while held; empty disables
}

// OSCConfig holds the OSC control surface settings.
type OSCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StatusConfig holds the HTTP/WebSocket status feed settings.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// HapticsConfig holds local haptic playback settings.
type HapticsConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Patterns map[string]string `yaml:"patterns"` // pattern name -> WAV file
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "motorctl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultSessionOptions()
	return &Config{
		Device: DeviceConfig{
			Name:               ble.DefaultDeviceName,
			ServiceUUID:        ble.DefaultServiceUUID,
			CharacteristicUUID: ble.DefaultCharacteristicUUID,
			HCI:                "hci0",
		},
		Session: SessionConfig{
			ConnectTimeout:   opts.ConnectTimeout,
			DiscoveryTimeout: opts.DiscoveryTimeout,
			RetryBaseDelay:   opts.RetryBaseDelay,
			RetryMaxDelay:    opts.RetryMaxDelay,
			WriteFailureWarn: opts.WriteFailureWarn,
		},
		Programs: []string{"Pulse", "Long", "Rhythmic", "Fast"},
		Hotkey: HotkeyConfig{
			Enabled: true,
			Bindings: map[string][]string{
				"on":  {"ctrl", "shift", "o"},
				"off": {"ctrl", "shift", "x"},
				"cw":  {"ctrl", "shift", "right"},
				"ccw": {"ctrl", "shift", "left"},
			},
		},
		OSC: OSCConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9000",
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Haptics: HapticsConfig{
			Enabled:  false,
			Patterns: map[string]string{},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in haptic pattern paths is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	for name, p := range cfg.Haptics.Patterns {
		cfg.Haptics.Patterns[name] = expandTilde(p)
	}

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a config was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# motorctl configuration\n# Durations use Go syntax (10s, 500ms).\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if _, err := canonicalUUID(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid %q: %w", c.Device.ServiceUUID, err)
	}
	if _, err := canonicalUUID(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid %q: %w", c.Device.CharacteristicUUID, err)
	}

	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be > 0")
	}
	if c.Session.DiscoveryTimeout <= 0 {
		return fmt.Errorf("session.discovery_timeout must be > 0")
	}
	if c.Session.RetryBaseDelay < 0 {
		return fmt.Errorf("session.retry_base_delay must be >= 0")
	}
	if c.Session.RetryMaxDelay < c.Session.RetryBaseDelay {
		return fmt.Errorf("session.retry_max_delay must be >= retry_base_delay")
	}
	if c.Session.WriteFailureWarn <= 0 {
		return fmt.Errorf("session.write_failure_warn must be > 0")
	}

	for _, p := range c.Programs {
		if p == "" || strings.ContainsAny(p, "\r\n") {
			return fmt.Errorf("programs: invalid program name %q", p)
		}
	}

	if c.Hotkey.Enabled {
		for action, keys := range c.Hotkey.Bindings {
			if len(keys) == 0 {
				return fmt.Errorf("hotkey.bindings.%s must not be empty", action)
			}
		}
	}
	if c.OSC.Enabled && c.OSC.Addr == "" {
		return fmt.Errorf("osc.addr must not be empty when osc is enabled")
	}
	if c.Status.Enabled && c.Status.Addr == "" {
		return fmt.Errorf("status.addr must not be empty when status is enabled")
	}
	if c.Haptics.Enabled {
		for name, p := range c.Haptics.Patterns {
			if p == "" {
				return fmt.Errorf("haptics.patterns.%s must not be empty", name)
			}
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Target returns the peripheral identity for the BLE session. UUIDs are in
// the lowercase 128-bit form the adapter reports.
func (c *Config) Target() ble.Target {
	return ble.Target{
		Name:               c.Device.Name,
		ServiceUUID:        normalizeUUID(c.Device.ServiceUUID),
		CharacteristicUUID: normalizeUUID(c.Device.CharacteristicUUID),
	}
}

// canonicalUUID parses a 128-bit UUID in 8-4-4-4-12 form and returns it
// lowercased. Short 16- and 32-bit forms are rejected.
func canonicalUUID(s string) (string, error) {
	if len(s) != 36 {
		return "", fmt.Errorf("want a 128-bit UUID (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx)")
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func normalizeUUID(s string) string {
	if u, err := canonicalUUID(s); err == nil {
		return u
	}
	return strings.ToLower(s)
}

// SessionOptions returns the BLE session options.
func (c *Config) SessionOptions() ble.SessionOptions {
	return ble.SessionOptions{
		ConnectTimeout:   c.Session.ConnectTimeout,
		DiscoveryTimeout: c.Session.DiscoveryTimeout,
		RetryBaseDelay:   c.Session.RetryBaseDelay,
		RetryMaxDelay:    c.Session.RetryMaxDelay,
		WriteFailureWarn: c.Session.WriteFailureWarn,
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
