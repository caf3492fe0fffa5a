package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file read by Load.
const MaxConfigFileBytes = 64 * 1024

// GPIOConfig selects the GPIO backend.
type GPIOConfig struct {
	Backend        string `yaml:"backend"`          // "rpio", "periph" or "mock"
	PollIntervalUs int    `yaml:"poll_interval_us"` // rpio edge polling period (µs)
}

// EncoderConfig holds the BCM pins of one rotary encoder.
type EncoderConfig struct {
	APin      int `yaml:"a_pin"`
	BPin      int `yaml:"b_pin"`
	ButtonPin int `yaml:"button_pin"` // active LOW
}

// USBConfig identifies the thermal core and bounds command completion.
type USBConfig struct {
	VendorID         uint16 `yaml:"vendor_id"`
	ProductID        uint16 `yaml:"product_id"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"` // readiness poll bound
	PollIntervalMs   int    `yaml:"poll_interval_ms"`   // delay between status reads
}

// CaptureConfig describes the V4L2 video path.
type CaptureConfig struct {
	Device        int `yaml:"device"` // N in /dev/videoN
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`
	FPS           int `yaml:"fps"`
	OpenTimeoutMs int `yaml:"open_timeout_ms"`
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
}

// SettingsConfig locates the persisted user settings.
type SettingsConfig struct {
	Path        string `yaml:"path"`
	SaveDelayMs int    `yaml:"save_delay_ms"` // debounce before writing (0 = write at once)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	WebPort    int `yaml:"web_port"`    // status server port when -web is set
}

// Config aggregates all application configuration.
type Config struct {
	GPIO        GPIOConfig     `yaml:"gpio"`
	TopEncoder  EncoderConfig  `yaml:"top_encoder"`
	SideEncoder EncoderConfig  `yaml:"side_encoder"`
	USB         USBConfig      `yaml:"usb"`
	Capture     CaptureConfig  `yaml:"capture"`
	Settings    SettingsConfig `yaml:"settings"`
	Defaults    DefaultsConfig `yaml:"defaults"`
}

// Default returns the configuration of the reference hardware build.
func Default() *Config {
	return &Config{
		GPIO:        GPIOConfig{Backend: "rpio", PollIntervalUs: 1000},
		TopEncoder:  EncoderConfig{APin: 20, BPin: 21, ButtonPin: 16},
		SideEncoder: EncoderConfig{APin: 13, BPin: 19, ButtonPin: 26},
		USB: USBConfig{
			VendorID:         0x0BDA,
			ProductID:        0x5830,
			CommandTimeoutMs: 5000,
			PollIntervalMs:   1,
		},
		Capture: CaptureConfig{
			Device:        0,
			Width:         256,
			Height:        192,
			FPS:           25,
			OpenTimeoutMs: 3000,
			ReadTimeoutMs: 500,
		},
		Settings: SettingsConfig{Path: "/var/data/persist/settings.yaml", SaveDelayMs: 2000},
		Defaults: DefaultsConfig{DebugLevel: 1, WebPort: 8080},
	}
}

// ValidateConfigPath accepts only .yaml files directly inside a configs/
// directory, after cleaning the path.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain ..", path)
		}
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must end in .yaml", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file over Default() and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and pin assignments, and fills zero values that
// have a sensible default.
func (c *Config) Validate() error {
	switch c.GPIO.Backend {
	case "rpio", "periph", "mock":
	case "":
		c.GPIO.Backend = "rpio"
	default:
		return fmt.Errorf("gpio.backend must be rpio, periph or mock, got %q", c.GPIO.Backend)
	}
	if c.GPIO.PollIntervalUs <= 0 {
		c.GPIO.PollIntervalUs = 1000
	}

	seen := make(map[int]string)
	for name, pin := range map[string]int{
		"top_encoder.a_pin":       c.TopEncoder.APin,
		"top_encoder.b_pin":       c.TopEncoder.BPin,
		"top_encoder.button_pin":  c.TopEncoder.ButtonPin,
		"side_encoder.a_pin":      c.SideEncoder.APin,
		"side_encoder.b_pin":      c.SideEncoder.BPin,
		"side_encoder.button_pin": c.SideEncoder.ButtonPin,
	} {
		if pin < 0 || pin > 27 {
			return fmt.Errorf("%s must be a BCM pin between 0 and 27, got %d", name, pin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("%s and %s share pin %d", name, other, pin)
		}
		seen[pin] = name
	}

	if c.USB.VendorID == 0 || c.USB.ProductID == 0 {
		return errors.New("usb.vendor_id and usb.product_id are required")
	}
	if c.USB.CommandTimeoutMs <= 0 {
		c.USB.CommandTimeoutMs = 5000
	}
	if c.USB.PollIntervalMs <= 0 {
		c.USB.PollIntervalMs = 1
	}

	if c.Capture.Device < 0 {
		return fmt.Errorf("capture.device must be >= 0, got %d", c.Capture.Device)
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return fmt.Errorf("capture size must be > 0, got %dx%d", c.Capture.Width, c.Capture.Height)
	}
	if c.Capture.FPS <= 0 || c.Capture.FPS > 60 {
		return fmt.Errorf("capture.fps must be between 1 and 60, got %d", c.Capture.FPS)
	}
	if c.Capture.OpenTimeoutMs <= 0 {
		c.Capture.OpenTimeoutMs = 3000
	}
	if c.Capture.ReadTimeoutMs <= 0 {
		c.Capture.ReadTimeoutMs = 500
	}

	if c.Settings.Path == "" {
		return errors.New("settings.path is required")
	}
	if c.Settings.SaveDelayMs < 0 {
		return fmt.Errorf("settings.save_delay_ms must be >= 0, got %d", c.Settings.SaveDelayMs)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Defaults.WebPort <= 0 || c.Defaults.WebPort > 65535 {
		c.Defaults.WebPort = 8080
	}
	return nil
}

// GPIOPollInterval returns the rpio edge polling period.
func (c *Config) GPIOPollInterval() time.Duration {
	return time.Duration(c.GPIO.PollIntervalUs) * time.Microsecond
}

// CommandTimeout returns the readiness poll bound.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.USB.CommandTimeoutMs) * time.Millisecond
}

// CommandPollInterval returns the delay between two status reads.
func (c *Config) CommandPollInterval() time.Duration {
	return time.Duration(c.USB.PollIntervalMs) * time.Millisecond
}

// OpenTimeout returns the bound on waiting for the video device.
func (c *Config) OpenTimeout() time.Duration {
	return time.Duration(c.Capture.OpenTimeoutMs) * time.Millisecond
}

// ReadTimeout returns how long one frame read may wait.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Capture.ReadTimeoutMs) * time.Millisecond
}

// SaveDelay returns the settings write debounce.
func (c *Config) SaveDelay() time.Duration {
	return time.Duration(c.Settings.SaveDelayMs) * time.Millisecond
}
