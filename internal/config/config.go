package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a station file.
const MaxConfigFileBytes = 1 << 20

// Motor controller classes accepted in the devices table.
const (
	ClassDCServo   = "dc_servo"
	ClassBrushless = "brushless"
)

// Busy policies for a move requested while the axis is already moving.
const (
	PolicyReject  = "reject"
	PolicyQueue   = "queue"
	PolicyReplace = "replace"
)

// AxisConfig binds one named axis to a physical KCube controller.
type AxisConfig struct {
	Name      string  `yaml:"name"`        // "X", "Y", "Z"
	Serial    string  `yaml:"serial"`      // KCube serial number, e.g. "27263196"
	Port      string  `yaml:"port"`        // serial port of the controller, e.g. "/dev/ttyUSB0" or "COM4"
	JogStepMm float64 `yaml:"jog_step_mm"` // initial jog step size (mm)
}

// DeviceConfig is one row of the controller class table keyed by serial number.
type DeviceConfig struct {
	Class   string `yaml:"class"`   // "dc_servo" or "brushless"
	Profile string `yaml:"profile"` // stage settings name, e.g. "MTS50-Z8", "DDS050"
}

// MotionConfig holds timing and arbitration settings shared by all axes.
type MotionConfig struct {
	PollIntervalMs int     `yaml:"poll_interval_ms"` // device status update period
	InitTimeoutMs  int     `yaml:"init_timeout_ms"`  // settings initialization bound
	MoveTimeoutMs  int     `yaml:"move_timeout_ms"`  // move/jog completion bound
	HomeTimeoutMs  int     `yaml:"home_timeout_ms"`  // homing completion bound
	BusyPolicy     string  `yaml:"busy_policy"`      // "reject", "queue" or "replace"
	SkipHome       bool    `yaml:"skip_home"`        // do not home on connect
	MaxVelocity    float64 `yaml:"max_velocity"`     // mm/s, 0 = controller default
	Acceleration   float64 `yaml:"acceleration"`     // mm/s^2, 0 = controller default
	SimVelocity    float64 `yaml:"sim_velocity"`     // mm/s of simulated stages
}

// TriggerConfig describes an optional GPIO line wired to the camera trigger input.
type TriggerConfig struct {
	Pin     int `yaml:"pin"`      // BCM pin, 0 = no hardware trigger
	PulseMs int `yaml:"pulse_ms"` // pulse width (ms)
}

// CameraConfig describes the machine-vision camera.
type CameraConfig struct {
	Backend           string        `yaml:"backend"`             // "sim"
	Label             string        `yaml:"label"`               // image file label, "<label> <index>.png"
	OutputDir         string        `yaml:"output_dir"`          // where captures are written
	FrameTimeoutMs    int           `yaml:"frame_timeout_ms"`    // bound on one frame wait
	PreviewIntervalMs int           `yaml:"preview_interval_ms"` // live view refresh period
	Width             int           `yaml:"width"`               // simulated sensor width (px)
	Height            int           `yaml:"height"`              // simulated sensor height (px)
	Trigger           TriggerConfig `yaml:"trigger"`
}

// ScanConfig holds scan defaults.
type ScanConfig struct {
	Axis string `yaml:"axis"` // axis swept by the scan sequencer
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel  int  `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockDevices bool `yaml:"mock_devices"` // use simulated stages and GPIO (true=dev/test)
}

// Config aggregates all application configuration.
type Config struct {
	Axes         []AxisConfig            `yaml:"axes"`
	Devices      map[string]DeviceConfig `yaml:"devices"`
	Motion       MotionConfig            `yaml:"motion"`
	Camera       CameraConfig            `yaml:"camera"`
	Scan         ScanConfig              `yaml:"scan"`
	Defaults     DefaultsConfig          `yaml:"defaults"`
	SettingsFile string                  `yaml:"settings_file"`
}

// ValidateConfigPath rejects paths that are not a .yaml file directly inside
// a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	clean := filepath.Clean(path)
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
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

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults validates cfg and fills in every unset value.
func (c *Config) applyDefaults() error {
	if len(c.Axes) == 0 {
		return fmt.Errorf("at least one axis is required")
	}
	seen := make(map[string]bool, len(c.Axes))
	for i := range c.Axes {
		a := &c.Axes[i]
		a.Name = strings.ToUpper(strings.TrimSpace(a.Name))
		if a.Name == "" {
			return fmt.Errorf("axes[%d].name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("axis %s is declared twice", a.Name)
		}
		seen[a.Name] = true
		if a.Serial == "" {
			return fmt.Errorf("axis %s: serial is required", a.Name)
		}
		if a.JogStepMm < 0 || math.IsNaN(a.JogStepMm) || math.IsInf(a.JogStepMm, 0) {
			return fmt.Errorf("axis %s: jog_step_mm must be > 0, got %g", a.Name, a.JogStepMm)
		}
		if a.JogStepMm == 0 {
			a.JogStepMm = 0.05 // 50 µm
		}
	}

	for serial, d := range c.Devices {
		switch d.Class {
		case ClassDCServo, ClassBrushless:
		case "":
			d.Class = ClassDCServo
		default:
			return fmt.Errorf("devices[%s].class must be %q or %q, got %q", serial, ClassDCServo, ClassBrushless, d.Class)
		}
		c.Devices[serial] = d
	}

	if c.Motion.PollIntervalMs <= 0 {
		c.Motion.PollIntervalMs = 100
	}
	if c.Motion.InitTimeoutMs <= 0 {
		c.Motion.InitTimeoutMs = 10000
	}
	if c.Motion.MoveTimeoutMs <= 0 {
		c.Motion.MoveTimeoutMs = 60000
	}
	if c.Motion.HomeTimeoutMs <= 0 {
		c.Motion.HomeTimeoutMs = 120000
	}
	if c.Motion.SimVelocity <= 0 {
		c.Motion.SimVelocity = 2.4
	}
	if c.Motion.MaxVelocity < 0 || c.Motion.Acceleration < 0 {
		return fmt.Errorf("motion.max_velocity and motion.acceleration must be >= 0")
	}
	switch c.Motion.BusyPolicy {
	case "":
		c.Motion.BusyPolicy = PolicyReject
	case PolicyReject, PolicyQueue, PolicyReplace:
	default:
		return fmt.Errorf("motion.busy_policy must be reject, queue or replace, got %q", c.Motion.BusyPolicy)
	}

	if c.Camera.Backend == "" {
		c.Camera.Backend = "sim"
	}
	if c.Camera.Label == "" {
		c.Camera.Label = "Image Single Scan"
	}
	if c.Camera.OutputDir == "" {
		c.Camera.OutputDir = "."
	}
	if c.Camera.FrameTimeoutMs <= 0 {
		c.Camera.FrameTimeoutMs = 1000
	}
	if c.Camera.PreviewIntervalMs <= 0 {
		c.Camera.PreviewIntervalMs = 33 // ~30 fps
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = 640
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 480
	}
	if c.Camera.Trigger.Pin > 0 && c.Camera.Trigger.PulseMs <= 0 {
		c.Camera.Trigger.PulseMs = 1
	}

	if c.Scan.Axis == "" {
		c.Scan.Axis = c.Axes[len(c.Axes)-1].Name
	}
	c.Scan.Axis = strings.ToUpper(c.Scan.Axis)
	if !seen[c.Scan.Axis] {
		return fmt.Errorf("scan.axis %q is not a declared axis", c.Scan.Axis)
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}

	if c.SettingsFile == "" {
		c.SettingsFile = "settings.txt"
	}
	return nil
}

// Axis returns the configuration of the named axis.
func (c *Config) Axis(name string) (AxisConfig, bool) {
	name = strings.ToUpper(name)
	for _, a := range c.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return AxisConfig{}, false
}

// AxisNames returns the axis names in declaration order.
func (c *Config) AxisNames() []string {
	names := make([]string, len(c.Axes))
	for i, a := range c.Axes {
		names[i] = a.Name
	}
	return names
}

// PollInterval returns the device status update period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Motion.PollIntervalMs) * time.Millisecond
}

// InitTimeout returns the bound on settings initialization.
func (c *Config) InitTimeout() time.Duration {
	return time.Duration(c.Motion.InitTimeoutMs) * time.Millisecond
}

// MoveTimeout returns the bound on move and jog completion.
func (c *Config) MoveTimeout() time.Duration {
	return time.Duration(c.Motion.MoveTimeoutMs) * time.Millisecond
}

// HomeTimeout returns the bound on homing.
func (c *Config) HomeTimeout() time.Duration {
	return time.Duration(c.Motion.HomeTimeoutMs) * time.Millisecond
}

// FrameTimeout returns the bound on one camera frame wait.
func (c *Config) FrameTimeout() time.Duration {
	return time.Duration(c.Camera.FrameTimeoutMs) * time.Millisecond
}

// PreviewInterval returns the live view refresh period.
func (c *Config) PreviewInterval() time.Duration {
	return time.Duration(c.Camera.PreviewIntervalMs) * time.Millisecond
}

// TriggerPulse returns the hardware trigger pulse width.
func (c *Config) TriggerPulse() time.Duration {
	return time.Duration(c.Camera.Trigger.PulseMs) * time.Millisecond
}
