package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file read by Load.
const MaxConfigFileBytes = 64 * 1024

// TriggerConfig holds the trigger generator parameters sent to the microcontroller.
type TriggerConfig struct {
	Enabled        bool   `yaml:"enabled"`         // hardware triggering on; false = free-run capture
	Mode           int    `yaml:"mode"`            // 0 random, 1 random+zero mod, 2 modulo, 3 modulo+zero mod
	Count          int    `yaml:"count"`           // pulses per camera (also the frame count)
	DeltaTUs       int    `yaml:"deltat_us"`       // minimum spacing between two triggers (µs)
	N              int    `yaml:"n"`               // the 'n' parameter
	PulseWidthUs   int    `yaml:"pulse_width_us"`  // trigger pulse width (µs), must be < deltat
	StrobeWidthUs  int    `yaml:"strobe_width_us"` // strobe pulse width (µs), must be < deltat; 0 = no strobe
	StrobeDelayUs  int    `yaml:"strobe_delay_us"` // strobe delay (µs), signed
	TimestampsName string `yaml:"timestamps_name"` // base name for t1_<name>.txt / t2_<name>.txt
}

// SerialConfig describes the serial link to the trigger microcontroller.
type SerialConfig struct {
	Port          string `yaml:"port"`            // empty = enumerate available ports
	Baud          int    `yaml:"baud"`            // e.g. 115200
	ReadTimeoutMs int    `yaml:"read_timeout_ms"` // per-read timeout; an empty read ends a read-back
	SettleMs      int    `yaml:"settle_ms"`       // wait after identification before the first command
	Protocol      int    `yaml:"protocol"`        // wire revision: 1 (mode int8) or 2 (mode int16)
	ResetPin      int    `yaml:"reset_pin"`       // GPIO (BCM) wired to the board reset. 0 = not used. Active LOW.
	ResetPulseMs  int    `yaml:"reset_pulse_ms"`  // reset hold time
}

// CameraConfig selects the camera driver and the two devices.
type CameraConfig struct {
	Driver      string `yaml:"driver"`       // e.g. "sim"
	Cam1Serial  string `yaml:"cam1_serial"`  // serial number of camera 1
	Cam2Serial  string `yaml:"cam2_serial"`  // serial number of camera 2
	PixelFormat string `yaml:"pixel_format"` // "mono8" or "mono16"
	Width       int    `yaml:"width"`        // image width (px)
	Height      int    `yaml:"height"`       // image height (px)
}

// RelayConfig controls the capture worker and the frame queue.
type RelayConfig struct {
	Isolation     string `yaml:"isolation"`       // "process" or "goroutine"
	QueueSize     int    `yaml:"queue_size"`      // frame pairs buffered in the parent
	StopTimeoutMs int    `yaml:"stop_timeout_ms"` // grace period before the worker is killed
}

// MQTTConfig is optional: status events are published when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`       // host:port, empty = disabled
	TopicPrefix string `yaml:"topic_prefix"` // e.g. "cddm"
	ClientID    string `yaml:"client_id"`    // empty = generated
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Trigger  TriggerConfig  `yaml:"trigger"`
	Serial   SerialConfig   `yaml:"serial"`
	Camera   CameraConfig   `yaml:"camera"`
	Relay    RelayConfig    `yaml:"relay"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path points to a .yaml file inside a configs/ directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension, got %q", filepath.Ext(clean))
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory, got %q", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
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

// applyDefaults validates required fields and fills in defaults.
func (c *Config) applyDefaults() error {
	// Basic validation
	if c.Camera.Driver == "" {
		return errors.New("camera.driver is required")
	}
	if c.Camera.Cam1Serial == "" || c.Camera.Cam2Serial == "" {
		return errors.New("camera.cam1_serial and camera.cam2_serial are required")
	}
	if c.Camera.Cam1Serial == c.Camera.Cam2Serial {
		return fmt.Errorf("camera serials must differ, both are %q", c.Camera.Cam1Serial)
	}
	switch c.Camera.PixelFormat {
	case "":
		c.Camera.PixelFormat = "mono8"
	case "mono8", "mono16":
	default:
		return fmt.Errorf("camera.pixel_format must be mono8 or mono16, got %q", c.Camera.PixelFormat)
	}
	if c.Camera.Width <= 0 {
		c.Camera.Width = 720
	}
	if c.Camera.Height <= 0 {
		c.Camera.Height = 540
	}

	if c.Trigger.Count <= 0 {
		return fmt.Errorf("trigger.count must be > 0, got %d", c.Trigger.Count)
	}
	if c.Trigger.DeltaTUs <= 0 {
		c.Trigger.DeltaTUs = 30000
	}
	if c.Trigger.N <= 0 {
		c.Trigger.N = 1
	}
	if c.Trigger.PulseWidthUs <= 0 {
		c.Trigger.PulseWidthUs = 30
	}
	if c.Trigger.PulseWidthUs >= c.Trigger.DeltaTUs {
		return fmt.Errorf("trigger.pulse_width_us (%d) must be lower than deltat_us (%d)", c.Trigger.PulseWidthUs, c.Trigger.DeltaTUs)
	}
	if c.Trigger.StrobeWidthUs >= c.Trigger.DeltaTUs {
		return fmt.Errorf("trigger.strobe_width_us (%d) must be lower than deltat_us (%d)", c.Trigger.StrobeWidthUs, c.Trigger.DeltaTUs)
	}
	if c.Trigger.TimestampsName == "" {
		c.Trigger.TimestampsName = "trigger"
	}

	// Default values for the serial link
	if c.Serial.Baud <= 0 {
		c.Serial.Baud = 115200
	}
	if c.Serial.ReadTimeoutMs <= 0 {
		c.Serial.ReadTimeoutMs = 2000
	}
	if c.Serial.SettleMs < 0 {
		return fmt.Errorf("serial.settle_ms must be >= 0, got %d", c.Serial.SettleMs)
	}
	if c.Serial.Protocol == 0 {
		c.Serial.Protocol = 2
	}
	if c.Serial.Protocol != 1 && c.Serial.Protocol != 2 {
		return fmt.Errorf("serial.protocol must be 1 or 2, got %d", c.Serial.Protocol)
	}
	if c.Serial.ResetPin > 0 && c.Serial.ResetPulseMs <= 0 {
		c.Serial.ResetPulseMs = 100
	}

	switch c.Relay.Isolation {
	case "":
		c.Relay.Isolation = "process"
	case "process", "goroutine":
	default:
		return fmt.Errorf("relay.isolation must be process or goroutine, got %q", c.Relay.Isolation)
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = 16
	}
	if c.Relay.StopTimeoutMs <= 0 {
		c.Relay.StopTimeoutMs = 2000
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "cddm"
	}
	return nil
}

// ReadTimeout returns the per-read serial timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Serial.ReadTimeoutMs) * time.Millisecond
}

// SettleDelay returns the wait between identification and the first command.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Serial.SettleMs) * time.Millisecond
}

// ResetPulse returns how long the reset line is held LOW.
func (c *Config) ResetPulse() time.Duration {
	return time.Duration(c.Serial.ResetPulseMs) * time.Millisecond
}

// StopTimeout returns the grace period given to the worker before it is killed.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Relay.StopTimeoutMs) * time.Millisecond
}

// FrameCount returns the number of frame pairs an acquisition requests.
func (c *Config) FrameCount() int {
	return c.Trigger.Count
}
