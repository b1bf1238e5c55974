// Package config loads the daemon's YAML configuration. All fields are
// pointers so a partial file only overrides what it names; the Get*
// accessors supply the defaults. Flags in the mains override file
// values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcline-robotics/motionlink/internal/link"
	"github.com/arcline-robotics/motionlink/internal/motion"
)

// Defaults. None of these are protocol contracts; they are the values
// a bare install runs with.
const (
	DefaultListenAddr      = ":7000"
	DefaultMonitorAddr     = ":8090"
	DefaultDatabasePath    = "motionlink.db"
	DefaultControllerName  = "motionlink-sim"
	DefaultCyclePeriod     = 12 * time.Millisecond
	DefaultWatchdogLimit   = 5
	DefaultHandshakeCycles = 3
)

// SerialConfig selects an optional serial control link alongside TCP.
type SerialConfig struct {
	Device   *string `yaml:"device,omitempty"`
	BaudRate *int    `yaml:"baud_rate,omitempty"`
	DataBits *int    `yaml:"data_bits,omitempty"`
	StopBits *int    `yaml:"stop_bits,omitempty"`
	Parity   *string `yaml:"parity,omitempty"`
}

// CaptureConfig controls live link-traffic capture (requires a build
// with the pcap tag).
type CaptureConfig struct {
	Enabled   *bool   `yaml:"enabled,omitempty"`
	Interface *string `yaml:"interface,omitempty"`
	Port      *int    `yaml:"port,omitempty"`
	File      *string `yaml:"file,omitempty"`
}

// Config is the root daemon configuration.
type Config struct {
	// ListenAddr is the TCP control link listen address.
	ListenAddr *string `yaml:"listen_addr,omitempty"`

	// MonitorAddr is the HTTP monitor listen address.
	MonitorAddr *string `yaml:"monitor_addr,omitempty"`

	// DatabasePath locates the telemetry SQLite database.
	DatabasePath *string `yaml:"database_path,omitempty"`

	// ControllerName is reported to clients in the handshake.
	ControllerName *string `yaml:"controller_name,omitempty"`

	// CyclePeriodUs is the control cycle in microseconds. The enforced
	// period; client proposals are advisory.
	CyclePeriodUs *int `yaml:"cycle_period_us,omitempty"`

	// WatchdogMissLimit is the consecutive missed cycle count that
	// trips the safety stop.
	WatchdogMissLimit *int `yaml:"watchdog_miss_limit,omitempty"`

	// HandshakeCycles bounds the handshake window in cycle periods.
	HandshakeCycles *int `yaml:"handshake_cycles,omitempty"`

	// DebugRoutes enables the /debug/ surface (tailsql browser,
	// backup) on the monitor server.
	DebugRoutes *bool `yaml:"debug_routes,omitempty"`

	Serial  SerialConfig  `yaml:"serial,omitempty"`
	Capture CaptureConfig `yaml:"capture,omitempty"`

	// Limits optionally bounds joint-space absolute targets, keyed by
	// axis name ("A1".."A6", "E1".."E6").
	Limits map[string]motion.AxisLimit `yaml:"limits,omitempty"`
}

// Load reads and validates a YAML config file. An empty path returns
// the all-defaults config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	cleanPath := filepath.Clean(path)
	switch ext := filepath.Ext(cleanPath); ext {
	case ".yml", ".yaml":
	default:
		return nil, fmt.Errorf("config file must have .yaml or .yml extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with. Omitted fields
// are always valid; the accessors default them.
func (c *Config) Validate() error {
	if c.CyclePeriodUs != nil {
		p := time.Duration(*c.CyclePeriodUs) * time.Microsecond
		if p < time.Millisecond || p > time.Second {
			return fmt.Errorf("cycle_period_us %d outside [1ms, 1s]", *c.CyclePeriodUs)
		}
	}
	if c.WatchdogMissLimit != nil && *c.WatchdogMissLimit < 1 {
		return fmt.Errorf("watchdog_miss_limit %d must be at least 1", *c.WatchdogMissLimit)
	}
	if c.HandshakeCycles != nil && *c.HandshakeCycles < 1 {
		return fmt.Errorf("handshake_cycles %d must be at least 1", *c.HandshakeCycles)
	}
	if c.Serial.Device != nil {
		if _, err := c.SerialOptions().Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if _, err := c.BuildLimits(); err != nil {
		return err
	}
	return nil
}

func (c *Config) GetListenAddr() string {
	if c.ListenAddr != nil {
		return *c.ListenAddr
	}
	return DefaultListenAddr
}

func (c *Config) GetMonitorAddr() string {
	if c.MonitorAddr != nil {
		return *c.MonitorAddr
	}
	return DefaultMonitorAddr
}

func (c *Config) GetDatabasePath() string {
	if c.DatabasePath != nil {
		return *c.DatabasePath
	}
	return DefaultDatabasePath
}

func (c *Config) GetControllerName() string {
	if c.ControllerName != nil {
		return *c.ControllerName
	}
	return DefaultControllerName
}

func (c *Config) GetCyclePeriod() time.Duration {
	if c.CyclePeriodUs != nil {
		return time.Duration(*c.CyclePeriodUs) * time.Microsecond
	}
	return DefaultCyclePeriod
}

func (c *Config) GetWatchdogMissLimit() int {
	if c.WatchdogMissLimit != nil {
		return *c.WatchdogMissLimit
	}
	return DefaultWatchdogLimit
}

// GetHandshakeTimeout derives the handshake window from the cycle
// period, floored so a round trip always fits.
func (c *Config) GetHandshakeTimeout() time.Duration {
	cycles := DefaultHandshakeCycles
	if c.HandshakeCycles != nil {
		cycles = *c.HandshakeCycles
	}
	d := time.Duration(cycles) * c.GetCyclePeriod()
	if d < link.MinHandshakeTimeout {
		d = link.MinHandshakeTimeout
	}
	return d
}

func (c *Config) GetDebugRoutes() bool {
	if c.DebugRoutes != nil {
		return *c.DebugRoutes
	}
	return false
}

// SerialDevice returns the configured serial device, empty when the
// serial link is disabled.
func (c *Config) SerialDevice() string {
	if c.Serial.Device != nil {
		return *c.Serial.Device
	}
	return ""
}

// SerialOptions maps the serial section onto link.PortOptions.
func (c *Config) SerialOptions() link.PortOptions {
	var opts link.PortOptions
	if c.Serial.BaudRate != nil {
		opts.BaudRate = *c.Serial.BaudRate
	}
	if c.Serial.DataBits != nil {
		opts.DataBits = *c.Serial.DataBits
	}
	if c.Serial.StopBits != nil {
		opts.StopBits = *c.Serial.StopBits
	}
	if c.Serial.Parity != nil {
		opts.Parity = *c.Serial.Parity
	}
	return opts
}

// CaptureEnabled reports whether live capture is requested.
func (c *Config) CaptureEnabled() bool {
	return c.Capture.Enabled != nil && *c.Capture.Enabled
}

func (c *Config) GetCaptureInterface() string {
	if c.Capture.Interface != nil {
		return *c.Capture.Interface
	}
	return "any"
}

func (c *Config) GetCapturePort() int {
	if c.Capture.Port != nil {
		return *c.Capture.Port
	}
	return 7000
}

func (c *Config) GetCaptureFile() string {
	if c.Capture.File != nil {
		return *c.Capture.File
	}
	return "motionlink.pcap"
}

// BuildLimits converts the limits section into the admission guard.
// Returns nil when no limits are configured.
func (c *Config) BuildLimits() (*motion.Limits, error) {
	if len(c.Limits) == 0 {
		return nil, nil
	}
	axes := make(map[int]motion.AxisLimit, len(c.Limits))
	for name, lim := range c.Limits {
		n, err := axisNumber(name)
		if err != nil {
			return nil, err
		}
		axes[n] = lim
	}
	return motion.NewLimits(axes)
}

// axisNumber maps "A1".."A6" to 1..6 and "E1".."E6" to 7..12.
func axisNumber(name string) (int, error) {
	if len(name) != 2 {
		return 0, fmt.Errorf("limits: unknown axis %q", name)
	}
	d := int(name[1] - '0')
	if d < 1 || d > 6 {
		return 0, fmt.Errorf("limits: unknown axis %q", name)
	}
	switch name[0] {
	case 'A', 'a':
		return d, nil
	case 'E', 'e':
		return d + 6, nil
	}
	return 0, fmt.Errorf("limits: unknown axis %q", name)
}
