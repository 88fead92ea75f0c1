package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file.
const MaxConfigFileBytes = 1 << 20

// ConfigDir is the directory every config file must live in.
const ConfigDir = "configs"

// SensorConfig describes one AS5600 and the bus it sits on.
type SensorConfig struct {
	Bus              string  `yaml:"bus" toml:"bus"`                             // periph bus name, e.g. "I2C1"
	InitBus          string  `yaml:"init_bus" toml:"init_bus"`                   // bus used by the boot-time raw read; "" = bus
	SpeedHz          int     `yaml:"speed_hz" toml:"speed_hz"`                   // default 100000
	Address          uint16  `yaml:"address" toml:"address"`                     // default 0x36
	OffsetDeg        float64 `yaml:"offset_deg" toml:"offset_deg"`               // software zero offset
	CounterClockwise bool    `yaml:"counter_clockwise" toml:"counter_clockwise"` // invert count direction
	MultiTurn        bool    `yaml:"multi_turn" toml:"multi_turn"`               // cumulative angle (wrist)
	GearRatio        float64 `yaml:"gear_ratio" toml:"gear_ratio"`               // sensor turns per joint turn
	Filter           bool    `yaml:"filter" toml:"filter"`                       // run readings through the Kalman filter
	FilterVariance   float64 `yaml:"filter_variance" toml:"filter_variance"`     // measurement variance, default 0.5
	OnMagnetLost     string  `yaml:"on_magnet_lost" toml:"on_magnet_lost"`       // hold (default), zero or disable
	SimStartDeg      float64 `yaml:"sim_start_deg" toml:"sim_start_deg"`         // simulated shaft angle at boot (mock_hw)
}

// MotorConfig holds the H-bridge pins (BCM numbering).
type MotorConfig struct {
	PWMPin    int    `yaml:"pwm_pin" toml:"pwm_pin"` // must be hardware PWM capable
	A1Pin     int    `yaml:"a1_pin" toml:"a1_pin"`
	A2Pin     int    `yaml:"a2_pin" toml:"a2_pin"`
	Polarity  string `yaml:"polarity" toml:"polarity"`       // normal (default) or inverted
	PWMFreqHz int    `yaml:"pwm_freq_hz" toml:"pwm_freq_hz"` // default 5000
}

// LimitsConfig caps the gains accepted at runtime.
type LimitsConfig struct {
	MaxKp float64 `yaml:"max_kp" toml:"max_kp"`
	MaxKi float64 `yaml:"max_ki" toml:"max_ki"`
	MaxKd float64 `yaml:"max_kd" toml:"max_kd"`
}

// ChannelConfig is one axis.
type ChannelConfig struct {
	Sensor SensorConfig `yaml:"sensor" toml:"sensor"`
	Motor  MotorConfig  `yaml:"motor" toml:"motor"`
	Limits LimitsConfig `yaml:"limits" toml:"limits"`
}

// LoopConfig holds the control loop timings.
type LoopConfig struct {
	PeriodMs         int `yaml:"period_ms" toml:"period_ms"`                   // minimum time between two reads (default 20)
	SleepMs          int `yaml:"sleep_ms" toml:"sleep_ms"`                     // pause after each cycle (default 10)
	YieldMs          int `yaml:"yield_ms" toml:"yield_ms"`                     // pause after a skipped cycle (default 1)
	BusTimeoutMs     int `yaml:"bus_timeout_ms" toml:"bus_timeout_ms"`         // bounded bus wait (default 100)
	TelemetryCacheMs int `yaml:"telemetry_cache_ms" toml:"telemetry_cache_ms"` // telemetry cache (default 200)
	CommandTimeoutMs int `yaml:"command_timeout_ms" toml:"command_timeout_ms"` // 0 = watchdog disabled
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel    int    `yaml:"debug_level" toml:"debug_level"`       // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHW        bool   `yaml:"mock_hw" toml:"mock_hw"`               // simulated plant instead of GPIO/I2C
	SerialConsole string `yaml:"serial_console" toml:"serial_console"` // serial port mirroring the log, "" = off
	SerialBaud    int    `yaml:"serial_baud" toml:"serial_baud"`       // default 115200
}

// Config aggregates all application configuration.
type Config struct {
	Arm      ChannelConfig  `yaml:"arm" toml:"arm"`
	Wrist    ChannelConfig  `yaml:"wrist" toml:"wrist"`
	Loop     LoopConfig     `yaml:"loop" toml:"loop"`
	Defaults DefaultsConfig `yaml:"defaults" toml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml or .toml file directly
// inside a configs/ directory, after cleaning.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	clean := filepath.Clean(path)
	switch filepath.Ext(clean) {
	case ".yaml", ".toml":
	default:
		return fmt.Errorf("config file must be .yaml or .toml, got %q", filepath.Base(clean))
	}
	if filepath.Base(filepath.Dir(clean)) != ConfigDir {
		return fmt.Errorf("config file must be inside a %s/ directory, got %q", ConfigDir, path)
	}
	return nil
}

// Load reads a YAML or TOML file (chosen by extension) and returns the
// configuration with defaults applied.
func Load(path string) (*Config, error) {
	if err := ValidateConfigPath(path); err != nil {
		return nil, err
	}
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
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	for _, ch := range []struct {
		name string
		cfg  *ChannelConfig
	}{{"arm", &c.Arm}, {"wrist", &c.Wrist}} {
		if err := ch.cfg.applyDefaults(ch.name); err != nil {
			return err
		}
	}
	pins := map[int]string{}
	for _, p := range []struct {
		name string
		pin  int
	}{
		{"arm.motor.pwm_pin", c.Arm.Motor.PWMPin},
		{"arm.motor.a1_pin", c.Arm.Motor.A1Pin},
		{"arm.motor.a2_pin", c.Arm.Motor.A2Pin},
		{"wrist.motor.pwm_pin", c.Wrist.Motor.PWMPin},
		{"wrist.motor.a1_pin", c.Wrist.Motor.A1Pin},
		{"wrist.motor.a2_pin", c.Wrist.Motor.A2Pin},
	} {
		if prev, ok := pins[p.pin]; ok {
			return fmt.Errorf("%s and %s share pin %d", prev, p.name, p.pin)
		}
		pins[p.pin] = p.name
	}

	l := &c.Loop
	if l.PeriodMs <= 0 {
		l.PeriodMs = 20
	}
	if l.SleepMs <= 0 {
		l.SleepMs = 10
	}
	if l.YieldMs <= 0 {
		l.YieldMs = 1
	}
	if l.BusTimeoutMs <= 0 {
		l.BusTimeoutMs = 100
	}
	if l.TelemetryCacheMs <= 0 {
		l.TelemetryCacheMs = 200
	}
	if l.CommandTimeoutMs < 0 {
		return fmt.Errorf("loop.command_timeout_ms must be >= 0, got %d", l.CommandTimeoutMs)
	}

	d := &c.Defaults
	if d.DebugLevel < 0 || d.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", d.DebugLevel)
	}
	if d.SerialBaud <= 0 {
		d.SerialBaud = 115200
	}
	return nil
}

func (ch *ChannelConfig) applyDefaults(name string) error {
	s := &ch.Sensor
	if s.Bus == "" {
		return fmt.Errorf("%s.sensor.bus is required", name)
	}
	if s.InitBus == "" {
		s.InitBus = s.Bus
	}
	if s.SpeedHz <= 0 {
		s.SpeedHz = 100000 // 100 kHz standard mode
	}
	if s.Address == 0 {
		s.Address = 0x36
	}
	if s.GearRatio == 0 {
		s.GearRatio = 1
	}
	if s.GearRatio < 0 || math.IsNaN(s.GearRatio) {
		return fmt.Errorf("%s.sensor.gear_ratio must be > 0, got %v", name, s.GearRatio)
	}
	if s.FilterVariance <= 0 {
		s.FilterVariance = 0.5
	}
	switch s.OnMagnetLost {
	case "":
		s.OnMagnetLost = "hold"
	case "hold", "zero", "disable":
	default:
		return fmt.Errorf("%s.sensor.on_magnet_lost must be hold, zero or disable, got %q", name, s.OnMagnetLost)
	}

	m := &ch.Motor
	if m.PWMPin <= 0 || m.A1Pin <= 0 || m.A2Pin <= 0 {
		return fmt.Errorf("%s.motor: pwm_pin, a1_pin and a2_pin are required", name)
	}
	switch m.Polarity {
	case "":
		m.Polarity = "normal"
	case "normal", "inverted":
	default:
		return fmt.Errorf("%s.motor.polarity must be normal or inverted, got %q", name, m.Polarity)
	}
	if m.PWMFreqHz <= 0 {
		m.PWMFreqHz = 5000
	}

	lim := &ch.Limits
	for _, v := range []struct {
		field string
		val   float64
	}{{"max_kp", lim.MaxKp}, {"max_ki", lim.MaxKi}, {"max_kd", lim.MaxKd}} {
		if v.val <= 0 || math.IsNaN(v.val) || math.IsInf(v.val, 0) {
			return fmt.Errorf("%s.limits.%s must be > 0, got %v", name, v.field, v.val)
		}
	}
	return nil
}

// Period returns the minimum time between two control reads.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Loop.PeriodMs) * time.Millisecond
}

// Sleep returns the pause after each executed cycle.
func (c *Config) Sleep() time.Duration {
	return time.Duration(c.Loop.SleepMs) * time.Millisecond
}

// Yield returns the pause after a rate-gated cycle.
func (c *Config) Yield() time.Duration {
	return time.Duration(c.Loop.YieldMs) * time.Millisecond
}

// BusTimeout returns the bounded wait for the sensor bus.
func (c *Config) BusTimeout() time.Duration {
	return time.Duration(c.Loop.BusTimeoutMs) * time.Millisecond
}

// TelemetryCache returns how long a telemetry sample is reused.
func (c *Config) TelemetryCache() time.Duration {
	return time.Duration(c.Loop.TelemetryCacheMs) * time.Millisecond
}

// CommandTimeout returns the command watchdog window (0 = disabled).
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Loop.CommandTimeoutMs) * time.Millisecond
}
