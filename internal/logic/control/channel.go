package control

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/hw/as5600"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
	"github.com/cjeanneret/RobArm/internal/hw/motor"
	"github.com/cjeanneret/RobArm/internal/logic/actuation"
	"github.com/cjeanneret/RobArm/internal/logic/estimator"
	"github.com/cjeanneret/RobArm/internal/logic/pid"
)

// AngleSource reads one angle sensor over a bus held by the caller.
type AngleSource interface {
	Read(b i2c.Bus) (as5600.Sample, error)
}

// Actuator is the motor output of one channel.
type Actuator interface {
	Drive(dir motor.Direction, duty uint8) error
	Halt() error
	Resume()
	Halted() bool
}

// MagnetPolicy decides what the loop does when a sensor reports no magnet.
type MagnetPolicy int

const (
	// MagnetHold keeps the last good angle.
	MagnetHold MagnetPolicy = iota
	// MagnetZero feeds 0 to the controller.
	MagnetZero
	// MagnetDisable stops driving the motor until the magnet is back.
	MagnetDisable
)

// ParseMagnetPolicy accepts "hold", "zero" or "disable" ("" means hold).
func ParseMagnetPolicy(s string) (MagnetPolicy, error) {
	switch s {
	case "", "hold":
		return MagnetHold, nil
	case "zero":
		return MagnetZero, nil
	case "disable":
		return MagnetDisable, nil
	}
	return MagnetHold, errors.Errorf("unknown magnet policy %q (want hold, zero or disable)", s)
}

func (p MagnetPolicy) String() string {
	switch p {
	case MagnetZero:
		return "zero"
	case MagnetDisable:
		return "disable"
	}
	return "hold"
}

// Limits are the largest gains SetGains accepts for a channel.
type Limits struct {
	MaxKp float64 `json:"max_kp"`
	MaxKi float64 `json:"max_ki"`
	MaxKd float64 `json:"max_kd"`
}

// ChannelConfig describes one axis.
type ChannelConfig struct {
	Name     string
	Bus      bus.Config
	Sensor   AngleSource
	Actuator Actuator
	Mapper   actuation.Mapper
	Limits   Limits

	// Filter is optional; when nil the raw reading is used.
	Filter         *estimator.Filter
	FilterVariance float64

	OnMagnetLost MagnetPolicy
}

// Channel is one axis: sensor, optional filter, PID and actuator.
//
// The sensor and filter are only touched by the holder of the bus token, so
// the loop and telemetry never use them at the same time.
type Channel struct {
	cfg ChannelConfig
	pid *pid.Controller

	// time since the filter last ran, carried over failed reads
	pendingDt time.Duration

	mu         sync.Mutex
	last       float64
	present    bool
	correction float64
	cmd        actuation.Command
}

// NewChannel creates a channel with zero gains and setpoint.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Name == "" {
		return nil, errors.New("channel: empty name")
	}
	if cfg.Sensor == nil {
		return nil, errors.Errorf("channel %s: nil sensor", cfg.Name)
	}
	if cfg.Actuator == nil {
		return nil, errors.Errorf("channel %s: nil actuator", cfg.Name)
	}
	if cfg.Bus.Name == "" {
		cfg.Bus.Name = cfg.Name
	}
	return &Channel{cfg: cfg, pid: pid.New(), present: true}, nil
}

// Name returns the channel name, "arm" or "wrist".
func (c *Channel) Name() string { return c.cfg.Name }

// PID returns the channel's controller.
func (c *Channel) PID() *pid.Controller { return c.pid }

// Limits returns the gain caps enforced on requests.
func (c *Channel) Limits() Limits { return c.cfg.Limits }

// Actuator returns the motor the channel drives.
func (c *Channel) Actuator() Actuator { return c.cfg.Actuator }

// Filtered reports whether readings go through the estimator.
func (c *Channel) Filtered() bool { return c.cfg.Filter != nil }

// LastAngle returns the last angle handed to the controller and whether the
// magnet was present on the last successful read.
func (c *Channel) LastAngle() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.present
}

// Output returns the last correction and the command derived from it.
func (c *Channel) Output() (float64, actuation.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.correction, c.cmd
}

// readSample reads the sensor through the arbiter.
func (c *Channel) readSample(arb *bus.Arbiter) (as5600.Sample, error) {
	var smp as5600.Sample
	err := arb.With(c.cfg.Bus, func(b i2c.Bus) error {
		var err error
		smp, err = c.cfg.Sensor.Read(b)
		return err
	})
	return smp, err
}

// measure produces the angle for this tick. The second result is false when
// the motor must not be driven.
func (c *Channel) measure(arb *bus.Arbiter, dt time.Duration) (float64, bool) {
	c.pendingDt += dt

	smp, err := c.readSample(arb)
	if err != nil {
		last, _ := c.LastAngle()
		debug.Verbose("%s: read failed, reusing %.2f: %v", c.cfg.Name, last, err)
		return last, true
	}

	if !smp.Present {
		c.setPresent(false)
		switch c.cfg.OnMagnetLost {
		case MagnetZero:
			// Reported as 0 without touching the filter state.
			debug.Sample(c.cfg.Name, 0, 0)
			c.mu.Lock()
			c.last = 0
			c.mu.Unlock()
			return 0, true
		case MagnetDisable:
			last, _ := c.LastAngle()
			return last, false
		default:
			last, _ := c.LastAngle()
			return last, true
		}
	}

	raw := smp.Degrees
	val := raw
	if c.cfg.Filter != nil {
		c.cfg.Filter.Predict(c.pendingDt)
		c.cfg.Filter.Update(raw, c.cfg.FilterVariance)
		val = c.cfg.Filter.Pos()
	}
	c.pendingDt = 0
	debug.Sample(c.cfg.Name, raw, val)

	c.mu.Lock()
	c.last = val
	c.present = true
	c.mu.Unlock()
	return val, true
}

func (c *Channel) setPresent(v bool) {
	c.mu.Lock()
	if c.present && !v {
		debug.Warn("%s: magnet lost, policy %s", c.cfg.Name, c.cfg.OnMagnetLost)
	}
	c.present = v
	c.mu.Unlock()
}

// drive computes the correction and writes it. With enabled false the
// controller is not stepped and the motor is driven at duty 0.
func (c *Channel) drive(measured float64, elapsedMicros uint32, enabled bool) error {
	var corr float64
	cmd := actuation.Command{}
	if enabled {
		corr = c.pid.Compute(measured, elapsedMicros)
		cmd = c.cfg.Mapper.Map(corr)
	} else {
		_, prev := c.Output()
		cmd.Direction = prev.Direction
	}

	c.mu.Lock()
	c.correction, c.cmd = corr, cmd
	c.mu.Unlock()

	if debug.IsEnabled(debug.LevelLive) {
		debug.Drive(c.cfg.Name, corr, cmd.Direction.String(), cmd.Duty)
	}
	return c.cfg.Actuator.Drive(cmd.Direction, cmd.Duty)
}
