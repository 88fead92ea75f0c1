package main

import (
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/periph/conn/i2c"

	"github.com/cjeanneret/RobArm/internal/config"
	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/hw/as5600"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
	"github.com/cjeanneret/RobArm/internal/hw/gpio"
	"github.com/cjeanneret/RobArm/internal/hw/motor"
	"github.com/cjeanneret/RobArm/internal/hw/sim"
	"github.com/cjeanneret/RobArm/internal/logic/actuation"
	"github.com/cjeanneret/RobArm/internal/logic/control"
	"github.com/cjeanneret/RobArm/internal/logic/estimator"
)

// simMaxSpeedDeg is the simulated sensor shaft speed at full duty.
const simMaxSpeedDeg = 360

// system is the wired controller: hardware, loop and request handler.
type system struct {
	gpio    gpio.Driver
	plant   *sim.Plant // nil on real hardware
	arb     *bus.Arbiter
	loop    *control.Loop
	service *control.Service
}

// newSystem brings up the hardware described by cfg and wires both
// channels. A nil clk uses the wall clock.
func newSystem(cfg *config.Config, clk clock.Clock) (*system, error) {
	if clk == nil {
		clk = clock.New()
	}
	s := &system{}

	debug.Value("Mock hardware", cfg.Defaults.MockHW)
	debug.Step(1, "Initializing GPIO and I2C")
	var opener bus.Opener
	if cfg.Defaults.MockHW {
		s.plant = sim.NewPlant(clk)
		for _, j := range []struct {
			name string
			ch   config.ChannelConfig
		}{{"arm", cfg.Arm}, {"wrist", cfg.Wrist}} {
			s.plant.AddJoint(sim.JointConfig{
				Name:        j.name,
				Bus:         j.ch.Sensor.Bus,
				PWMPin:      j.ch.Motor.PWMPin,
				A1Pin:       j.ch.Motor.A1Pin,
				A2Pin:       j.ch.Motor.A2Pin,
				StartDeg:    j.ch.Sensor.SimStartDeg,
				MaxSpeedDeg: simMaxSpeedDeg,
			})
		}
		s.gpio, opener = s.plant, s.plant
	} else {
		g, err := gpio.NewRPiRealDriver()
		if err != nil {
			return nil, errors.Wrap(err, "init GPIO")
		}
		s.gpio, opener = g, bus.NewPeriphOpener()
	}

	debug.Step(2, "Initializing bus arbiter")
	arb, err := bus.NewArbiter(opener, cfg.BusTimeout(), clk)
	if err != nil {
		return nil, multierr.Append(err, s.gpio.Close())
	}
	s.arb = arb

	debug.Step(3, "Initializing channels")
	arm, err := s.newChannel("arm", cfg.Arm)
	if err != nil {
		return nil, multierr.Append(err, s.gpio.Close())
	}
	wrist, err := s.newChannel("wrist", cfg.Wrist)
	if err != nil {
		return nil, multierr.Append(err, s.gpio.Close())
	}

	debug.Step(4, "Starting control loop")
	loop, err := control.NewLoop(arb, arm, wrist, clk, control.LoopConfig{
		Period:         cfg.Period(),
		Yield:          cfg.Yield(),
		Sleep:          cfg.Sleep(),
		CommandTimeout: cfg.CommandTimeout(),
	})
	if err != nil {
		return nil, multierr.Append(err, s.gpio.Close())
	}
	s.loop = loop
	s.service = control.NewService(loop, clk, cfg.TelemetryCache())
	debug.PrintStruct("Loop config", cfg.Loop)
	return s, nil
}

// newChannel builds the sensor, motor and filter of one axis. The raw angle
// read runs on the init bus; the magnet check and the cumulative zero always
// run on the channel's own bus.
func (s *system) newChannel(name string, cc config.ChannelConfig) (*control.Channel, error) {
	debug.PrintStruct(name+" config", cc)

	sensor := as5600.New(as5600.Config{
		Address:          cc.Sensor.Address,
		OffsetDeg:        cc.Sensor.OffsetDeg,
		CounterClockwise: cc.Sensor.CounterClockwise,
		MultiTurn:        cc.Sensor.MultiTurn,
		GearRatio:        cc.Sensor.GearRatio,
	})
	initBus := bus.Config{Name: name + " init", Bus: cc.Sensor.InitBus, SpeedHz: cc.Sensor.SpeedHz}
	err := s.arb.With(initBus, func(b i2c.Bus) error {
		raw, err := sensor.ReadRaw(b)
		debug.Value(name+" raw angle on "+cc.Sensor.InitBus, raw)
		return err
	})
	if err != nil {
		debug.Warn("%s raw angle on %s failed: %v", name, cc.Sensor.InitBus, err)
	}

	ownBus := bus.Config{Name: name, Bus: cc.Sensor.Bus, SpeedHz: cc.Sensor.SpeedHz}
	err = s.arb.With(ownBus, func(b i2c.Bus) error {
		st, err := sensor.Begin(b, name)
		debug.Value(name+" magnet detected", st.Detected)
		return err
	})
	if err != nil {
		// The loop tolerates read failures; the sensor may come up later.
		debug.Warn("%s sensor init on %s failed: %v", name, cc.Sensor.Bus, err)
	}

	hb, err := motor.NewHBridge(s.gpio, name, motor.Config{
		PWMPin:    cc.Motor.PWMPin,
		A1Pin:     cc.Motor.A1Pin,
		A2Pin:     cc.Motor.A2Pin,
		PWMFreqHz: cc.Motor.PWMFreqHz,
	})
	if err != nil {
		return nil, err
	}
	pol, err := actuation.ParsePolarity(cc.Motor.Polarity)
	if err != nil {
		return nil, errors.Wrapf(err, "%s motor", name)
	}
	policy, err := control.ParseMagnetPolicy(cc.Sensor.OnMagnetLost)
	if err != nil {
		return nil, errors.Wrapf(err, "%s sensor", name)
	}

	var filter *estimator.Filter
	if cc.Sensor.Filter {
		filter = estimator.New(0, 0, estimator.DefaultAccelVariance)
	}

	return control.NewChannel(control.ChannelConfig{
		Name:     name,
		Bus:      ownBus,
		Sensor:   sensor,
		Actuator: hb,
		Mapper:   actuation.Mapper{Polarity: pol},
		Limits: control.Limits{
			MaxKp: cc.Limits.MaxKp,
			MaxKi: cc.Limits.MaxKi,
			MaxKd: cc.Limits.MaxKd,
		},
		Filter:         filter,
		FilterVariance: cc.Sensor.FilterVariance,
		OnMagnetLost:   policy,
	})
}

// Close stops both motors and releases the GPIO driver.
func (s *system) Close() error {
	err := s.loop.EmergencyStop()
	return multierr.Append(err, s.gpio.Close())
}
