// Package sim is a software stand-in for the arm hardware, used when
// mock_hw is set. It answers AS5600 register reads on per-joint I2C buses and
// integrates the H-bridge PWM outputs into shaft motion.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
	"github.com/cjeanneret/RobArm/internal/hw/gpio"
)

const (
	sensorAddr  = 0x36
	regStatus   = 0x0B
	regRawAngle = 0x0C
	regAngle    = 0x0E
)

// JointConfig wires one simulated joint to its pins and bus.
type JointConfig struct {
	Name        string
	Bus         string  // bus name the joint's sensor answers on
	PWMPin      int
	A1Pin       int
	A2Pin       int
	MaxSpeedDeg float64 // sensor shaft speed at full duty, degrees/second
	StartDeg    float64 // initial sensor shaft angle
}

// Joint is the simulated state of one axis.
type Joint struct {
	cfg      JointConfig
	shaftDeg float64
	a1, a2   gpio.Level
	duty     uint8
	magnet   bool
}

// Plant holds every simulated joint. It implements gpio.Driver and bus.Opener.
type Plant struct {
	mu     sync.Mutex
	clk    clock.Clock
	last   time.Time
	joints []*Joint
	byBus  map[string]*Joint
}

// NewPlant creates an empty plant advanced by clk.
func NewPlant(clk clock.Clock) *Plant {
	if clk == nil {
		clk = clock.New()
	}
	return &Plant{
		clk:   clk,
		last:  clk.Now(),
		byBus: make(map[string]*Joint),
	}
}

// AddJoint registers a joint. Its magnet starts detected.
func (p *Plant) AddJoint(cfg JointConfig) *Joint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxSpeedDeg <= 0 {
		cfg.MaxSpeedDeg = 360
	}
	j := &Joint{cfg: cfg, shaftDeg: cfg.StartDeg, a1: gpio.High, magnet: true}
	p.joints = append(p.joints, j)
	p.byBus[cfg.Bus] = j
	return j
}

// SetMagnet simulates a magnet drop-out (or its return) on a joint.
func (p *Plant) SetMagnet(name string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, j := range p.joints {
		if j.cfg.Name == name {
			j.magnet = present
		}
	}
}

// ShaftDeg returns the current sensor shaft angle of a joint.
func (p *Plant) ShaftDeg(name string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance()
	for _, j := range p.joints {
		if j.cfg.Name == name {
			return j.shaftDeg
		}
	}
	return math.NaN()
}

// advance integrates motion since the last call. Caller holds p.mu.
func (p *Plant) advance() {
	now := p.clk.Now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt <= 0 {
		return
	}
	for _, j := range p.joints {
		sign := 0.0
		switch {
		case j.a1 == gpio.Low && j.a2 == gpio.High:
			sign = 1
		case j.a1 == gpio.High && j.a2 == gpio.Low:
			sign = -1
		}
		j.shaftDeg += sign * float64(j.duty) / gpio.DutyResolution * j.cfg.MaxSpeedDeg * dt
	}
}

func (p *Plant) jointForPin(pin int) (*Joint, string) {
	for _, j := range p.joints {
		switch pin {
		case j.cfg.PWMPin:
			return j, "pwm"
		case j.cfg.A1Pin:
			return j, "a1"
		case j.cfg.A2Pin:
			return j, "a2"
		}
	}
	return nil, ""
}

// --- gpio.Driver ---

func (p *Plant) SetupPin(pin int, mode gpio.PinMode) error {
	debug.GPIO("SetupPin (sim)", pin, mode)
	return nil
}

func (p *Plant) WritePin(pin int, level gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	debug.GPIO("WritePin (sim)", pin, level)
	p.advance()
	j, role := p.jointForPin(pin)
	switch role {
	case "a1":
		j.a1 = level
	case "a2":
		j.a2 = level
	}
	return nil
}

func (p *Plant) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (p *Plant) SetupPWM(pin int, freqHz int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, role := p.jointForPin(pin); role != "pwm" {
		return errors.Errorf("sim: pin %d is not a PWM pin of any joint", pin)
	}
	return nil
}

func (p *Plant) WritePWM(pin int, duty uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	debug.GPIO("WritePWM (sim)", pin, duty)
	p.advance()
	j, role := p.jointForPin(pin)
	if role != "pwm" {
		return errors.Errorf("sim: pin %d is not a PWM pin of any joint", pin)
	}
	j.duty = duty
	return nil
}

func (p *Plant) Close() error {
	return nil
}

// --- bus.Opener ---

// Open returns the simulated bus a joint's sensor answers on.
func (p *Plant) Open(cfg bus.Config) (i2c.BusCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.byBus[cfg.Bus]
	if !ok {
		return nil, errors.Errorf("sim: no joint on bus %q", cfg.Bus)
	}
	return &simBus{plant: p, joint: j, name: cfg.Bus}, nil
}

type simBus struct {
	plant *Plant
	joint *Joint
	name  string
}

func (b *simBus) String() string                    { return b.name }
func (b *simBus) SetSpeed(f physic.Frequency) error { return nil }
func (b *simBus) Halt() error                       { return nil }
func (b *simBus) Close() error                      { return nil }

// Tx emulates the AS5600 register file: single byte register writes followed
// by 1 or 2 byte reads.
func (b *simBus) Tx(addr uint16, w, r []byte) error {
	if addr != sensorAddr {
		return errors.Errorf("sim: no device at 0x%02X on %s", addr, b.name)
	}
	if len(w) != 1 {
		return errors.Errorf("sim: unsupported write of %d bytes", len(w))
	}

	b.plant.mu.Lock()
	defer b.plant.mu.Unlock()
	b.plant.advance()
	j := b.joint

	switch w[0] {
	case regStatus:
		if len(r) != 1 {
			return errors.New("sim: status is one byte")
		}
		r[0] = 0
		if j.magnet {
			r[0] = 0x20
		}
	case regAngle, regRawAngle:
		if len(r) != 2 {
			return errors.New("sim: angle is two bytes")
		}
		deg := math.Mod(j.shaftDeg, 360)
		if deg < 0 {
			deg += 360
		}
		c := uint16(deg/360*4096) & 0x0FFF
		r[0], r[1] = byte(c>>8), byte(c)
	default:
		return errors.Errorf("sim: unsupported register 0x%02X", w[0])
	}
	return nil
}
