// Package as5600 reads the AS5600 12-bit magnetic rotary position sensor.
//
// The sensor is not bound to a bus: the bus is handed in on every call, since
// it is only valid while the caller holds the bus arbitration token.
package as5600

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/mmr"

	"github.com/cjeanneret/RobArm/internal/debug"
)

// DefaultAddress is the fixed I2C address of the AS5600.
const DefaultAddress = 0x36

// Counts per revolution (12 bit).
const CountsPerRev = 4096

// Registers
const (
	regStatus   = 0x0B
	regRawAngle = 0x0C
	regAngle    = 0x0E
)

// Status register bits
const (
	statusMH = 1 << 3 // magnet too strong
	statusML = 1 << 4 // magnet too weak
	statusMD = 1 << 5 // magnet detected
)

// Config describes one sensor instance.
type Config struct {
	Address          uint16
	OffsetDeg        float64 // software zero offset, degrees
	CounterClockwise bool    // invert the count direction
	MultiTurn        bool    // report an unwrapped cumulative angle
	GearRatio        float64 // sensor turns per joint turn, multi-turn only (0 = 1)
}

// Status is the magnet quality reported by the sensor.
type Status struct {
	Detected  bool
	TooWeak   bool
	TooStrong bool
}

// Sample is one angle measurement.
//
// When the magnet is not detected, Degrees is 0 and Present is false; the
// read itself still succeeds.
type Sample struct {
	Degrees   float64
	Counts    uint16
	Present   bool
	TooWeak   bool
	TooStrong bool
}

// Sensor is one AS5600. Calls must be serialized by the bus owner.
type Sensor struct {
	cfg         Config
	lastCounts  int32
	position    int32 // cumulative counts
	initialized bool
}

// New creates a sensor with the given configuration.
func New(cfg Config) *Sensor {
	if cfg.Address == 0 {
		cfg.Address = DefaultAddress
	}
	if cfg.GearRatio <= 0 {
		cfg.GearRatio = 1
	}
	return &Sensor{cfg: cfg}
}

// Config returns the sensor configuration.
func (s *Sensor) Config() Config {
	return s.cfg
}

func (s *Sensor) dev(b i2c.Bus) *mmr.Dev8 {
	return &mmr.Dev8{
		Conn:  &i2c.Dev{Bus: b, Addr: s.cfg.Address},
		Order: binary.BigEndian,
	}
}

// Begin checks the magnet and starts cumulative tracking from the current
// position. It must run on the sensor's own bus. Magnet problems are logged,
// not returned.
func (s *Sensor) Begin(b i2c.Bus, name string) (Status, error) {
	st, err := s.Status(b)
	if err != nil {
		return st, err
	}
	if !st.Detected {
		debug.Warn("%s magnet not detected, check if magnet is too far away or missing", name)
	}
	if st.TooWeak {
		debug.Warn("%s magnet too weak, move it closer", name)
	}
	if st.TooStrong {
		debug.Warn("%s magnet too strong, move it away", name)
	}
	if err := s.ResetCumulative(b); err != nil {
		return st, err
	}
	return st, nil
}

// Status reads the magnet status register.
func (s *Sensor) Status(b i2c.Bus) (Status, error) {
	debug.Bus("read status", b.String(), s.cfg.Address)
	v, err := s.dev(b).ReadUint8(regStatus)
	if err != nil {
		return Status{}, errors.Wrap(err, "as5600: read status")
	}
	return Status{
		Detected:  v&statusMD != 0,
		TooWeak:   v&statusML != 0,
		TooStrong: v&statusMH != 0,
	}, nil
}

// ReadCounts returns the angle in counts [0, 4096) with the direction applied.
func (s *Sensor) ReadCounts(b i2c.Bus) (uint16, error) {
	debug.Bus("read angle", b.String(), s.cfg.Address)
	v, err := s.dev(b).ReadUint16(regAngle)
	if err != nil {
		return 0, errors.Wrap(err, "as5600: read angle")
	}
	c := int32(v & 0x0FFF)
	if s.cfg.CounterClockwise {
		c = (CountsPerRev - c) & 0x0FFF
	}
	return uint16(c), nil
}

// ReadRaw returns the unscaled, unfiltered raw angle register.
func (s *Sensor) ReadRaw(b i2c.Bus) (uint16, error) {
	v, err := s.dev(b).ReadUint16(regRawAngle)
	if err != nil {
		return 0, errors.Wrap(err, "as5600: read raw angle")
	}
	return v & 0x0FFF, nil
}

// ResetCumulative makes the current position the cumulative zero.
func (s *Sensor) ResetCumulative(b i2c.Bus) error {
	c, err := s.ReadCounts(b)
	if err != nil {
		return err
	}
	s.lastCounts = int32(c)
	s.position = 0
	s.initialized = true
	return nil
}

// track folds a new single-turn reading into the cumulative position. A jump
// of more than half a turn is taken as a wrap across the 0/4095 boundary.
func (s *Sensor) track(c int32) int32 {
	if !s.initialized {
		s.lastCounts = c
		s.initialized = true
		return s.position
	}
	delta := c - s.lastCounts
	switch {
	case delta < -CountsPerRev/2:
		delta += CountsPerRev
	case delta > CountsPerRev/2:
		delta -= CountsPerRev
	}
	s.position += delta
	s.lastCounts = c
	return s.position
}

// Read returns one sample. Single-turn sensors report [-180, 180); multi-turn
// sensors report the cumulative joint angle (counts scaled by the gear ratio).
func (s *Sensor) Read(b i2c.Bus) (Sample, error) {
	st, err := s.Status(b)
	if err != nil {
		return Sample{}, err
	}
	smp := Sample{Present: st.Detected, TooWeak: st.TooWeak, TooStrong: st.TooStrong}
	if !st.Detected {
		return smp, nil
	}

	c, err := s.ReadCounts(b)
	if err != nil {
		return Sample{}, err
	}
	smp.Counts = c
	if s.cfg.MultiTurn {
		pos := s.track(int32(c))
		smp.Degrees = float64(pos) / CountsPerRev * 360 / s.cfg.GearRatio
	} else {
		smp.Degrees = SingleTurnDegrees(c, s.cfg.OffsetDeg)
	}
	return smp, nil
}

// SingleTurnDegrees maps counts plus an offset in degrees to [-180, 180).
func SingleTurnDegrees(c uint16, offsetDeg float64) float64 {
	d := math.Mod(float64(c)/CountsPerRev*360+offsetDeg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d -= 360
	}
	return d - 180
}
