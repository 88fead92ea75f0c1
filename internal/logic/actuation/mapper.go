package actuation

import (
	"math"

	"github.com/pkg/errors"

	"github.com/cjeanneret/RobArm/internal/hw/motor"
)

// MaxDuty is the largest correction magnitude the actuator can express.
const MaxDuty = 255

// Polarity says which direction a positive correction drives.
type Polarity int

const (
	// Normal drives positive corrections Forward.
	Normal Polarity = iota
	// Inverted drives positive corrections Reverse.
	Inverted
)

// ParsePolarity accepts "normal" or "inverted" ("" means normal).
func ParsePolarity(s string) (Polarity, error) {
	switch s {
	case "", "normal":
		return Normal, nil
	case "inverted":
		return Inverted, nil
	}
	return Normal, errors.Errorf("unknown polarity %q (want normal or inverted)", s)
}

func (p Polarity) String() string {
	if p == Inverted {
		return "inverted"
	}
	return "normal"
}

// Command is one actuator output.
type Command struct {
	Direction motor.Direction
	Duty      uint8
}

// Mapper turns a PID correction into an actuator command.
type Mapper struct {
	Polarity Polarity
}

// Map clamps correction to ±MaxDuty. A strictly positive correction selects
// the polarity's positive direction; zero, negative and NaN select the other.
// NaN maps to duty 0.
func (m Mapper) Map(correction float64) Command {
	pos, neg := motor.Forward, motor.Reverse
	if m.Polarity == Inverted {
		pos, neg = neg, pos
	}

	if math.IsNaN(correction) {
		return Command{Direction: neg}
	}
	c := math.Max(-MaxDuty, math.Min(MaxDuty, correction))

	dir := neg
	if c > 0 {
		dir = pos
	}
	return Command{Direction: dir, Duty: uint8(math.Abs(c))}
}
