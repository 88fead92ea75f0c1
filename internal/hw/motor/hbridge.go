package motor

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/hw/gpio"
)

// DefaultPWMFreqHz is the PWM carrier frequency used when Config.PWMFreqHz is 0.
const DefaultPWMFreqHz = 5000

// Direction selects which pair of H-bridge inputs is driven.
type Direction int

const (
	// Reverse drives A1 HIGH and A2 LOW. This is the power-on pattern.
	Reverse Direction = iota
	// Forward drives A1 LOW and A2 HIGH.
	Forward
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// Config holds the hardware configuration for one H-bridge channel.
type Config struct {
	PWMPin    int // enable/PWM input, must be hardware PWM capable
	A1Pin     int
	A2Pin     int
	PWMFreqHz int
}

// HBridge drives a DC motor through an H-bridge: two direction inputs plus
// an 8-bit PWM duty on the enable input.
//
// Halt latches the output at duty 0: further Drive calls keep the duty at 0
// until Resume. The latch and the pin writes share one mutex, so a Drive that
// raced with Halt can never re-energize the motor.
type HBridge struct {
	gpio gpio.Driver
	cfg  Config
	name string

	mu     sync.Mutex
	halted bool
	dir    Direction
	duty   uint8
}

// NewHBridge configures the pins and leaves the motor stopped in the
// Reverse pattern (A1 HIGH, A2 LOW).
func NewHBridge(g gpio.Driver, name string, cfg Config) (*HBridge, error) {
	if cfg.PWMFreqHz <= 0 {
		cfg.PWMFreqHz = DefaultPWMFreqHz
	}
	for _, pin := range []int{cfg.A1Pin, cfg.A2Pin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, errors.Wrapf(err, "motor %s: setup direction pin %d", name, pin)
		}
	}
	if err := g.SetupPWM(cfg.PWMPin, cfg.PWMFreqHz); err != nil {
		return nil, errors.Wrapf(err, "motor %s: setup pwm pin %d", name, cfg.PWMPin)
	}

	h := &HBridge{gpio: g, cfg: cfg, name: name}
	if err := h.writeDirection(Reverse); err != nil {
		return nil, err
	}
	if err := h.gpio.WritePWM(cfg.PWMPin, 0); err != nil {
		return nil, errors.Wrapf(err, "motor %s: initial duty", name)
	}
	return h, nil
}

// Name returns the channel name this motor was created for.
func (h *HBridge) Name() string {
	return h.name
}

// Drive sets direction and duty. While halted the duty is forced to 0.
func (h *HBridge) Drive(dir Direction, duty uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.halted {
		duty = 0
	}
	if dir != h.dir {
		if err := h.writeDirection(dir); err != nil {
			return err
		}
	}
	if err := h.gpio.WritePWM(h.cfg.PWMPin, duty); err != nil {
		return errors.Wrapf(err, "motor %s: write duty", h.name)
	}
	h.duty = duty
	return nil
}

// Halt zeroes the duty and latches it until Resume. Calling it again is a no-op
// apart from re-writing duty 0.
func (h *HBridge) Halt() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.halted = true
	h.duty = 0
	if err := h.gpio.WritePWM(h.cfg.PWMPin, 0); err != nil {
		return errors.Wrapf(err, "motor %s: halt", h.name)
	}
	return nil
}

// Resume releases the halt latch. The motor stays stopped until the next Drive.
func (h *HBridge) Resume() {
	h.mu.Lock()
	h.halted = false
	h.mu.Unlock()
}

// Halted reports whether the halt latch is set.
func (h *HBridge) Halted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.halted
}

// Output returns the last direction and duty written.
func (h *HBridge) Output() (Direction, uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dir, h.duty
}

func (h *HBridge) writeDirection(dir Direction) error {
	a1, a2 := gpio.High, gpio.Low
	if dir == Forward {
		a1, a2 = gpio.Low, gpio.High
	}
	debug.Trace("Motor %s: direction %s (A1=%v A2=%v)", h.name, dir, a1, a2)
	if err := h.gpio.WritePin(h.cfg.A1Pin, a1); err != nil {
		return errors.Wrapf(err, "motor %s: write A1", h.name)
	}
	if err := h.gpio.WritePin(h.cfg.A2Pin, a2); err != nil {
		return errors.Wrapf(err, "motor %s: write A2", h.name)
	}
	h.dir = dir
	return nil
}
