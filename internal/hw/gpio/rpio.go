package gpio

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/RobArm/internal/debug"
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
// PWM pins must be hardware PWM capable (BCM 12, 13, 18 or 19).
type RPiDriver struct {
	mu   sync.Mutex
	pins map[int]rpio.Pin
	pwm  map[int]bool
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, errors.Wrap(err, "failed to open GPIO (are you running on a Raspberry Pi?)")
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
		pwm:  make(map[int]bool),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupPin(pin, mode)
}

func (r *RPiDriver) setupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	r.pins[pin] = p

	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return errors.Errorf("unknown pin mode: %d", mode)
	}

	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as output
		if err := r.setupPin(pin, Output); err != nil {
			return err
		}
		p = r.pins[pin]
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("ReadPin", pin, nil)

	p, ok := r.pins[pin]
	if !ok {
		// Pin not setup yet, setup as input
		if err := r.setupPin(pin, Input); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

// SetupPWM switches pin to hardware PWM. The PWM clock runs at
// freqHz*DutyResolution so that one period is exactly DutyResolution steps.
func (r *RPiDriver) SetupPWM(pin int, freqHz int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("SetupPWM", pin, freqHz)

	if freqHz <= 0 {
		return errors.Errorf("pwm frequency must be > 0, got %d", freqHz)
	}
	p := rpio.Pin(pin)
	p.Pwm()
	p.Freq(freqHz * DutyResolution)
	p.DutyCycle(0, DutyResolution)
	r.pins[pin] = p
	r.pwm[pin] = true
	return nil
}

func (r *RPiDriver) WritePWM(pin int, duty uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.GPIO("WritePWM", pin, duty)

	if !r.pwm[pin] {
		return errors.Errorf("pin %d is not configured for PWM", pin)
	}
	r.pins[pin].DutyCycle(uint32(duty), DutyResolution)
	return nil
}

func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	debug.Trace("GPIO Close (real driver)")

	// Stop PWM and reset all pins to input (safe state)
	for pin, p := range r.pins {
		if r.pwm[pin] {
			p.DutyCycle(0, DutyResolution)
		}
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}
