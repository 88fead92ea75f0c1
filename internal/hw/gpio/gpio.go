package gpio

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// DutyResolution is the number of PWM steps per period (8-bit duty).
const DutyResolution = 255

// Driver defines the abstract interface for controlling GPIOs and
// hardware PWM channels.
// This allows plugging in a real Raspberry Pi implementation or the
// plant simulator for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	// SetupPWM puts pin in hardware PWM mode with the given carrier frequency.
	SetupPWM(pin int, freqHz int) error
	// WritePWM sets the 8-bit duty (0 = off, 255 = always on).
	WritePWM(pin int, duty uint8) error
	Close() error
}
