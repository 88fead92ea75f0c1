package bus

import (
	"sync"

	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"

	"github.com/cjeanneret/RobArm/internal/debug"
)

// PeriphOpener opens real I2C adapters through periph.io. Each Config names
// its own adapter, so switching channels never reconfigures a shared mode.
type PeriphOpener struct {
	once    sync.Once
	initErr error
}

// NewPeriphOpener returns an opener for the host's I2C adapters.
func NewPeriphOpener() *PeriphOpener {
	return &PeriphOpener{}
}

// Open initializes the periph host drivers on first use, then opens the
// adapter named by cfg.Bus and applies its speed.
func (p *PeriphOpener) Open(cfg Config) (i2c.BusCloser, error) {
	p.once.Do(func() {
		if _, err := host.Init(); err != nil {
			p.initErr = errors.Wrap(err, "periph host init")
		}
	})
	if p.initErr != nil {
		return nil, p.initErr
	}

	b, err := i2creg.Open(cfg.Bus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus %q", cfg.Bus)
	}
	if cfg.SpeedHz > 0 {
		// Not every adapter supports changing speed at runtime (sysfs
		// usually doesn't); the default speed is acceptable.
		if err := b.SetSpeed(physic.Frequency(cfg.SpeedHz) * physic.Hertz); err != nil {
			debug.Trace("i2c %s: keeping default speed: %v", cfg.Bus, err)
		}
	}
	return b, nil
}
