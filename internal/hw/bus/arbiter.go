package bus

import (
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"periph.io/x/periph/conn/i2c"

	"github.com/cjeanneret/RobArm/internal/debug"
)

// DefaultTimeout is the bounded wait used by Acquire when none is configured.
const DefaultTimeout = 100 * time.Millisecond

var (
	// ErrBusy is returned by Acquire when the bus could not be obtained
	// within the arbiter timeout. Callers treat the read as unavailable.
	ErrBusy = errors.New("bus: arbitration timeout")
	// ErrReleased is returned when a token is released twice.
	ErrReleased = errors.New("bus: token already released")
)

// Config is one explicit configuration of the shared physical bus: which
// adapter (pin set) to use and at what speed. Each sensor channel owns one.
type Config struct {
	Name    string // channel the configuration belongs to, for logs
	Bus     string // periph bus name, e.g. "I2C1" or "/dev/i2c-3"
	SpeedHz int    // 0 keeps the adapter default
}

// Opener begins a bus configuration. Closing the returned bus ends it.
type Opener interface {
	Open(cfg Config) (i2c.BusCloser, error)
}

// Token proves ownership of the bus until released.
type Token struct {
	arb      *Arbiter
	cfg      Config
	bus      i2c.BusCloser
	released atomic.Bool
}

// Bus returns the opened bus for the token's configuration.
func (t *Token) Bus() i2c.Bus {
	return t.bus
}

// Config returns the configuration the token was acquired with.
func (t *Token) Config() Config {
	return t.cfg
}

// Arbiter serializes access to the single shared sensor bus. At most one
// token exists at any time.
type Arbiter struct {
	opener  Opener
	timeout time.Duration
	clk     clock.Clock
	sem     chan struct{}
}

// NewArbiter creates the arbiter. It fails if the opener is missing or the
// timeout is not positive; callers treat that as an unrecoverable boot fault.
func NewArbiter(o Opener, timeout time.Duration, clk clock.Clock) (*Arbiter, error) {
	if o == nil {
		return nil, errors.New("bus: arbiter needs an opener")
	}
	if timeout <= 0 {
		return nil, errors.Errorf("bus: arbiter timeout must be > 0, got %v", timeout)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Arbiter{
		opener:  o,
		timeout: timeout,
		clk:     clk,
		sem:     make(chan struct{}, 1),
	}, nil
}

// Timeout returns the bounded wait applied by Acquire.
func (a *Arbiter) Timeout() time.Duration {
	return a.timeout
}

// Acquire waits up to the arbiter timeout for the bus, then begins cfg on it.
// It returns ErrBusy on timeout.
func (a *Arbiter) Acquire(cfg Config) (*Token, error) {
	select {
	case a.sem <- struct{}{}:
	default:
		timer := a.clk.Timer(a.timeout)
		select {
		case a.sem <- struct{}{}:
			timer.Stop()
		case <-timer.C:
			debug.Live("Failed to acquire bus for %s within %v", cfg.Name, a.timeout)
			return nil, ErrBusy
		}
	}

	b, err := a.opener.Open(cfg)
	if err != nil {
		<-a.sem
		return nil, errors.Wrapf(err, "bus: begin %s on %s", cfg.Name, cfg.Bus)
	}
	debug.Bus("begin", cfg.Bus, 0)
	return &Token{arb: a, cfg: cfg, bus: b}, nil
}

// Release ends the token's bus configuration and frees the arbiter.
func (a *Arbiter) Release(t *Token) error {
	if t == nil || t.arb != a {
		return errors.New("bus: token does not belong to this arbiter")
	}
	if !t.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	err := t.bus.Close()
	debug.Bus("end", t.cfg.Bus, 0)
	<-a.sem
	if err != nil {
		return errors.Wrapf(err, "bus: end %s on %s", t.cfg.Name, t.cfg.Bus)
	}
	return nil
}

// With acquires cfg, runs fn with the bus and releases it.
func (a *Arbiter) With(cfg Config, fn func(i2c.Bus) error) error {
	t, err := a.Acquire(cfg)
	if err != nil {
		return err
	}
	fnErr := fn(t.Bus())
	relErr := a.Release(t)
	if fnErr != nil {
		return fnErr
	}
	return relErr
}
