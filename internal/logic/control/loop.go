package control

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
)

// LoopConfig holds the loop timings.
type LoopConfig struct {
	Period         time.Duration // minimum time between two bodies
	Yield          time.Duration // wait after a gated (skipped) tick
	Sleep          time.Duration // wait after a body
	CommandTimeout time.Duration // stop when no request arrived for this long, 0 disables
}

// DefaultLoopConfig returns the stock timings: a 50 Hz ceiling, 1 ms yield,
// 10 ms sleep and no command watchdog.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Period: 20 * time.Millisecond,
		Yield:  time.Millisecond,
		Sleep:  10 * time.Millisecond,
	}
}

// Loop is the control cycle for the arm and wrist channels.
type Loop struct {
	arb   *bus.Arbiter
	arm   *Channel
	wrist *Channel
	clk   clock.Clock
	cfg   LoopConfig
	epoch time.Time

	// owned by the loop goroutine
	lastCall uint32
	called   bool
	lastBody uint32
	ranBody  bool

	lastCommand atomic.Int64 // ns since epoch
	safety      atomic.Bool
	stopMu      sync.Mutex
}

// NewLoop wires the two channels to the bus arbiter.
func NewLoop(arb *bus.Arbiter, arm, wrist *Channel, clk clock.Clock, cfg LoopConfig) (*Loop, error) {
	if arb == nil || arm == nil || wrist == nil {
		return nil, errors.New("control: loop needs an arbiter and both channels")
	}
	if clk == nil {
		clk = clock.New()
	}
	def := DefaultLoopConfig()
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Yield <= 0 {
		cfg.Yield = def.Yield
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = def.Sleep
	}
	return &Loop{arb: arb, arm: arm, wrist: wrist, clk: clk, cfg: cfg, epoch: clk.Now()}, nil
}

// Arm returns the arm channel.
func (l *Loop) Arm() *Channel { return l.arm }

// Wrist returns the wrist channel.
func (l *Loop) Wrist() *Channel { return l.wrist }

// Channels returns arm then wrist.
func (l *Loop) Channels() []*Channel { return []*Channel{l.arm, l.wrist} }

// Micros is the loop's monotonic microsecond clock. It wraps like a 32-bit
// hardware counter.
func (l *Loop) Micros() uint32 {
	return uint32(l.clk.Since(l.epoch).Microseconds())
}

// Run cycles until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	debug.Info("Control loop started (period %v)", l.cfg.Period)
	for {
		if err := ctx.Err(); err != nil {
			debug.Info("Control loop stopped")
			return err
		}
		wait := l.cfg.Yield
		if l.Tick() {
			wait = l.cfg.Sleep
		}
		l.wait(ctx, wait)
	}
}

func (l *Loop) wait(ctx context.Context, d time.Duration) {
	t := l.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Tick runs one cycle. It returns false when the rate gate skipped the body.
// The controllers and the filter see the time since the previous Tick call,
// gated or not.
func (l *Loop) Tick() bool {
	now := l.Micros()
	var elapsed uint32
	if l.called {
		elapsed = now - l.lastCall
	}
	l.lastCall, l.called = now, true

	if l.ranBody && time.Duration(now-l.lastBody)*time.Microsecond < l.cfg.Period {
		return false
	}
	l.lastBody, l.ranBody = now, true

	l.checkWatchdog()

	dt := time.Duration(elapsed) * time.Microsecond
	armAngle, armOn := l.arm.measure(l.arb, dt)
	wristAngle, wristOn := l.wrist.measure(l.arb, dt)

	stopped := l.safety.Load()
	if err := l.arm.drive(armAngle, elapsed, armOn && !stopped); err != nil {
		debug.Error(err)
	}
	if err := l.wrist.drive(wristAngle, elapsed, wristOn && !stopped); err != nil {
		debug.Error(err)
	}
	return true
}

// Touch records request activity for the command watchdog.
func (l *Loop) Touch() {
	l.lastCommand.Store(int64(l.clk.Since(l.epoch)))
}

func (l *Loop) checkWatchdog() {
	if l.cfg.CommandTimeout <= 0 || l.safety.Load() {
		return
	}
	idle := l.clk.Since(l.epoch) - time.Duration(l.lastCommand.Load())
	if idle > l.cfg.CommandTimeout {
		debug.Warn("No command for %v, stopping motors", idle.Round(time.Millisecond))
		if err := l.EmergencyStop(); err != nil {
			debug.Error(err)
		}
	}
}

// SafetyActive reports whether an emergency stop is latched.
func (l *Loop) SafetyActive() bool {
	return l.safety.Load()
}

// EmergencyStop halts both motors and resets both controllers. It never
// touches the bus. Calling it while stopped repeats the halt.
func (l *Loop) EmergencyStop() error {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	l.safety.Store(true)
	var err error
	for _, ch := range l.Channels() {
		err = multierr.Append(err, ch.Actuator().Halt())
		ch.PID().Reset()
	}
	debug.Warn("EMERGENCY STOP: motors halted, controllers reset")
	return err
}

// Resume clears the emergency stop latch. Controllers are reset so nothing
// accumulated before the stop is replayed.
func (l *Loop) Resume() {
	l.stopMu.Lock()
	defer l.stopMu.Unlock()

	if !l.safety.Load() {
		return
	}
	for _, ch := range l.Channels() {
		ch.PID().Reset()
		ch.Actuator().Resume()
	}
	l.safety.Store(false)
	l.Touch()
	debug.Info("Emergency stop released")
}
