package control

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/physic"

	"github.com/cjeanneret/RobArm/internal/hw/as5600"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
	"github.com/cjeanneret/RobArm/internal/hw/motor"
)

type nopBus struct{ name string }

func (b nopBus) String() string                    { return b.name }
func (b nopBus) Tx(addr uint16, w, r []byte) error { return nil }
func (b nopBus) SetSpeed(f physic.Frequency) error { return nil }
func (b nopBus) Halt() error                       { return nil }
func (b nopBus) Close() error                      { return nil }

type nopOpener struct{}

func (nopOpener) Open(cfg bus.Config) (i2c.BusCloser, error) {
	return nopBus{name: cfg.Bus}, nil
}

// fakeSensor replays queued samples; once the queue is empty it repeats the
// last one.
type fakeSensor struct {
	mu    sync.Mutex
	queue []as5600.Sample
	last  as5600.Sample
	err   error
	reads int
}

func (s *fakeSensor) Read(b i2c.Bus) (as5600.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return as5600.Sample{}, s.err
	}
	if len(s.queue) > 0 {
		s.last, s.queue = s.queue[0], s.queue[1:]
	}
	return s.last, nil
}

func (s *fakeSensor) push(deg ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deg {
		s.queue = append(s.queue, as5600.Sample{Degrees: d, Present: true})
	}
}

func (s *fakeSensor) set(smp as5600.Sample, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue, s.last, s.err = nil, smp, err
}

func (s *fakeSensor) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

type fakeActuator struct {
	mu     sync.Mutex
	halted bool
	dir    motor.Direction
	duty   uint8
	drives int
	halts  int
}

func (a *fakeActuator) Drive(dir motor.Direction, duty uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.halted {
		duty = 0
	}
	a.dir, a.duty = dir, duty
	a.drives++
	return nil
}

func (a *fakeActuator) Halt() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halted, a.duty = true, 0
	a.halts++
	return nil
}

func (a *fakeActuator) Resume() {
	a.mu.Lock()
	a.halted = false
	a.mu.Unlock()
}

func (a *fakeActuator) Halted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.halted
}

func (a *fakeActuator) output() (motor.Direction, uint8) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dir, a.duty
}

type rig struct {
	clk        *clock.Mock
	arb        *bus.Arbiter
	loop       *Loop
	armSensor  *fakeSensor
	wristSens  *fakeSensor
	armMotor   *fakeActuator
	wristMotor *fakeActuator
}

type rigOption func(*ChannelConfig, *ChannelConfig, *LoopConfig)

func newRig(t *testing.T, opts ...rigOption) *rig {
	t.Helper()
	r := &rig{
		clk:        clock.NewMock(),
		armSensor:  &fakeSensor{},
		wristSens:  &fakeSensor{},
		armMotor:   &fakeActuator{},
		wristMotor: &fakeActuator{},
	}
	arb, err := bus.NewArbiter(nopOpener{}, 5*time.Millisecond, clock.New())
	require.NoError(t, err)
	r.arb = arb

	armCfg := ChannelConfig{
		Name:     "arm",
		Bus:      bus.Config{Name: "arm", Bus: "I2C1"},
		Sensor:   r.armSensor,
		Actuator: r.armMotor,
		Limits:   Limits{MaxKp: 1000, MaxKi: 1000, MaxKd: 1},
	}
	wristCfg := ChannelConfig{
		Name:     "wrist",
		Bus:      bus.Config{Name: "wrist", Bus: "I2C3"},
		Sensor:   r.wristSens,
		Actuator: r.wristMotor,
		Limits:   Limits{MaxKp: 100, MaxKi: 100, MaxKd: 100},
	}
	loopCfg := DefaultLoopConfig()
	for _, o := range opts {
		o(&armCfg, &wristCfg, &loopCfg)
	}

	arm, err := NewChannel(armCfg)
	require.NoError(t, err)
	wrist, err := NewChannel(wristCfg)
	require.NoError(t, err)
	r.loop, err = NewLoop(arb, arm, wrist, r.clk, loopCfg)
	require.NoError(t, err)
	return r
}

// tick advances the clock by one period and runs a body.
func (r *rig) tick(t *testing.T) {
	t.Helper()
	r.clk.Add(r.loop.cfg.Period)
	require.True(t, r.loop.Tick(), "body was gated")
}
