package sim

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/RobArm/internal/hw/as5600"
	"github.com/cjeanneret/RobArm/internal/hw/bus"
	"github.com/cjeanneret/RobArm/internal/hw/gpio"
)

func newTestPlant() (*Plant, *clock.Mock) {
	clk := clock.NewMock()
	p := NewPlant(clk)
	p.AddJoint(JointConfig{Name: "arm", Bus: "sim-arm", PWMPin: 25, A1Pin: 32, A2Pin: 33, MaxSpeedDeg: 255, StartDeg: 180})
	return p, clk
}

func TestPlant_IntegratesDuty(t *testing.T) {
	p, clk := newTestPlant()

	require.NoError(t, p.WritePin(32, gpio.Low))
	require.NoError(t, p.WritePin(33, gpio.High))
	require.NoError(t, p.WritePWM(25, 255))

	clk.Add(time.Second)
	assert.InDelta(t, 180+255.0, p.ShaftDeg("arm"), 1e-6)

	// Reverse at half duty
	require.NoError(t, p.WritePin(32, gpio.High))
	require.NoError(t, p.WritePin(33, gpio.Low))
	require.NoError(t, p.WritePWM(25, 51))
	clk.Add(2 * time.Second)
	assert.InDelta(t, 180+255.0-102, p.ShaftDeg("arm"), 1e-6)
}

func TestPlant_SensorRegisters(t *testing.T) {
	p, _ := newTestPlant()
	b, err := p.Open(bus.Config{Name: "arm", Bus: "sim-arm"})
	require.NoError(t, err)

	s := as5600.New(as5600.Config{})
	smp, err := s.Read(b)
	require.NoError(t, err)
	assert.True(t, smp.Present)
	assert.InDelta(t, 0.0, smp.Degrees, 0.1)

	p.SetMagnet("arm", false)
	smp, err = s.Read(b)
	require.NoError(t, err)
	assert.False(t, smp.Present)
}

func TestPlant_UnknownBusAndPin(t *testing.T) {
	p, _ := newTestPlant()
	_, err := p.Open(bus.Config{Bus: "nope"})
	assert.Error(t, err)
	assert.Error(t, p.WritePWM(99, 1))
	assert.Error(t, p.SetupPWM(32, 5000), "direction pin is not a PWM pin")
	assert.NoError(t, p.SetupPWM(25, 5000))
}

func TestSimBus_RejectsOtherDevices(t *testing.T) {
	p, _ := newTestPlant()
	b, _ := p.Open(bus.Config{Bus: "sim-arm"})
	r := make([]byte, 1)
	assert.Error(t, b.Tx(0x40, []byte{regStatus}, r))
	assert.Error(t, b.Tx(sensorAddr, []byte{0x01}, r))
}
