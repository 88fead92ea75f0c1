package as5600

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/periph/conn/i2c/i2ctest"
)

func statusOp(v byte) i2ctest.IO {
	return i2ctest.IO{Addr: DefaultAddress, W: []byte{regStatus}, R: []byte{v}}
}

func angleOp(counts uint16) i2ctest.IO {
	return i2ctest.IO{Addr: DefaultAddress, W: []byte{regAngle}, R: []byte{byte(counts >> 8), byte(counts)}}
}

func rawOp(counts uint16) i2ctest.IO {
	return i2ctest.IO{Addr: DefaultAddress, W: []byte{regRawAngle}, R: []byte{byte(counts >> 8), byte(counts)}}
}

func TestStatusBits(t *testing.T) {
	cases := []struct {
		name string
		reg  byte
		want Status
	}{
		{"none", 0x00, Status{}},
		{"detected", 0x20, Status{Detected: true}},
		{"weak", 0x30, Status{Detected: true, TooWeak: true}},
		{"strong", 0x28, Status{Detected: true, TooStrong: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(tc.reg)}}
			s := New(Config{})
			st, err := s.Status(bus)
			require.NoError(t, err)
			assert.Equal(t, tc.want, st)
			assert.NoError(t, bus.Close())
		})
	}
}

func TestRead_SingleTurnRange(t *testing.T) {
	cases := []struct {
		counts uint16
		want   float64
	}{
		{0, -180},
		{1024, -90},
		{2048, 0},
		{3072, 90},
		{4095, 360*4095.0/4096 - 180},
	}
	for _, tc := range cases {
		bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(0x20), angleOp(tc.counts)}}
		s := New(Config{})
		smp, err := s.Read(bus)
		require.NoError(t, err)
		assert.True(t, smp.Present)
		assert.InDelta(t, tc.want, smp.Degrees, 1e-9, "counts=%d", tc.counts)
		assert.GreaterOrEqual(t, smp.Degrees, -180.0)
		assert.Less(t, smp.Degrees, 180.0)
		assert.NoError(t, bus.Close())
	}
}

func TestRead_MagnetMissingReturnsZero(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(0x00)}}
	s := New(Config{})

	smp, err := s.Read(bus)
	require.NoError(t, err, "a missing magnet is not an error")
	assert.False(t, smp.Present)
	assert.Equal(t, 0.0, smp.Degrees)
	assert.NoError(t, bus.Close(), "angle register must not be read without a magnet")
}

func TestRead_Offset(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(0x20), angleOp(0)}}
	s := New(Config{OffsetDeg: 90})

	smp, err := s.Read(bus)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), smp.Counts)
	assert.InDelta(t, -90.0, smp.Degrees, 1e-9)
}

func TestRead_FractionalOffsetIsExact(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(0x20), angleOp(0)}}
	s := New(Config{OffsetDeg: -33})

	smp, err := s.Read(bus)
	require.NoError(t, err)
	// 327 - 180; rounding -33 to counts would give 147.04
	assert.InDelta(t, 147.0, smp.Degrees, 1e-9)
}

func TestRead_NegativeOffsetWraps(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{statusOp(0x20), angleOp(0)}}
	s := New(Config{OffsetDeg: -90})

	smp, err := s.Read(bus)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), smp.Counts)
	assert.InDelta(t, 90.0, smp.Degrees, 1e-9)
}

func TestReadRaw_MasksTo12Bits(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{rawOp(0xF123)}}
	s := New(Config{OffsetDeg: 45, CounterClockwise: true})

	raw, err := s.ReadRaw(bus)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0123), raw)
	assert.NoError(t, bus.Close())
}

func TestReadCounts_CounterClockwise(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{angleOp(1)}}
	s := New(Config{CounterClockwise: true})

	c, err := s.ReadCounts(bus)
	require.NoError(t, err)
	assert.Equal(t, uint16(4095), c)
}

func TestRead_MultiTurnUnwrapsAcrossZero(t *testing.T) {
	bus := &i2ctest.Playback{Ops: []i2ctest.IO{
		// Begin: status + reset cumulative
		statusOp(0x20), angleOp(4000),
		// forward across the boundary
		statusOp(0x20), angleOp(100),
		// a full extra turn in steps
		statusOp(0x20), angleOp(2000),
		statusOp(0x20), angleOp(4000),
		statusOp(0x20), angleOp(100),
		// and back
		statusOp(0x20), angleOp(4000),
	}}
	s := New(Config{MultiTurn: true, GearRatio: 4.5})

	_, err := s.Begin(bus, "wrist")
	require.NoError(t, err)

	deg := func(counts int) float64 { return float64(counts) / CountsPerRev * 360 / 4.5 }

	smp, err := s.Read(bus)
	require.NoError(t, err)
	assert.InDelta(t, deg(196), smp.Degrees, 1e-9)

	for _, want := range []int{2096, 4096, 4292} {
		smp, err = s.Read(bus)
		require.NoError(t, err)
		assert.InDelta(t, deg(want), smp.Degrees, 1e-9)
	}

	smp, err = s.Read(bus)
	require.NoError(t, err)
	assert.InDelta(t, deg(4096), smp.Degrees, 1e-9)
	assert.NoError(t, bus.Close())
}

func TestSingleTurnDegrees(t *testing.T) {
	assert.InDelta(t, -180.0, SingleTurnDegrees(0, 0), 1e-9)
	assert.InDelta(t, 0.0, SingleTurnDegrees(2048, 0), 1e-9)
	assert.InDelta(t, 179.5, SingleTurnDegrees(0, -0.5), 1e-9)
	assert.InDelta(t, -180.0, SingleTurnDegrees(2048, 540), 1e-9)
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, uint16(DefaultAddress), s.Config().Address)
	assert.Equal(t, 1.0, s.Config().GearRatio)
}
