package control

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/RobArm/internal/hw/as5600"
	"github.com/cjeanneret/RobArm/internal/logic/pid"
)

func f(v float64) *float64 { return &v }

func startService(t *testing.T, r *rig) *Service {
	t.Helper()
	s := NewService(r.loop, r.clk, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestService_SetGains(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)

	g, err := s.SetGains(context.Background(), "arm", GainsRequest{P: f(2), I: f(0.5), D: f(0.1), Setpoint: f(45)})
	require.NoError(t, err)
	assert.Equal(t, pid.Gains{Kp: 2, Ki: 0.5, Kd: 0.1, Setpoint: 45}, g)
	assert.Equal(t, g, r.loop.Arm().PID().Gains())
}

func TestService_SetGainsClamps(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		req     GainsRequest
		want    pid.Gains
	}{
		{"arm maxima", "arm", GainsRequest{P: f(5000), I: f(2000), D: f(3), Setpoint: f(500)},
			pid.Gains{Kp: 1000, Ki: 1000, Kd: 1, Setpoint: 180}},
		{"wrist maxima", "wrist", GainsRequest{P: f(500), I: f(101), D: f(3), Setpoint: f(-500)},
			pid.Gains{Kp: 100, Ki: 100, Kd: 3, Setpoint: -180}},
		{"negative gains", "arm", GainsRequest{P: f(-1), I: f(-2), D: f(-3), Setpoint: f(0)},
			pid.Gains{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			s := startService(t, r)
			g, err := s.SetGains(context.Background(), tt.channel, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, g)
		})
	}
}

func TestService_SetGainsRejects(t *testing.T) {
	full := func() GainsRequest { return GainsRequest{P: f(1), I: f(1), D: f(0), Setpoint: f(10)} }
	tests := []struct {
		name    string
		channel string
		mutate  func(*GainsRequest)
		want    error
	}{
		{"missing p", "arm", func(r *GainsRequest) { r.P = nil }, ErrMissingField},
		{"missing angle", "wrist", func(r *GainsRequest) { r.Setpoint = nil }, ErrMissingField},
		{"nan", "arm", func(r *GainsRequest) { r.I = f(math.NaN()) }, ErrInvalidValue},
		{"inf", "arm", func(r *GainsRequest) { r.Setpoint = f(math.Inf(-1)) }, ErrInvalidValue},
		{"unknown channel", "elbow", func(*GainsRequest) {}, ErrUnknownChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			s := startService(t, r)
			before := pid.Gains{Kp: 3, Setpoint: 7}
			r.loop.Arm().PID().Apply(before)
			r.loop.Wrist().PID().Apply(before)

			req := full()
			tt.mutate(&req)
			_, err := s.SetGains(context.Background(), tt.channel, req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, r.loop.Arm().PID().Gains(), "rejected request must not touch state")
			assert.Equal(t, before, r.loop.Wrist().PID().Gains())
		})
	}
}

func TestService_SetGainsResetsAndReleasesStop(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	r.loop.Arm().PID().Apply(pid.Gains{Ki: 1, Setpoint: 100})
	r.loop.Arm().PID().Compute(0, 100000)
	require.NoError(t, s.EmergencyStop())
	require.True(t, s.SafetyActive())

	_, err := s.SetGains(context.Background(), "arm", GainsRequest{P: f(1), I: f(0), D: f(0), Setpoint: f(10)})
	require.NoError(t, err)
	assert.False(t, s.SafetyActive())
	assert.False(t, r.armMotor.Halted())
	st := r.loop.Arm().PID().Snapshot()
	assert.Zero(t, st.Integral)
	assert.Zero(t, st.PrevError)
}

func TestService_NotRunning(t *testing.T) {
	r := newRig(t)
	s := NewService(r.loop, r.clk, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SetGains(ctx, "arm", GainsRequest{P: f(1), I: f(1), D: f(1), Setpoint: f(1)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestService_StoppedHandler(t *testing.T) {
	r := newRig(t)
	s := NewService(r.loop, r.clk, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.Run(ctx), context.Canceled)

	_, err := s.GetTelemetry(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_TelemetryCache(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	r.armSensor.set(as5600.Sample{Degrees: 12.5, Present: true}, nil)
	r.wristSens.set(as5600.Sample{Degrees: -300, Present: true}, nil)

	tel, err := s.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, tel.ArmAngle)
	assert.Equal(t, -300.0, tel.WristAngle)
	assert.False(t, tel.SafetyActive)
	assert.Equal(t, 1, r.armSensor.readCount())

	r.armSensor.set(as5600.Sample{Degrees: 20, Present: true}, nil)
	r.clk.Add(199 * time.Millisecond)
	tel, err = s.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12.5, tel.ArmAngle, "served from cache")
	assert.Equal(t, 1, r.armSensor.readCount())

	r.clk.Add(time.Millisecond)
	tel, err = s.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20.0, tel.ArmAngle)
	assert.Equal(t, 2, r.armSensor.readCount())
	assert.Equal(t, 2, r.wristSens.readCount())
}

func TestService_TelemetryReportsSafetyFromCache(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	_, err := s.GetTelemetry(context.Background())
	require.NoError(t, err)

	require.NoError(t, s.EmergencyStop())
	tel, err := s.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.True(t, tel.SafetyActive)
}

func TestService_TelemetryFallsBackOnReadError(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	r.armSensor.push(33)
	require.True(t, r.loop.Tick())

	r.armSensor.set(as5600.Sample{}, errors.New("nack"))
	tel, err := s.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 33.0, tel.ArmAngle)
}

func TestService_ResumeAndChannels(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	require.NoError(t, s.EmergencyStop())
	require.NoError(t, s.Resume(context.Background()))
	assert.False(t, s.SafetyActive())

	infos := s.Channels()
	require.Len(t, infos, 2)
	assert.Equal(t, "arm", infos[0].Name)
	assert.Equal(t, Limits{MaxKp: 1000, MaxKi: 1000, MaxKd: 1}, infos[0].Limits)
	assert.Equal(t, "wrist", infos[1].Name)
}

// A reader running alongside SetGains must only ever see whole snapshots:
// every request below keeps Setpoint == 10*Kp, and the integral is zero right
// after each apply.
func TestService_ConcurrentSetGainsAndLoop(t *testing.T) {
	r := newRig(t)
	s := startService(t, r)
	r.armSensor.set(as5600.Sample{Degrees: 5, Present: true}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			k := float64(i%10 + 1)
			_, err := s.SetGains(context.Background(), "arm", GainsRequest{P: f(k), I: f(1), D: f(0), Setpoint: f(10 * k)})
			if err != nil {
				t.Errorf("SetGains: %v", err)
				return
			}
		}
	}()

	stop := make(chan struct{})
	go func() {
		wg.Wait()
		close(stop)
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}
		st := r.loop.Arm().PID().Snapshot()
		if st.Setpoint != 10*st.Kp {
			t.Fatalf("torn controller state %+v", st)
		}
		r.clk.Add(20 * time.Millisecond)
		r.loop.Tick()
	}
}
