package control

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/cjeanneret/RobArm/internal/debug"
	"github.com/cjeanneret/RobArm/internal/logic/pid"
)

// MaxSetpoint bounds the setpoint magnitude, degrees.
const MaxSetpoint = 180.0

// DefaultTelemetryTTL is how long a telemetry sample is served from cache.
const DefaultTelemetryTTL = 200 * time.Millisecond

var (
	ErrMissingField   = errors.New("missing field")
	ErrInvalidValue   = errors.New("invalid value")
	ErrUnknownChannel = errors.New("unknown channel")
	ErrClosed         = errors.New("command handler stopped")
)

// GainsRequest is a SetGains request. Every field is required.
type GainsRequest struct {
	P        *float64 `json:"p"`
	I        *float64 `json:"i"`
	D        *float64 `json:"d"`
	Setpoint *float64 `json:"angle"`
}

// Telemetry is a snapshot for the presentation layer.
type Telemetry struct {
	ArmAngle      float64   `json:"armAngle"`
	WristAngle    float64   `json:"wristAngle"`
	SafetyActive  bool      `json:"safetyActive"`
	ArmSetpoint   float64   `json:"armSetpoint"`
	WristSetpoint float64   `json:"wristSetpoint"`
	ArmMagnet     bool      `json:"armMagnet"`
	WristMagnet   bool      `json:"wristMagnet"`
	SampledAt     time.Time `json:"sampledAt"`
}

// ChannelInfo describes a channel's limits and current tuning.
type ChannelInfo struct {
	Name     string    `json:"name"`
	Limits   Limits    `json:"limits"`
	Gains    pid.Gains `json:"gains"`
	Filtered bool      `json:"filtered"`
}

type request struct {
	fn    func() error
	reply chan error
}

// Service is the request side of the controller. SetGains, GetTelemetry and
// Resume are queued and executed one at a time by Run; EmergencyStop goes
// straight to the loop.
type Service struct {
	loop     *Loop
	channels map[string]*Channel
	clk      clock.Clock
	ttl      time.Duration

	reqs chan request
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	cached   Telemetry
	cachedAt time.Time
	valid    bool
}

// NewService creates the request handler for loop. A ttl <= 0 uses
// DefaultTelemetryTTL.
func NewService(loop *Loop, clk clock.Clock, ttl time.Duration) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultTelemetryTTL
	}
	s := &Service{
		loop:     loop,
		channels: make(map[string]*Channel),
		clk:      clk,
		ttl:      ttl,
		reqs:     make(chan request, 16),
		done:     make(chan struct{}),
	}
	for _, ch := range loop.Channels() {
		s.channels[ch.Name()] = ch
	}
	return s
}

// Run handles queued requests until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	defer s.once.Do(func() { close(s.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-s.reqs:
			s.loop.Touch()
			r.reply <- r.fn()
		}
	}
}

func (s *Service) do(ctx context.Context, fn func() error) error {
	r := request{fn: fn, reply: make(chan error, 1)}
	select {
	case s.reqs <- r:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.reply:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Channel looks a channel up by name.
func (s *Service) Channel(name string) (*Channel, error) {
	ch, ok := s.channels[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChannel, "%q", name)
	}
	return ch, nil
}

// SetGains validates req, clamps it to the channel limits and installs it as
// the channel's new controller state with cleared integral and previous
// error. It also releases an emergency stop. The applied values are returned.
func (s *Service) SetGains(ctx context.Context, channel string, req GainsRequest) (pid.Gains, error) {
	ch, err := s.Channel(channel)
	if err != nil {
		return pid.Gains{}, err
	}
	g, err := validateGains(req, ch.Limits())
	if err != nil {
		return pid.Gains{}, err
	}

	err = s.do(ctx, func() error {
		ch.PID().Apply(g)
		s.loop.Resume()
		s.invalidate()
		debug.Gains(ch.Name(), g.Kp, g.Ki, g.Kd, g.Setpoint)
		return nil
	})
	if err != nil {
		return pid.Gains{}, err
	}
	return g, nil
}

func validateGains(req GainsRequest, lim Limits) (pid.Gains, error) {
	fields := []struct {
		name string
		v    *float64
	}{{"p", req.P}, {"i", req.I}, {"d", req.D}, {"angle", req.Setpoint}}
	for _, f := range fields {
		if f.v == nil {
			return pid.Gains{}, errors.Wrap(ErrMissingField, f.name)
		}
		if math.IsNaN(*f.v) || math.IsInf(*f.v, 0) {
			return pid.Gains{}, errors.Wrapf(ErrInvalidValue, "%s=%v", f.name, *f.v)
		}
	}
	return pid.Gains{
		Kp:       clamp(*req.P, 0, lim.MaxKp),
		Ki:       clamp(*req.I, 0, lim.MaxKi),
		Kd:       clamp(*req.D, 0, lim.MaxKd),
		Setpoint: clamp(*req.Setpoint, -MaxSetpoint, MaxSetpoint),
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// GetTelemetry samples both sensors through the bus arbiter, at most once per
// cache period. A channel whose read fails or whose magnet is missing reports
// its last control angle.
func (s *Service) GetTelemetry(ctx context.Context) (Telemetry, error) {
	if t, ok := s.fromCache(); ok {
		return t, nil
	}
	var t Telemetry
	err := s.do(ctx, func() error {
		if c, ok := s.fromCache(); ok {
			t = c
			return nil
		}
		t = s.sample()
		s.mu.Lock()
		s.cached, s.cachedAt, s.valid = t, s.clk.Now(), true
		s.mu.Unlock()
		return nil
	})
	return t, err
}

func (s *Service) fromCache() (Telemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid || s.clk.Since(s.cachedAt) >= s.ttl {
		return Telemetry{}, false
	}
	t := s.cached
	t.SafetyActive = s.loop.SafetyActive()
	return t, true
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

func (s *Service) sample() Telemetry {
	read := func(ch *Channel) (float64, bool) {
		smp, err := ch.readSample(s.loop.arb)
		if err != nil {
			debug.Verbose("telemetry: %s read failed: %v", ch.Name(), err)
			last, present := ch.LastAngle()
			return last, present
		}
		if !smp.Present {
			last, _ := ch.LastAngle()
			return last, false
		}
		return smp.Degrees, true
	}

	arm, wrist := s.loop.Arm(), s.loop.Wrist()
	t := Telemetry{SampledAt: s.clk.Now()}
	t.ArmAngle, t.ArmMagnet = read(arm)
	t.WristAngle, t.WristMagnet = read(wrist)
	t.ArmSetpoint = arm.PID().Gains().Setpoint
	t.WristSetpoint = wrist.PID().Gains().Setpoint
	t.SafetyActive = s.loop.SafetyActive()
	return t
}

// EmergencyStop halts both motors and resets both controllers immediately,
// without queueing. It is idempotent.
func (s *Service) EmergencyStop() error {
	err := s.loop.EmergencyStop()
	s.invalidate()
	return err
}

// Resume releases a latched emergency stop.
func (s *Service) Resume(ctx context.Context) error {
	return s.do(ctx, func() error {
		s.loop.Resume()
		s.invalidate()
		return nil
	})
}

// Channels describes every channel, arm first.
func (s *Service) Channels() []ChannelInfo {
	var out []ChannelInfo
	for _, ch := range s.loop.Channels() {
		out = append(out, ChannelInfo{
			Name:     ch.Name(),
			Limits:   ch.Limits(),
			Gains:    ch.PID().Gains(),
			Filtered: ch.Filtered(),
		})
	}
	return out
}

// SafetyActive reports whether an emergency stop is latched.
func (s *Service) SafetyActive() bool {
	return s.loop.SafetyActive()
}
