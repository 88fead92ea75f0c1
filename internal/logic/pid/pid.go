package pid

import (
	"sync/atomic"
)

// IntegralLimit bounds the raw integral accumulator, independent of Ki.
const IntegralLimit = 255.0

// derivativeEpsilon keeps the derivative finite when dt is zero.
const derivativeEpsilon = 1e-6

// Gains is the tunable part of a controller.
type Gains struct {
	Kp       float64 `json:"p"`
	Ki       float64 `json:"i"`
	Kd       float64 `json:"d"`
	Setpoint float64 `json:"setpoint"`
}

// State is a complete controller snapshot. It is never mutated once
// published; every change installs a new State.
type State struct {
	Gains
	Integral  float64
	PrevError float64
}

// Controller is a PID controller whose state can be replaced from another
// goroutine while the control loop is computing.
type Controller struct {
	state atomic.Pointer[State]
}

// New returns a controller with zero gains and setpoint.
func New() *Controller {
	c := &Controller{}
	c.state.Store(&State{})
	return c
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	return *c.state.Load()
}

// Gains returns the current gains and setpoint.
func (c *Controller) Gains() Gains {
	return c.state.Load().Gains
}

// Compute returns the unclamped correction for a measurement taken
// elapsedMicros after the previous one.
//
// If the state was replaced while computing, the step is redone against the
// new state so a concurrent Apply or Reset is never overwritten.
func (c *Controller) Compute(measured float64, elapsedMicros uint32) float64 {
	for {
		cur := c.state.Load()
		next, out := step(*cur, measured, elapsedMicros)
		if c.state.CompareAndSwap(cur, &next) {
			return out
		}
	}
}

func step(s State, measured float64, elapsedMicros uint32) (State, float64) {
	e := s.Setpoint - measured
	dt := float64(elapsedMicros) / 1e6

	p := s.Kp * e

	s.Integral += e * dt
	if s.Integral > IntegralLimit {
		s.Integral = IntegralLimit
	} else if s.Integral < -IntegralLimit {
		s.Integral = -IntegralLimit
	}
	i := s.Ki * s.Integral

	d := s.Kd * (e - s.PrevError) / (dt + derivativeEpsilon)
	s.PrevError = e

	return s, p + i + d
}

// Apply replaces gains and setpoint and clears the integral and previous
// error, as one transition.
func (c *Controller) Apply(g Gains) {
	c.state.Store(&State{Gains: g})
}

// Reset zeroes the integral and previous error, keeping gains and setpoint.
func (c *Controller) Reset() {
	c.update(func(s *State) {
		s.Integral = 0
		s.PrevError = 0
	})
}

// SetSetpoint changes the target only. Integral and previous error are kept.
func (c *Controller) SetSetpoint(v float64) { c.update(func(s *State) { s.Setpoint = v }) }

// SetP changes the proportional gain only.
func (c *Controller) SetP(v float64) { c.update(func(s *State) { s.Kp = v }) }

// SetI changes the integral gain only.
func (c *Controller) SetI(v float64) { c.update(func(s *State) { s.Ki = v }) }

// SetD changes the derivative gain only.
func (c *Controller) SetD(v float64) { c.update(func(s *State) { s.Kd = v }) }

func (c *Controller) update(fn func(*State)) {
	for {
		cur := c.state.Load()
		next := *cur
		fn(&next)
		if c.state.CompareAndSwap(cur, &next) {
			return
		}
	}
}
