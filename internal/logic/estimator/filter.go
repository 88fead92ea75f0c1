// Package estimator smooths a noisy angle with a two-state (position,
// velocity) Kalman filter under a constant-velocity model.
package estimator

import "time"

// DefaultAccelVariance is the process noise used for the arm.
const DefaultAccelVariance = 0.5

// Filter is not safe for concurrent use; it belongs to the control loop.
type Filter struct {
	accelVar float64

	pos, vel float64
	// covariance, row major
	p00, p01, p10, p11 float64
}

// New creates a filter starting at (pos, vel) with identity covariance.
func New(pos, vel, accelVariance float64) *Filter {
	return &Filter{
		accelVar: accelVariance,
		pos:      pos,
		vel:      vel,
		p00:      1,
		p11:      1,
	}
}

// Predict advances the estimate by dt.
func (f *Filter) Predict(dt time.Duration) {
	t := dt.Seconds()
	if t <= 0 {
		return
	}

	f.pos += f.vel * t

	// P = F P F' + G G' a, F = [1 t; 0 1], G = [t²/2; t]
	p00 := f.p00 + t*(f.p10+f.p01) + t*t*f.p11
	p01 := f.p01 + t*f.p11
	p10 := f.p10 + t*f.p11
	p11 := f.p11

	g0, g1 := t*t/2, t
	f.p00 = p00 + g0*g0*f.accelVar
	f.p01 = p01 + g0*g1*f.accelVar
	f.p10 = p10 + g1*g0*f.accelVar
	f.p11 = p11 + g1*g1*f.accelVar
}

// Update fuses a position measurement with variance r.
func (f *Filter) Update(measurement, r float64) {
	y := measurement - f.pos
	s := f.p00 + r
	if s == 0 {
		return
	}
	k0, k1 := f.p00/s, f.p10/s

	f.pos += k0 * y
	f.vel += k1 * y

	p00, p01 := f.p00, f.p01
	f.p00 -= k0 * p00
	f.p01 -= k0 * p01
	f.p10 -= k1 * p00
	f.p11 -= k1 * p01
}

// Pos returns the filtered position.
func (f *Filter) Pos() float64 { return f.pos }

// Vel returns the filtered velocity, units per second.
func (f *Filter) Vel() float64 { return f.vel }
