package server

import "time"

// QuotaParams are the cooldown tunables shared by every identity.
type QuotaParams struct {
	Interval time.Duration
	Base     int
	Scale    int
}

// QuotaState is one identity's placement allowance. Replenishment is lazy:
// nothing ticks in the background, the state is recomputed whenever it is
// read or spent.
type QuotaState struct {
	Pixels     int
	Placed     int
	LastTicked time.Time
}

// MaxPixels is the allowance cap, growing with lifetime placements.
func (p QuotaParams) MaxPixels(placed int) int {
	return p.Base + placed/p.Scale
}

// Replenish credits whole elapsed cooldown ticks since LastTicked, capped at
// MaxPixels. LastTicked advances by exactly ticks*interval rather than
// snapping to now, so no fraction of a tick is ever lost or double-counted.
func (p QuotaParams) Replenish(s QuotaState, now time.Time) QuotaState {
	if s.LastTicked.IsZero() {
		s.LastTicked = now
		return s
	}
	elapsed := now.Sub(s.LastTicked)
	if elapsed < p.Interval {
		return s
	}
	ticks := int(elapsed / p.Interval)
	max := p.MaxPixels(s.Placed)
	s.Pixels += ticks
	if s.Pixels > max {
		s.Pixels = max
	}
	if s.Pixels < 0 {
		s.Pixels = 0
	}
	s.LastTicked = s.LastTicked.Add(time.Duration(ticks) * p.Interval)
	return s
}

// Clamp truncates a requested batch size to what the allowance covers.
// Partial acceptance is the designed behavior; zero is an ordinary result,
// not an error.
func (s QuotaState) Clamp(requested int) int {
	if requested < 0 {
		return 0
	}
	if requested > s.Pixels {
		return s.Pixels
	}
	return requested
}

// Spend settles n accepted placements. Callers clamp first; Spend refuses to
// drive the allowance negative rather than trusting them.
func (s QuotaState) Spend(n int) QuotaState {
	if n <= 0 {
		return s
	}
	if n > s.Pixels {
		n = s.Pixels
	}
	s.Pixels -= n
	s.Placed += n
	return s
}
