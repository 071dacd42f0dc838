// Package pacing derives the wait between two outbound actions from how many
// actions were already performed in the current burst.
//
// The shape is a logistic ramp: a short burst stays at the floor, sustained
// activity climbs smoothly towards K seconds (minus Offset) and never beyond.
package pacing

import (
	"fmt"
	"math"
	"time"
)

// Curve holds the parameters of one pacing ramp.
//
// Raw(count) = floor(1000 * K / (1 + e^(A - B*count))) milliseconds.
// Interval(count) = max(Floor, Raw(count) - Offset).
type Curve struct {
	K      float64
	A      float64
	B      float64
	Offset time.Duration
	Floor  time.Duration
}

// InviteCurve paces invitation acceptance.
func InviteCurve() Curve {
	return Curve{K: 170, A: 2, B: 0.8, Offset: 40 * time.Second, Floor: 5 * time.Second}
}

// MessageCurve paces outbound group messages.
func MessageCurve() Curve {
	return Curve{K: 71, A: 2, B: 0.5, Offset: 10 * time.Second, Floor: 5 * time.Second}
}

// Raw returns the un-clamped logistic value for count.
func (c Curve) Raw(count int) time.Duration {
	if count < 0 {
		count = 0
	}
	ms := 1000 * c.K / (1 + math.Exp(c.A-c.B*float64(count)))
	return time.Duration(math.Floor(ms)) * time.Millisecond
}

// Interval returns the effective wait after count actions.
func (c Curve) Interval(count int) time.Duration {
	d := c.Raw(count) - c.Offset
	if d < c.Floor {
		return c.Floor
	}
	return d
}

// Ceiling is the asymptotic upper bound of Interval.
func (c Curve) Ceiling() time.Duration {
	d := time.Duration(1000*c.K)*time.Millisecond - c.Offset
	if d < c.Floor {
		return c.Floor
	}
	return d
}

// Validate rejects parameter sets that would not produce a non-decreasing ramp.
func (c Curve) Validate() error {
	switch {
	case c.K <= 0 || math.IsNaN(c.K) || math.IsInf(c.K, 0):
		return fmt.Errorf("pacing: k must be > 0, got %v", c.K)
	case c.B < 0 || math.IsNaN(c.B):
		return fmt.Errorf("pacing: b must be >= 0, got %v", c.B)
	case math.IsNaN(c.A) || math.IsInf(c.A, 0):
		return fmt.Errorf("pacing: a must be finite, got %v", c.A)
	case c.Offset < 0:
		return fmt.Errorf("pacing: offset must be >= 0")
	case c.Floor < 0:
		return fmt.Errorf("pacing: floor must be >= 0")
	}
	return nil
}

func (c Curve) String() string {
	return fmt.Sprintf("k=%g a=%g b=%g offset=%s floor=%s", c.K, c.A, c.B, c.Offset, c.Floor)
}
