package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidScanPlan is returned for a plan with a non-positive step or
// non-finite positions.
var ErrInvalidScanPlan = errors.New("invalid scan plan")

// MaxCaptures bounds the number of images of one scan.
const MaxCaptures = 100000

// epsilon absorbs float noise when counting steps (0.3/0.1 is 2.9999...).
const epsilon = 1e-9

// ScanPlan is a linear sweep of one axis from Start towards Target in
// increments of Step. It is immutable once built.
type ScanPlan struct {
	Start     float64 // first capture position (mm)
	Target    float64 // requested end position (mm)
	Step      float64 // distance between two captures (mm), always > 0
	StepCount int     // floor(|Target-Start| / Step)
	Direction int     // +1 towards larger positions, -1 towards smaller ones
}

// NewScanPlan validates the sweep parameters and derives step count and
// direction. A plan with Start == Target has zero steps and a single capture.
func NewScanPlan(start, target, step float64) (ScanPlan, error) {
	p := ScanPlan{Start: start, Target: target, Step: step, Direction: 1}
	if target < start {
		p.Direction = -1
	}
	if err := p.checkParams(); err != nil {
		return ScanPlan{}, err
	}

	// The ratio is bounded before the int conversion, which would overflow.
	steps := math.Floor(math.Abs(target-start)/step + epsilon)
	if math.IsInf(steps, 0) || math.IsNaN(steps) || steps > MaxCaptures-1 {
		return ScanPlan{}, fmt.Errorf("%w: %g mm in steps of %g mm exceeds %d captures",
			ErrInvalidScanPlan, math.Abs(target-start), step, MaxCaptures)
	}
	p.StepCount = int(steps)
	return p, p.Validate()
}

func (p ScanPlan) checkParams() error {
	for _, v := range []float64{p.Start, p.Target, p.Step} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: positions must be finite (start=%g target=%g step=%g)",
				ErrInvalidScanPlan, p.Start, p.Target, p.Step)
		}
	}
	if p.Step <= 0 {
		return fmt.Errorf("%w: step must be > 0, got %g", ErrInvalidScanPlan, p.Step)
	}
	return nil
}

// Validate checks a plan that may not come from NewScanPlan.
func (p ScanPlan) Validate() error {
	if err := p.checkParams(); err != nil {
		return err
	}
	if p.StepCount < 0 || p.StepCount > MaxCaptures-1 {
		return fmt.Errorf("%w: step count %d outside [0, %d]", ErrInvalidScanPlan, p.StepCount, MaxCaptures-1)
	}
	if p.Direction != 1 && p.Direction != -1 {
		return fmt.Errorf("%w: direction must be +1 or -1, got %d", ErrInvalidScanPlan, p.Direction)
	}
	return nil
}

// Captures returns the number of images the plan produces (StepCount + 1).
func (p ScanPlan) Captures() int {
	return p.StepCount + 1
}

// Position returns the nominal axis position of capture i (0-based).
func (p ScanPlan) Position(i int) float64 {
	return p.Start + float64(p.Direction*i)*p.Step
}

// Positions lists the nominal capture positions in sweep order.
func (p ScanPlan) Positions() []float64 {
	out := make([]float64, p.Captures())
	for i := range out {
		out[i] = p.Position(i)
	}
	return out
}

// End returns the nominal position of the last capture. It equals Target
// only when the distance is a whole number of steps.
func (p ScanPlan) End() float64 {
	return p.Position(p.StepCount)
}

// Progress returns the completion percentage after capture i,
// round(100*i/StepCount). A zero-step plan is complete after capture 0.
func (p ScanPlan) Progress(i int) int {
	if p.StepCount == 0 {
		return 100
	}
	return int(math.Round(100 * float64(i) / float64(p.StepCount)))
}

func (p ScanPlan) String() string {
	return fmt.Sprintf("%g -> %g step %g (%d captures)", p.Start, p.Target, p.Step, p.Captures())
}
