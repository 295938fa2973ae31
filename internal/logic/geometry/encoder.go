package geometry

import "math"

// Encoder converts stage positions (mm) to controller encoder counts and
// back, and scales velocity and acceleration into the controller's
// fixed-point units.
type Encoder struct {
	countsPerUnit float64
	samplePeriod  float64 // controller servo loop period (s)
}

// NewEncoder creates an encoder for a stage with countsPerUnit counts per
// mm, driven by a controller with the given servo loop period.
func NewEncoder(countsPerUnit, samplePeriod float64) *Encoder {
	return &Encoder{
		countsPerUnit: countsPerUnit,
		samplePeriod:  samplePeriod,
	}
}

// CountsPerUnit returns the encoder resolution.
func (e *Encoder) CountsPerUnit() float64 {
	return e.countsPerUnit
}

// CountsFromPosition converts a position (mm) to encoder counts.
func (e *Encoder) CountsFromPosition(mm float64) int32 {
	return int32(math.Round(mm * e.countsPerUnit))
}

// PositionFromCounts converts encoder counts to a position (mm).
func (e *Encoder) PositionFromCounts(counts int32) float64 {
	return float64(counts) / e.countsPerUnit
}

// VelocityCounts converts a velocity (mm/s) to controller units:
// v * counts/mm * T * 65536.
func (e *Encoder) VelocityCounts(mmPerSec float64) int32 {
	return int32(math.Round(mmPerSec * e.countsPerUnit * e.samplePeriod * 65536))
}

// AccelerationCounts converts an acceleration (mm/s²) to controller units:
// a * counts/mm * T² * 65536.
func (e *Encoder) AccelerationCounts(mmPerSec2 float64) int32 {
	return int32(math.Round(mmPerSec2 * e.countsPerUnit * e.samplePeriod * e.samplePeriod * 65536))
}
