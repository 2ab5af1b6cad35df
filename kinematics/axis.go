// Package kinematics is the single source of truth for per-axis machine
// parameters (steps/mm, rate and acceleration limits, junction deviation,
// arc tolerance) and the mm<->steps conversions every other package routes
// through, so a settings change can never desynchronize a cached value.
package kinematics

// NumAxes is the compile-time axis count. Every fixed-size per-axis array in
// the core is sized off this constant so adding a fifth axis is a one-place
// change, not a search-and-replace.
const NumAxes = 4

// AxisID names one of the machine's axes. Iota order doubles as the fixed
// tie-break priority (X > Y > Z > A) for dominant-axis selection.
type AxisID int

const (
	AxisX AxisID = iota
	AxisY
	AxisZ
	AxisA
)

func (a AxisID) String() string {
	switch a {
	case AxisX:
		return "X"
	case AxisY:
		return "Y"
	case AxisZ:
		return "Z"
	case AxisA:
		return "A"
	default:
		return "?"
	}
}

// Axes is the canonical iteration order, X through A, also the tie-break
// priority order used by dominant-axis selection.
var Axes = [NumAxes]AxisID{AxisX, AxisY, AxisZ, AxisA}
