// Package exec is the pulse executor: it owns one pulsegen.Channel per
// axis, pulls segments off the preparer's ring, and drives the
// dominant/subordinate pulse scheme. Within any one segment exactly one
// axis runs its channel free-running while the others are stepped by
// Bresenham-timed one-shot pulses from the dominant axis's callback. Go has
// no interrupt masking, so the atomic segment-transition region is realized
// as a short critical section guarded by a mutex rather than by disabling
// hardware interrupts; the ordering guarantee it must provide (hardware
// reconfiguration of the new dominant completes before dominantMask is
// published) is unchanged.
package exec

import (
	"go.uber.org/atomic"

	"cncmotion.dev/core/kinematics"
)

// AxisExecState is the per-axis bookkeeping shared between the main flow
// and the goroutine that stands in for a per-pulse ISR.
type AxisExecState struct {
	active              atomic.Bool
	stepsEmittedThisSeg atomic.Uint32
	bresenhamCounter    atomic.Int64
	blockStepsCommanded atomic.Uint64
	blockStepsExecuted  atomic.Uint64
}

// ExecutorState holds the fields every pulse callback reads without
// synchronization: a single atomic read tells a callback its role.
type ExecutorState struct {
	dominantMask    atomic.Uint32
	machinePosition [kinematics.NumAxes]atomic.Int64
}

// MachinePositionSteps reads one axis's running step position, updated from
// the pulse path on every emitted pulse.
func (s *ExecutorState) MachinePositionSteps(axis kinematics.AxisID) int64 {
	return s.machinePosition[axis].Load()
}

// DominantMask reads the current dominant-axis bitmask; safe without
// further synchronization from any caller.
func (s *ExecutorState) DominantMask() uint32 {
	return s.dominantMask.Load()
}

func (s *ExecutorState) isDominant(axis kinematics.AxisID) bool {
	return s.dominantMask.Load()&(1<<uint(axis)) != 0
}
