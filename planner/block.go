// Package planner owns the bounded ring of look-ahead motion blocks: it
// accepts machine-frame targets and feedrates, and jointly optimizes each
// block's entry/exit velocities against a junction-deviation model so
// consecutive moves flow without forcing the machine to stop at corners.
package planner

import (
	"github.com/google/uuid"

	"cncmotion.dev/core/kinematics"
)

// Flags are the per-block condition bits.
type Flags uint8

const (
	// RapidMotion marks a G0 move: nominal speed is seeded from each
	// axis's max rate rather than a programmed feedrate.
	RapidMotion Flags = 1 << iota
	// SystemMotion marks a homing/predefined move: never replanned.
	SystemMotion
)

// Block is one planner-ring entry: a single straight-line motion with a
// common feedrate.
type Block struct {
	ID uuid.UUID

	Steps         [kinematics.NumAxes]uint64
	DirectionBits uint8 // bit i set = negative travel on axis i

	StepEventCount uint64 // max(Steps[i]): the dominant-axis step count

	Millimeters float64
	UnitVec     [kinematics.NumAxes]float64

	NominalSpeedSqr float64 // (mm/min)^2
	Acceleration    float64 // (mm/min)/min

	EntrySpeedSqr    float64
	MaxEntrySpeedSqr float64

	Flags Flags
}

func (b *Block) Negative(axis kinematics.AxisID) bool {
	return b.DirectionBits&(1<<uint(axis)) != 0
}

func (b *Block) setDirection(axis kinematics.AxisID, negative bool) {
	if negative {
		b.DirectionBits |= 1 << uint(axis)
	} else {
		b.DirectionBits &^= 1 << uint(axis)
	}
}

// State is the planner's running cross-block context: the authoritative
// machine position in steps plus enough of the previous block's geometry to
// compute the next junction.
type State struct {
	SysPosition          [kinematics.NumAxes]int64
	PreviousUnitVec      [kinematics.NumAxes]float64
	PreviousNominalSpeed float64
	havePrevious         bool
}
