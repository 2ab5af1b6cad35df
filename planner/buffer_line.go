package planner

import (
	"fmt"
	"math"

	"github.com/google/uuid"

	"cncmotion.dev/core/coreerr"
	"cncmotion.dev/core/kinematics"
)

// BufferLine accepts one straight-line move and replans the open portion of
// the ring. targetMM is in machine-frame millimeters, all WCS/G92 offsets
// already resolved by the parser. It never blocks: a full ring returns
// accepted=false and the caller retries after a block drains.
func (r *Ring) BufferLine(targetMM [kinematics.NumAxes]float64, feedrateMMPerMin float64, flags Flags) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if flags&RapidMotion == 0 && feedrateMMPerMin <= 0 {
		return false, coreerr.New(coreerr.UndefinedFeedRate, "feedrate %v is not positive", feedrateMMPerMin)
	}

	// Opt-in soft-limit check, against the target before any ring slot is
	// consumed, so a rejected move never desynchronizes sys_position from
	// the ring.
	if enabled, min, max := r.settings.SoftLimits(); enabled {
		for i := 0; i < kinematics.NumAxes; i++ {
			if targetMM[i] < min[i] || targetMM[i] > max[i] {
				return false, fmt.Errorf("planner: axis %s target %.4f mm outside soft limits [%.4f, %.4f]",
					kinematics.AxisID(i), targetMM[i], min[i], max[i])
			}
		}
	}

	// Target -> absolute steps, deltas against sys_position.
	var deltaSteps [kinematics.NumAxes]int64
	var steps [kinematics.NumAxes]uint64
	var directionBits uint8
	allZero := true
	for i := 0; i < kinematics.NumAxes; i++ {
		axis := kinematics.AxisID(i)
		targetSteps := r.settings.MMToSteps(axis, targetMM[i])
		delta := targetSteps - r.state.SysPosition[i]
		deltaSteps[i] = delta
		if delta != 0 {
			allZero = false
			if delta < 0 {
				directionBits |= 1 << uint(i)
				steps[i] = uint64(-delta)
			} else {
				steps[i] = uint64(delta)
			}
		}
	}

	// Zero-length moves are silently dropped; they never consume a slot
	// and are never a failure.
	if allZero {
		return true, nil
	}

	// Refuse closed: no free slot.
	if r.count == len(r.blocks) {
		return false, nil
	}

	// Millimeters and unit vector, computed in the quantized step domain
	// so geometry stays consistent with sys_position.
	var deltaMM [kinematics.NumAxes]float64
	var millimeters float64
	for i := 0; i < kinematics.NumAxes; i++ {
		deltaMM[i] = r.settings.StepsToMM(kinematics.AxisID(i), deltaSteps[i])
		millimeters += deltaMM[i] * deltaMM[i]
	}
	millimeters = math.Sqrt(millimeters)

	var unitVec [kinematics.NumAxes]float64
	if millimeters > 0 {
		for i := 0; i < kinematics.NumAxes; i++ {
			unitVec[i] = deltaMM[i] / millimeters
		}
	}

	// Clamp speed and acceleration so no axis exceeds its own limit when
	// the move runs along this unit vector.
	nominalSpeed := feedrateMMPerMin
	if flags&RapidMotion != 0 {
		nominalSpeed = math.Sqrt(largeSpeedSqrSentinel)
	}
	nominalSpeedSqr := nominalSpeed * nominalSpeed
	acceleration := largeSpeedSqrSentinel

	for i := 0; i < kinematics.NumAxes; i++ {
		comp := math.Abs(unitVec[i])
		if comp == 0 {
			continue
		}
		axis := kinematics.AxisID(i)
		rateLimit := r.settings.MaxRate(axis) / comp
		if rateLimit*rateLimit < nominalSpeedSqr {
			nominalSpeedSqr = rateLimit * rateLimit
		}
		accelLimit := (r.settings.MaxAccel(axis) * 3600) / comp // mm/s^2 -> (mm/min)/min
		if accelLimit < acceleration {
			acceleration = accelLimit
		}
	}

	maxEntrySqr := maxEntrySpeedSqr(r.state.PreviousUnitVec, unitVec, acceleration, r.settings.JunctionDeviation(), r.state.havePrevious)

	block := Block{
		ID:               uuid.New(),
		Steps:            steps,
		DirectionBits:    directionBits,
		Millimeters:      millimeters,
		UnitVec:          unitVec,
		NominalSpeedSqr:  nominalSpeedSqr,
		Acceleration:     acceleration,
		MaxEntrySpeedSqr: maxEntrySqr,
		Flags:            flags,
	}
	block.StepEventCount = block.dominantStepCount()

	block.EntrySpeedSqr = math.Min(maxEntrySqr, nominalSpeedSqr)

	// Remember this move's geometry for the next junction.
	r.state.PreviousUnitVec = unitVec
	r.state.PreviousNominalSpeed = math.Sqrt(nominalSpeedSqr)
	r.state.havePrevious = true

	// The authoritative position advances the instant the block is
	// accepted, independent of execution.
	for i := 0; i < kinematics.NumAxes; i++ {
		r.state.SysPosition[i] += deltaSteps[i]
	}

	headIdx := r.idx(r.count)
	r.blocks[headIdx] = block
	r.count++

	r.replanLocked()

	return true, nil
}

func (b *Block) dominantStepCount() uint64 {
	var max uint64
	for _, s := range b.Steps {
		if s > max {
			max = s
		}
	}
	return max
}
