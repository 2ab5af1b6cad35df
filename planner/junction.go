package planner

import (
	"math"

	"cncmotion.dev/core/kinematics"
)

const (
	// colinearEpsilon brackets "near +1"/"near -1" for the junction cosine.
	colinearEpsilon = 1e-6

	// minimumJunctionSpeedMMPerMin is the floor imposed on a full-reversal
	// junction: the minimum speed the machine can reliably reverse
	// direction at.
	minimumJunctionSpeedMMPerMin = 1.0

	// largeSpeedSqrSentinel stands in for "no junction limit"; it is
	// always clamped down to the block's own nominal speed before the
	// block is committed.
	largeSpeedSqrSentinel = 1e12
)

func dot(a, b [kinematics.NumAxes]float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// maxEntrySpeedSqr applies the junction-deviation model bounding the speed
// the machine may carry through the corner between the previous move's
// direction and this one's.
func maxEntrySpeedSqr(prevUnit, unit [kinematics.NumAxes]float64, accelerationMMPerMin2, junctionDeviationMM float64, havePrevious bool) float64 {
	if !havePrevious {
		// First move off a standing start: nothing to compare against.
		return largeSpeedSqrSentinel
	}

	cosTheta := dot(prevUnit, unit)
	if cosTheta > 1-colinearEpsilon {
		// Colinear, same direction: the junction imposes no new limit.
		return largeSpeedSqrSentinel
	}
	if cosTheta < -1+colinearEpsilon {
		// Full reversal: force the minimum reliable junction speed.
		v := minimumJunctionSpeedMMPerMin
		return v * v
	}

	// Half-angle sine form. The turn angle theta is the supplement of the
	// angle between the direction vectors (theta=0 at a full reversal,
	// theta=pi when continuing straight), so sin(theta/2) is derived from
	// (1+cosTheta)/2, not (1-cosTheta)/2.
	sinThetaD2 := math.Sqrt((1 + cosTheta) / 2)
	return (accelerationMMPerMin2 * junctionDeviationMM * sinThetaD2) / (1 - sinThetaD2)
}
