// Package arcgen is the arc generator: a cooperative state machine that
// feeds a G2/G3 arc to the planner one short chord at a time, honoring
// planner backpressure rather than ever blocking its caller.
package arcgen

import (
	"fmt"
	"math"

	"cncmotion.dev/core/coreerr"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/planner"
)

// maxChordSegments bounds worst-case memory/time for a single arc request.
const maxChordSegments = 10000

// correctionIntervalSegments is how often the radius vector is recomputed
// from exact trigonometry rather than the incremental small-angle rotation,
// bounding accumulated rotation error.
const correctionIntervalSegments = 20

// Direction selects clockwise (G2) or counterclockwise (G3) travel.
type Direction int

const (
	Clockwise Direction = iota
	CounterClockwise
)

// Request describes one G2/G3 command in the plane already resolved by the
// caller: XY, XZ, or YZ per the active plane selection, handled by the
// gcode package before New is called.
type Request struct {
	Start, End, Center     [kinematics.NumAxes]float64
	PlaneAxis0, PlaneAxis1 int // the two axes the arc sweeps; others move linearly
	Direction              Direction
	LinearTargetMM         [kinematics.NumAxes]float64 // full target including helical axes
	FeedrateMMPerMin       float64
}

// Generator is one in-flight arc. A fresh Generator is constructed per
// request; Tick is called by the main flow's low-priority schedule
// (commonly 25-200 Hz) until Done reports true.
type Generator struct {
	ring     *planner.Ring
	settings settingsReader

	axis0, axis1 int
	center       [2]float64
	radius       [2]float64 // current radius vector, axis0/axis1 plane
	radiusMag    float64
	startAngle   float64
	theta        float64 // per-segment rotation angle
	cumAngle     float64
	segmentsLeft int
	segmentIndex int

	linearPerSegment [kinematics.NumAxes]float64
	currentPos       [kinematics.NumAxes]float64
	feedrate         float64

	done    bool
	arcDone bool
}

type settingsReader interface {
	ArcTolerance() float64
}

// New validates req's geometry, sizes the chord count against the arc
// tolerance, and returns an armed Generator.
func New(req Request, ring *planner.Ring, settings settingsReader) (*Generator, error) {
	a0, a1 := req.PlaneAxis0, req.PlaneAxis1
	cx, cy := req.Center[a0], req.Center[a1]
	sx, sy := req.Start[a0]-cx, req.Start[a1]-cy
	ex, ey := req.End[a0]-cx, req.End[a1]-cy

	radius := math.Hypot(sx, sy)
	endRadius := math.Hypot(ex, ey)
	if radius < 1e-6 {
		return nil, coreerr.New(coreerr.ArcGeometry, "arc start coincides with its center")
	}
	if math.Abs(radius-endRadius) > radius*0.01+1e-4 {
		return nil, coreerr.New(coreerr.ArcGeometry, "arc start/end radii disagree: %.6f vs %.6f", radius, endRadius)
	}

	startAngle := math.Atan2(sy, sx)
	endAngle := math.Atan2(ey, ex)
	sweep := endAngle - startAngle
	if req.Direction == Clockwise {
		for sweep >= 0 {
			sweep -= 2 * math.Pi
		}
	} else {
		for sweep <= 0 {
			sweep += 2 * math.Pi
		}
	}
	if math.Abs(sweep) < 1e-9 {
		return nil, coreerr.New(coreerr.ArcGeometry, "zero-length arc with ambiguous direction")
	}

	tolerance := settings.ArcTolerance()
	if tolerance <= 0 {
		tolerance = 0.002
	}
	// Mid-chord deviation for a chord subtending angle theta on a circle of
	// this radius is approximately radius*(1-cos(theta/2)); solve for the
	// largest theta keeping that under tolerance.
	maxTheta := 2 * math.Acos(1-tolerance/radius)
	if maxTheta <= 0 || math.IsNaN(maxTheta) {
		maxTheta = 0.01
	}
	segments := int(math.Ceil(math.Abs(sweep) / maxTheta))
	if segments < 1 {
		segments = 1
	}
	if segments > maxChordSegments {
		return nil, coreerr.New(coreerr.ArcGeometry, "arc requires %d chord segments, exceeds bound %d", segments, maxChordSegments)
	}

	theta := sweep / float64(segments)

	g := &Generator{
		ring:         ring,
		settings:     settings,
		axis0:        a0,
		axis1:        a1,
		center:       [2]float64{cx, cy},
		radius:       [2]float64{sx, sy},
		radiusMag:    radius,
		startAngle:   startAngle,
		theta:        theta,
		segmentsLeft: segments,
		currentPos:   req.Start,
		feedrate:     req.FeedrateMMPerMin,
	}
	for i := 0; i < kinematics.NumAxes; i++ {
		if i == a0 || i == a1 {
			continue
		}
		g.linearPerSegment[i] = (req.LinearTargetMM[i] - req.Start[i]) / float64(segments)
	}
	return g, nil
}

// Done reports whether the arc has finished and raised its completion flag
// for the main flow to acknowledge. Acknowledging the host is the caller's
// responsibility, never the generator's own.
func (g *Generator) Done() bool {
	return g.done
}

// ArcCompleteFlag reports (and clears) the "arc complete" flag, crossing
// the generator/main-flow boundary through a flag rather than direct I/O.
func (g *Generator) ArcCompleteFlag() bool {
	if g.arcDone {
		g.arcDone = false
		return true
	}
	return false
}

// Tick advances by one chord if the planner ring has room, otherwise does
// nothing and lets the caller retry on the next tick.
func (g *Generator) Tick() error {
	if g.done {
		return nil
	}
	if g.segmentsLeft == 0 {
		g.done = true
		g.arcDone = true
		return nil
	}

	// Small-angle incremental rotation.
	cosT := 1 - g.theta*g.theta/2
	sinT := g.theta
	nx := g.radius[0]*cosT - g.radius[1]*sinT
	ny := g.radius[0]*sinT + g.radius[1]*cosT

	target := g.currentPos
	target[g.axis0] = g.center[0] + nx
	target[g.axis1] = g.center[1] + ny
	for i := 0; i < kinematics.NumAxes; i++ {
		if i == g.axis0 || i == g.axis1 {
			continue
		}
		target[i] = g.currentPos[i] + g.linearPerSegment[i]
	}

	ok, err := g.ring.BufferLine(target, g.feedrate, 0)
	if err != nil {
		return fmt.Errorf("arcgen: chord rejected: %w", err)
	}
	if !ok {
		// Ring full: retry this same chord next tick.
		return nil
	}

	g.radius[0], g.radius[1] = nx, ny
	g.currentPos = target
	g.segmentsLeft--
	g.segmentIndex++
	g.cumAngle += g.theta

	if g.segmentIndex%correctionIntervalSegments == 0 {
		g.recorrect()
	}
	return nil
}

// recorrect recomputes the radius vector from exact trigonometry at the
// current cumulative angle (measured from the arc's exact start angle, not
// from the incrementally-rotated vector), bounding the error the
// small-angle approximation would otherwise accumulate.
func (g *Generator) recorrect() {
	angle := g.startAngle + g.cumAngle
	g.radius[0] = g.radiusMag * math.Cos(angle)
	g.radius[1] = g.radiusMag * math.Sin(angle)
}
