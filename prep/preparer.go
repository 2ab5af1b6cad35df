package prep

import (
	"math"
	"sync"

	"go.uber.org/atomic"

	"cncmotion.dev/core/holdstate"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/planner"
)

// SegmentLengthMM is the fixed target segment length. At 2mm and physically
// reasonable accelerations, the velocity change within one segment is small
// enough that a mean-of-endpoints speed keeps chord error under step
// resolution.
const SegmentLengthMM = 2.0

// MaxSegmentsPerTick bounds how much work one Prep() call does before
// returning, so the low-priority tick never stalls.
const MaxSegmentsPerTick = 3

// periodMarginCounts is added atop PulseWidthCounts for the period floor,
// keeping the pulse's falling edge clear of the next rising edge.
const periodMarginCounts = 10

// maxPeriodCounts is the 16-bit timer upper bound.
const maxPeriodCounts = 65485

// Preparer is the segment-preparer state machine.
type Preparer struct {
	mu sync.Mutex

	planner  *planner.Ring
	segments *Ring
	settings *kinematics.Store
	hold     *holdstate.Flag

	hasBlock        bool
	block           planner.Block
	remainingMM     float64
	currentSpeedSqr float64
	exitSpeedSqr    float64
	fracAccum       [kinematics.NumAxes]float64

	underrunCount atomic.Uint64
}

func New(planner *planner.Ring, segments *Ring, settings *kinematics.Store, hold *holdstate.Flag) *Preparer {
	return &Preparer{planner: planner, segments: segments, settings: settings, hold: hold}
}

// UnderrunCount reports how many times the executor needed a segment and
// found the ring empty. Underruns are never fatal (motion pauses and the
// preparer catches up) but a climbing count means the prep tick is being
// starved.
func (p *Preparer) UnderrunCount() uint64 {
	return p.underrunCount.Load()
}

// NoteUnderrun is called by the executor when it finds the segment ring
// empty at a point it needed a segment.
func (p *Preparer) NoteUnderrun() {
	p.underrunCount.Inc()
}

// Reset drops any partially-prepared block and clears the segment ring, the
// preparer's half of a soft reset; the planner side clears via
// planner.Ring.Reset, which the same caller invokes alongside this call.
func (p *Preparer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasBlock = false
	p.block = planner.Block{}
	p.remainingMM = 0
	p.currentSpeedSqr = 0
	p.exitSpeedSqr = 0
	p.fracAccum = [kinematics.NumAxes]float64{}
	p.segments.Clear()
}

// Prep tries to add up to MaxSegmentsPerTick segments, returning as soon as
// the segment ring is full or no block is available.
func (p *Preparer) Prep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.hold.Held() {
		// Feed hold: produce no new segments; the ring is left intact.
		return
	}

	for i := 0; i < MaxSegmentsPerTick; i++ {
		if !p.acquireBlockLocked() {
			return
		}
		if !p.produceSegmentLocked() {
			return
		}
	}
}

// acquireBlockLocked adopts the planner tail block if none is in progress,
// seeding the slicing state from its entry speed and the next block's entry
// (or zero when this is the last buffered block).
func (p *Preparer) acquireBlockLocked() bool {
	if p.hasBlock {
		return true
	}
	b, ok := p.planner.GetCurrentBlock()
	if !ok {
		return false
	}
	p.block = b
	p.hasBlock = true
	p.remainingMM = b.Millimeters
	p.currentSpeedSqr = b.EntrySpeedSqr
	p.fracAccum = [kinematics.NumAxes]float64{}

	if next, ok := p.planner.PeekAt(1); ok {
		p.exitSpeedSqr = next.EntrySpeedSqr
	} else {
		p.exitSpeedSqr = 0
	}
	return true
}

// produceSegmentLocked slices the next segment off the current block and
// publishes it. Returns false when the segment ring is full (caller should
// stop for this tick).
func (p *Preparer) produceSegmentLocked() bool {
	length := SegmentLengthMM
	if p.remainingMM < length {
		length = p.remainingMM
	}

	// Velocity at the segment's far end via v^2 = v0^2 + 2ad; then the
	// segment's mean speed. The block accelerates (or cruises, once clamped
	// at its nominal speed) until the distance left after this segment is
	// no longer enough to slow from the current speed to the exit speed at
	// the block's acceleration; from then on it brakes.
	accel := p.block.Acceleration
	sign := 1.0
	if p.currentSpeedSqr > p.exitSpeedSqr &&
		p.currentSpeedSqr-p.exitSpeedSqr >= 2*accel*(p.remainingMM-length) {
		sign = -1.0
	}
	farSqr := p.currentSpeedSqr + sign*2*accel*length
	if farSqr > p.block.NominalSpeedSqr {
		farSqr = p.block.NominalSpeedSqr
	}
	if farSqr < 0 {
		farSqr = 0
	}
	meanSpeed := (math.Sqrt(p.currentSpeedSqr) + math.Sqrt(farSqr)) / 2

	// Per-axis fractional step accumulation: the whole-step portion goes
	// into the segment, the remainder carries forward, so the segments of
	// a block always sum to exactly the block's step totals. Worked out
	// into a local copy first: this slice's distance isn't committed until
	// the push below actually succeeds, so a declined push must never
	// consume the accumulator, or the identical slice recomputed next
	// tick double-counts its contribution. On the block's last slice the
	// accumulator holds a whole number up to float rounding, so it is
	// rounded rather than floored.
	fracAccum := p.fracAccum
	lastSlice := p.remainingMM-length <= 1e-9
	var segSteps [kinematics.NumAxes]uint32
	for i := 0; i < kinematics.NumAxes; i++ {
		if p.block.Millimeters == 0 {
			continue
		}
		contribution := length * (float64(p.block.Steps[i]) / p.block.Millimeters)
		fracAccum[i] += contribution
		whole := math.Floor(fracAccum[i])
		if lastSlice {
			whole = math.Round(fracAccum[i])
		}
		segSteps[i] = uint32(whole)
		fracAccum[i] -= whole
	}

	// n_step is the dominant count for this segment.
	var nStep uint32
	for _, s := range segSteps {
		if s > nStep {
			nStep = s
		}
	}

	seg := Segment{
		Steps:         segSteps,
		NStep:         nStep,
		DirectionBits: p.block.DirectionBits,
		OwningBlockID: p.block.ID,
	}

	// Bresenham midpoint seed for subordinate axes: starting every error
	// accumulator at n_step/2 means no subordinate axis can outrun the
	// dominant count within the segment.
	if nStep > 0 {
		for i := 0; i < kinematics.NumAxes; i++ {
			seg.BresenhamCounterInit[i] = nStep / 2
		}
	}

	// Pulse period from the mean step rate of the dominant axis.
	if nStep > 0 {
		dominantAxis := dominantAxisOf(segSteps)
		stepsPerMM := p.settings.StepsPerMM(dominantAxis)
		meanStepRate := (meanSpeed / 60.0) * stepsPerMM // mm/min -> steps/sec
		seg.PeriodCounts = p.periodFor(meanStepRate)

		// A full ring declines the push: bail out without touching
		// fracAccum/remainingMM/currentSpeedSqr so the next tick
		// recomputes this exact slice from scratch.
		if !p.segments.Push(seg) {
			return false
		}
	}
	// n_step == 0: no pulse is ever emitted for this slice; still advance
	// progress so the block eventually completes.

	// Commit the accumulator and advance state only once the slice is
	// actually published (or trivially has nothing to publish); release
	// the block once exhausted.
	p.fracAccum = fracAccum
	p.remainingMM -= length
	p.currentSpeedSqr = farSqr
	if p.remainingMM <= 1e-9 {
		p.planner.DiscardCurrentBlock()
		p.hasBlock = false
	}
	return true
}

func (p *Preparer) periodFor(stepRate float64) uint16 {
	floor := uint32(p.settings.PulseWidthCounts()) + periodMarginCounts
	if stepRate <= 0 {
		return clampPeriod(maxPeriodCounts, floor)
	}
	period := uint32(math.Round(float64(p.settings.TimerClockHz()) / stepRate))
	return clampPeriod(period, floor)
}

func clampPeriod(period, floor uint32) uint16 {
	if period < floor {
		period = floor
	}
	if period > maxPeriodCounts {
		period = maxPeriodCounts
	}
	return uint16(period)
}

func dominantAxisOf(steps [kinematics.NumAxes]uint32) kinematics.AxisID {
	var best kinematics.AxisID
	var bestVal uint32
	for _, axis := range kinematics.Axes {
		if steps[axis] > bestVal {
			bestVal = steps[axis]
			best = axis
		}
	}
	return best
}
