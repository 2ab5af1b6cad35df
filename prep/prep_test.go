package prep

import (
	"testing"

	"github.com/google/uuid"
	"go.viam.com/test"

	"cncmotion.dev/core/holdstate"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/planner"
)

func newTestSystem(t *testing.T, segCapacity int) (*planner.Ring, *Preparer) {
	t.Helper()
	var pr *planner.Ring
	store := kinematics.NewStore(kinematics.DefaultValues(), func() bool { return pr.Empty() })
	pr = planner.New(planner.DefaultCapacity, store)
	segs := NewRing(segCapacity)
	return pr, New(pr, segs, store, nil)
}

func drainAll(p *Preparer, segs *Ring) []Segment {
	var out []Segment
	for {
		p.Prep()
		s, ok := segs.Pop()
		if !ok {
			break
		}
		out = append(out, s)
	}
	return out
}

// The sum of per-segment step counts for an axis across a whole block
// equals that block's total step count; the fractional accumulator never
// loses or invents a step.
func TestSegmentStepsSumToBlockSteps(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	ok, err := pr.BufferLine([kinematics.NumAxes]float64{37, 11, 0, 0}, 2000, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
	block, ok := pr.GetCurrentBlock()
	test.That(t, ok, test.ShouldBeTrue)

	segs := p.segments
	var totals [kinematics.NumAxes]uint64
	for {
		p.Prep()
		s, ok := segs.Pop()
		if !ok {
			break
		}
		for i := 0; i < kinematics.NumAxes; i++ {
			totals[i] += uint64(s.Steps[i])
		}
	}

	for i := 0; i < kinematics.NumAxes; i++ {
		test.That(t, totals[i], test.ShouldEqual, block.Steps[i])
	}
}

// Every published segment's period respects the pulse-width floor and the
// 16-bit timer ceiling.
func TestSegmentPeriodRespectsFloor(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	_, err := pr.BufferLine([kinematics.NumAxes]float64{50, 0, 0, 0}, 20000, 0)
	test.That(t, err, test.ShouldBeNil)

	store := p.settings
	floor := store.PulseWidthCounts() + periodMarginCounts
	segs := drainAll(p, p.segments)
	test.That(t, len(segs) > 0, test.ShouldBeTrue)
	for _, s := range segs {
		if s.NStep == 0 {
			continue
		}
		test.That(t, uint32(s.PeriodCounts) >= floor, test.ShouldBeTrue)
		test.That(t, uint32(s.PeriodCounts) <= maxPeriodCounts, test.ShouldBeTrue)
	}
}

// The dominant axis's step count, n_step, is never exceeded by any
// subordinate axis within a segment.
func TestDominantStepCountIsMax(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	_, err := pr.BufferLine([kinematics.NumAxes]float64{30, 17, 4, 0}, 3000, 0)
	test.That(t, err, test.ShouldBeNil)

	segs := drainAll(p, p.segments)
	test.That(t, len(segs) > 0, test.ShouldBeTrue)
	for _, s := range segs {
		for i := 0; i < kinematics.NumAxes; i++ {
			test.That(t, s.Steps[i], test.ShouldBeLessThanOrEqualTo, s.NStep)
		}
	}
}

// A move shorter than one full step on every axis produces no segment
// carrying a nonzero step anywhere, and no spurious pulse is ever emitted.
func TestSubResolutionMoveProducesNoSteps(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	store := p.settings
	tiny := 0.5 / store.StepsPerMM(kinematics.AxisX)
	ok, err := pr.BufferLine([kinematics.NumAxes]float64{tiny, 0, 0, 0}, 1000, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)

	segs := drainAll(p, p.segments)
	for _, s := range segs {
		test.That(t, s.NStep, test.ShouldEqual, 0)
	}

	used, _ := pr.Fill()
	test.That(t, used, test.ShouldEqual, 0)
}

// A run of colinear, same-direction blocks at identical feedrate carries
// the same pulse period across the block boundary: the junction-deviation
// model imposes no speed limit on a colinear corner, so the last segment of
// one block and the first segment of the next run at the same cruise
// period.
func TestColinearRunNoMidTrainPeriodChange(t *testing.T) {
	pr, p := newTestSystem(t, 256)
	_, err := pr.BufferLine([kinematics.NumAxes]float64{300, 0, 0, 0}, 3000, 0)
	test.That(t, err, test.ShouldBeNil)
	_, err = pr.BufferLine([kinematics.NumAxes]float64{600, 0, 0, 0}, 3000, 0)
	test.That(t, err, test.ShouldBeNil)

	segs := drainAll(p, p.segments)
	test.That(t, len(segs) > 4, test.ShouldBeTrue)

	var blockOrder []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, s := range segs {
		if !seen[s.OwningBlockID] {
			seen[s.OwningBlockID] = true
			blockOrder = append(blockOrder, s.OwningBlockID)
		}
	}
	test.That(t, len(blockOrder), test.ShouldEqual, 2)

	var lastOfFirst, firstOfSecond Segment
	haveFirstOfSecond := false
	for _, s := range segs {
		if s.OwningBlockID == blockOrder[0] {
			lastOfFirst = s
		}
		if s.OwningBlockID == blockOrder[1] && !haveFirstOfSecond {
			firstOfSecond = s
			haveFirstOfSecond = true
		}
	}
	test.That(t, haveFirstOfSecond, test.ShouldBeTrue)
	test.That(t, firstOfSecond.PeriodCounts, test.ShouldEqual, lastOfFirst.PeriodCounts)
}

// The preparer discards a block once it has emitted segments covering its
// full length, freeing the planner slot for reuse.
func TestBlockDiscardedAfterFullyPrepared(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	_, err := pr.BufferLine([kinematics.NumAxes]float64{5, 0, 0, 0}, 1000, 0)
	test.That(t, err, test.ShouldBeNil)

	drainAll(p, p.segments)

	used, _ := pr.Fill()
	test.That(t, used, test.ShouldEqual, 0)
}

// A held preparer produces no segments even with a block waiting, and
// leaves the planner block untouched for when it resumes.
func TestPrepProducesNothingWhileHeld(t *testing.T) {
	pr, p := newTestSystem(t, 64)
	hold := &holdstate.Flag{}
	p.hold = hold
	_, err := pr.BufferLine([kinematics.NumAxes]float64{5, 0, 0, 0}, 1000, 0)
	test.That(t, err, test.ShouldBeNil)

	hold.Hold()
	p.Prep()
	segUsed, _ := p.segments.Fill()
	test.That(t, segUsed, test.ShouldEqual, 0)

	hold.Resume()
	segs := drainAll(p, p.segments)
	test.That(t, len(segs) > 0, test.ShouldBeTrue)
}
