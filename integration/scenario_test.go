// Package integration exercises the full planner -> segment preparer ->
// pulse executor pipeline end to end, driven through the gcode parser, the
// way a real host session streams lines at the daemon.
package integration

import (
	"testing"
	"time"

	"go.viam.com/test"

	"cncmotion.dev/core/arcgen"
	"cncmotion.dev/core/exec"
	"cncmotion.dev/core/gcode"
	"cncmotion.dev/core/holdstate"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/planner"
	"cncmotion.dev/core/prep"
	"cncmotion.dev/core/pulsegen"
	"cncmotion.dev/core/pulsegen/sim"
)

// rig bundles one complete wired-up core for a test, following the
// forward-reference construction pattern used by every package's own test
// helpers and by cmd/cncd's production wiring.
type rig struct {
	settings *kinematics.Store
	pr       *planner.Ring
	preparer *prep.Preparer
	segs     *prep.Ring
	executor *exec.Executor
	parser   *gcode.Parser
	hold     *holdstate.Flag
}

func newRig(t *testing.T) *rig {
	t.Helper()
	var pr *planner.Ring
	settings := kinematics.NewStore(kinematics.DefaultValues(), func() bool { return pr.Empty() })
	pr = planner.New(planner.DefaultCapacity, settings)

	segs := prep.NewRing(prep.DefaultCapacity)
	hold := &holdstate.Flag{}
	preparer := prep.New(pr, segs, settings, hold)

	var channels [kinematics.NumAxes]pulsegen.Channel
	for i := range channels {
		channels[i] = sim.New(kinematics.AxisID(i))
	}
	executor := exec.New(channels, segs, preparer, hold)

	return &rig{
		settings: settings,
		pr:       pr,
		preparer: preparer,
		segs:     segs,
		executor: executor,
		parser:   gcode.New(),
		hold:     hold,
	}
}

// runToIdle pumps preparer ticks and segment starts until the planner ring,
// segment ring, and executor have all drained, the way cmd/cncd's three
// background ticks would over time.
func (r *rig) runToIdle(t *testing.T, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.preparer.Prep()
		for !r.executor.IsBusy() {
			started, err := r.executor.StartNextSegment()
			test.That(t, err, test.ShouldBeNil)
			if !started {
				break
			}
		}
		used, _ := r.pr.Fill()
		segUsed, _ := r.segs.Fill()
		if used == 0 && segUsed == 0 && !r.executor.IsBusy() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("rig did not reach idle within %s", timeout)
}

func (r *rig) pos(axis kinematics.AxisID) int64 {
	return r.executor.State().MachinePositionSteps(axis)
}

// A unit X move ends at the expected step count with the other three axes
// still at zero.
func TestUnitXMove(t *testing.T) {
	r := newRig(t)
	move, setting, err := r.parser.Parse("G91")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, move, test.ShouldBeNil)
	test.That(t, setting, test.ShouldBeNil)

	move, setting, err = r.parser.Parse("G1 X10 F1000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, setting, test.ShouldBeNil)
	test.That(t, move, test.ShouldNotBeNil)

	accepted, err := r.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeTrue)

	r.runToIdle(t, 5*time.Second)

	test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, int64(800))
	test.That(t, r.pos(kinematics.AxisY), test.ShouldEqual, int64(0))
	test.That(t, r.pos(kinematics.AxisZ), test.ShouldEqual, int64(0))
	test.That(t, r.pos(kinematics.AxisA), test.ShouldEqual, int64(0))
}

// A diagonal move keeps X and Y within one step of each other throughout,
// ending with both at the same step count.
func TestDiagonalMoveStaysBalanced(t *testing.T) {
	r := newRig(t)
	_, _, err := r.parser.Parse("G91")
	test.That(t, err, test.ShouldBeNil)
	move, _, err := r.parser.Parse("G1 X10 Y10 F1000")
	test.That(t, err, test.ShouldBeNil)

	accepted, err := r.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeTrue)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.preparer.Prep()
		for !r.executor.IsBusy() {
			started, err := r.executor.StartNextSegment()
			test.That(t, err, test.ShouldBeNil)
			if !started {
				break
			}
		}
		diff := r.pos(kinematics.AxisX) - r.pos(kinematics.AxisY)
		if diff < 0 {
			diff = -diff
		}
		test.That(t, diff <= 1, test.ShouldBeTrue)

		used, _ := r.pr.Fill()
		segUsed, _ := r.segs.Fill()
		if used == 0 && segUsed == 0 && !r.executor.IsBusy() {
			break
		}
		time.Sleep(time.Millisecond)
	}

	test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, int64(800))
	test.That(t, r.pos(kinematics.AxisY), test.ShouldEqual, int64(800))
}

// A right-angle corner, with both legs buffered before execution starts,
// runs both legs through the pipeline and ends at the corner's far end on
// both axes.
func TestRightAngleCornerNoStop(t *testing.T) {
	r := newRig(t)
	_, _, err := r.parser.Parse("G91")
	test.That(t, err, test.ShouldBeNil)

	move1, _, err := r.parser.Parse("G1 X10 F1000")
	test.That(t, err, test.ShouldBeNil)
	accepted, err := r.pr.BufferLine(move1.TargetMM, move1.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeTrue)

	move2, _, err := r.parser.Parse("G1 Y10 F1000")
	test.That(t, err, test.ShouldBeNil)
	accepted, err = r.pr.BufferLine(move2.TargetMM, move2.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, accepted, test.ShouldBeTrue)

	r.runToIdle(t, 5*time.Second)

	test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, int64(800))
	test.That(t, r.pos(kinematics.AxisY), test.ShouldEqual, int64(800))
}

// A quarter-circle arc drives the arc generator's chords through the
// planner/preparer/executor pipeline and lands within a step of the
// expected endpoint.
func TestQuarterCircleArcReachesEndpoint(t *testing.T) {
	r := newRig(t)
	move, _, err := r.parser.Parse("G2 X10 Y10 I10 J0 F1000")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, move, test.ShouldNotBeNil)
	test.That(t, move.HasCenter, test.ShouldBeTrue)

	center := move.StartMM
	center[move.PlaneAxis0] += move.CenterMM[0]
	center[move.PlaneAxis1] += move.CenterMM[1]

	gen, err := arcgen.New(arcgen.Request{
		Start:            move.StartMM,
		End:              move.TargetMM,
		Center:           center,
		PlaneAxis0:       move.PlaneAxis0,
		PlaneAxis1:       move.PlaneAxis1,
		Direction:        arcgen.Clockwise,
		LinearTargetMM:   move.TargetMM,
		FeedrateMMPerMin: move.FeedrateMMPerMin,
	}, r.pr, r.settings)
	test.That(t, err, test.ShouldBeNil)

	deadline := time.Now().Add(10 * time.Second)
	for !gen.Done() && time.Now().Before(deadline) {
		test.That(t, gen.Tick(), test.ShouldBeNil)
		r.preparer.Prep()
		for !r.executor.IsBusy() {
			started, err := r.executor.StartNextSegment()
			test.That(t, err, test.ShouldBeNil)
			if !started {
				break
			}
		}
		time.Sleep(time.Millisecond)
	}
	test.That(t, gen.Done(), test.ShouldBeTrue)

	r.runToIdle(t, 5*time.Second)

	xDiff := r.pos(kinematics.AxisX) - 800
	yDiff := r.pos(kinematics.AxisY) - 800
	if xDiff < 0 {
		xDiff = -xDiff
	}
	if yDiff < 0 {
		yDiff = -yDiff
	}
	test.That(t, xDiff <= 1, test.ShouldBeTrue)
	test.That(t, yDiff <= 1, test.ShouldBeTrue)
}

// Filling the planner ring to capacity refuses further moves, and once
// the executor drains blocks the retried moves are accepted in order.
func TestPlannerBackpressureThenDrain(t *testing.T) {
	r := newRig(t)
	_, _, err := r.parser.Parse("G91")
	test.That(t, err, test.ShouldBeNil)

	capacity := r.pr.Capacity()
	accepted := 0
	for i := 0; i < capacity+3; i++ {
		move, _, err := r.parser.Parse("G1 X1 F500")
		test.That(t, err, test.ShouldBeNil)
		ok, err := r.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, 0)
		test.That(t, err, test.ShouldBeNil)
		if ok {
			accepted++
		}
	}
	test.That(t, accepted, test.ShouldEqual, capacity)

	r.runToIdle(t, 10*time.Second)

	move, _, err := r.parser.Parse("G1 X1 F500")
	test.That(t, err, test.ShouldBeNil)
	ok, err := r.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)
}

// A soft reset mid-motion stops every channel, empties both rings, and
// freezes machine_position at its value at cancellation; the next
// buffer_line operates against that frozen position.
func TestSoftResetMidMotionFreezesPosition(t *testing.T) {
	r := newRig(t)
	_, _, err := r.parser.Parse("G91")
	test.That(t, err, test.ShouldBeNil)
	move, _, err := r.parser.Parse("G1 X1000 F500")
	test.That(t, err, test.ShouldBeNil)

	ok, err := r.pr.BufferLine(move.TargetMM, move.FeedrateMMPerMin, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)

	for i := 0; i < 10; i++ {
		r.preparer.Prep()
		if !r.executor.IsBusy() {
			started, err := r.executor.StartNextSegment()
			test.That(t, err, test.ShouldBeNil)
			_ = started
		}
		time.Sleep(2 * time.Millisecond)
	}
	test.That(t, r.executor.IsBusy(), test.ShouldBeTrue)

	r.executor.StopAll()
	frozen := r.pos(kinematics.AxisX)
	r.pr.Reset([kinematics.NumAxes]int64{frozen, 0, 0, 0})
	r.preparer.Reset()

	for i := 0; i < 5; i++ {
		time.Sleep(5 * time.Millisecond)
		test.That(t, r.executor.IsBusy(), test.ShouldBeFalse)
		test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, frozen)
	}

	used, _ := r.pr.Fill()
	test.That(t, used, test.ShouldEqual, 0)
	segUsed, _ := r.segs.Fill()
	test.That(t, segUsed, test.ShouldEqual, 0)

	// The next buffer_line operates against the frozen position: a further
	// 1mm relative move lands exactly one step-per-mm past it, not past
	// wherever the in-flight move would have ended up.
	nextTargetMM := r.settings.StepsToMM(kinematics.AxisX, frozen) + 1
	ok, err = r.pr.BufferLine([kinematics.NumAxes]float64{nextTargetMM, 0, 0, 0}, 500, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)

	r.runToIdle(t, 5*time.Second)
	test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, frozen+80)
}

// While held, neither the preparer nor the executor's start path produce
// or consume new work; cycle start releases both.
func TestFeedHoldStopsProductionAndConsumption(t *testing.T) {
	r := newRig(t)
	ok, err := r.pr.BufferLine([kinematics.NumAxes]float64{10, 0, 0, 0}, 500, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ok, test.ShouldBeTrue)

	r.hold.Hold()

	r.preparer.Prep()
	segUsed, _ := r.segs.Fill()
	test.That(t, segUsed, test.ShouldEqual, 0)

	started, err := r.executor.StartNextSegment()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, started, test.ShouldBeFalse)

	plannerUsed, _ := r.pr.Fill()
	test.That(t, plannerUsed, test.ShouldEqual, 1)

	r.hold.Resume()
	r.runToIdle(t, 5*time.Second)
	test.That(t, r.pos(kinematics.AxisX), test.ShouldEqual, int64(800))
}
