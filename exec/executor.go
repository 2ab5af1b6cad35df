package exec

import (
	"fmt"
	"sync"

	"cncmotion.dev/core/holdstate"
	"cncmotion.dev/core/kinematics"
	"cncmotion.dev/core/prep"
	"cncmotion.dev/core/pulsegen"
)

// Underruner lets the executor tell the preparer it hit an empty segment
// ring, so the preparer's diagnostic counter reflects real backpressure
// events.
type Underruner interface {
	NoteUnderrun()
}

// Executor drives pulsegen.Channels from segments pulled off a prep.Ring.
// One Executor instance owns all NumAxes channels.
type Executor struct {
	mu sync.Mutex

	channels [kinematics.NumAxes]pulsegen.Channel
	segments *prep.Ring
	preparer Underruner
	hold     *holdstate.Flag

	state ExecutorState
	axes  [kinematics.NumAxes]AxisExecState

	current     prep.Segment
	haveCurrent bool

	metrics *Metrics
}

// New constructs an Executor. channels must be populated for every axis
// (real hardware or a pulsegen/sim.Channel). hold is the feed-hold flag
// shared with the segment preparer; pass nil if the caller never engages
// feed hold.
func New(channels [kinematics.NumAxes]pulsegen.Channel, segments *prep.Ring, preparer Underruner, hold *holdstate.Flag) *Executor {
	return &Executor{channels: channels, segments: segments, preparer: preparer, hold: hold}
}

// IsBusy reports whether any axis is still delivering pulses for the
// current segment.
func (e *Executor) IsBusy() bool {
	for i := range e.axes {
		if e.axes[i].active.Load() {
			return true
		}
	}
	return false
}

// StartNextSegment pulls the next segment off the ring and arms its
// dominant channel. It is a no-op, returning false, whenever the executor
// is busy, feed-held, or the segment ring has nothing ready; callers are
// expected to call this from a scheduling loop. Feed hold is read from the
// shared holdstate.Flag passed to New, the same flag the segment preparer
// checks, so a hold stops both production and consumption of new work
// without the two packages importing each other.
func (e *Executor) StartNextSegment() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Decline re-entry while a segment is in flight.
	if e.isBusyLocked() {
		return false, nil
	}
	if e.hold.Held() {
		return false, nil
	}

	seg, ok := e.segments.Pop()
	if !ok {
		e.noteUnderrunLocked()
		return false, nil
	}

	return true, e.armSegmentLocked(seg)
}

func (e *Executor) noteUnderrunLocked() {
	if e.preparer != nil {
		e.preparer.NoteUnderrun()
	}
	if e.metrics != nil {
		e.metrics.SegmentUnderruns.Inc()
	}
}

func (e *Executor) isBusyLocked() bool {
	for i := range e.axes {
		if e.axes[i].active.Load() {
			return true
		}
	}
	return false
}

// armSegmentLocked selects the dominant axis, writes every direction line
// before any pulse is armed, seeds the per-axis counters, and starts the
// dominant channel. Caller holds e.mu.
func (e *Executor) armSegmentLocked(seg prep.Segment) error {
	// A zero-step segment is a no-op: nothing to pulse, no hardware to
	// arm, and no pulse may be emitted for it. All axes go idle until the
	// start loop offers the next segment.
	if seg.NStep == 0 {
		for i := range e.axes {
			e.axes[i].active.Store(false)
		}
		e.haveCurrent = false
		e.state.dominantMask.Store(0)
		if e.metrics != nil {
			e.metrics.Busy.Set(0)
		}
		return nil
	}

	dominant := dominantAxis(seg.Steps)

	for i := 0; i < kinematics.NumAxes; i++ {
		axis := kinematics.AxisID(i)
		negative := seg.DirectionBits&(1<<uint(i)) != 0
		e.channels[i].SetDirection(negative)

		e.axes[i].stepsEmittedThisSeg.Store(0)
		e.axes[i].bresenhamCounter.Store(int64(seg.BresenhamCounterInit[i]))
		e.axes[i].blockStepsCommanded.Add(uint64(seg.Steps[i]))
		e.axes[i].active.Store(seg.Steps[i] > 0 || axis == dominant)
	}

	e.current = seg
	e.haveCurrent = true

	if err := e.channels[dominant].Start(seg.PeriodCounts, e.onDominantPulse(dominant)); err != nil {
		return fmt.Errorf("exec: arm dominant axis %s: %w", dominant, err)
	}

	// Publish dominantMask as the last store of the arming sequence: a
	// callback that reads it sees either the old roles, safely winding
	// down, or the new roles with hardware already armed.
	e.state.dominantMask.Store(1 << uint(dominant))
	if e.metrics != nil {
		e.metrics.Busy.Set(1)
	}
	return nil
}

func dominantAxis(steps [kinematics.NumAxes]uint32) kinematics.AxisID {
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

// onDominantPulse returns the pulse callback for `axis` in its dominant
// role: it counts the pulse, runs the Bresenham updates for the subordinate
// axes, and detects segment completion. The callback is bound to the axis
// only, not to one particular arming of it.
func (e *Executor) onDominantPulse(axis kinematics.AxisID) pulsegen.PulseFunc {
	return func(pulseAxis kinematics.AxisID) {
		e.dominantPulse(axis)
	}
}

func (e *Executor) dominantPulse(dominant kinematics.AxisID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveCurrent {
		return
	}
	// A callback from a channel whose role has already been handed off (a
	// pulse dispatched just before the segment transition stopped its
	// generator) sees the new mask and quiesces without touching the new
	// segment's bookkeeping. Its generator is already stopped.
	if !e.state.isDominant(dominant) {
		return
	}
	seg := e.current

	// Advance machine position and this segment's pulse count.
	e.advancePosition(dominant, seg.DirectionBits)
	emitted := e.axes[dominant].stepsEmittedThisSeg.Inc()
	e.axes[dominant].blockStepsExecuted.Inc()

	// Bresenham update for every subordinate axis.
	for i := 0; i < kinematics.NumAxes; i++ {
		axis := kinematics.AxisID(i)
		if axis == dominant || seg.Steps[i] == 0 {
			continue
		}
		counter := e.axes[i].bresenhamCounter.Add(int64(seg.Steps[i]))
		if counter >= int64(seg.NStep) {
			e.axes[i].bresenhamCounter.Sub(int64(seg.NStep))
			e.fireSubordinateLocked(axis, seg.DirectionBits)
		}
	}

	if emitted >= seg.NStep {
		e.completeSegmentLocked(dominant)
	}
}

func (e *Executor) fireSubordinateLocked(axis kinematics.AxisID, directionBits uint8) {
	_ = e.channels[axis].ArmSinglePulse(func(pulseAxis kinematics.AxisID) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.advancePosition(axis, directionBits)
		e.axes[axis].stepsEmittedThisSeg.Inc()
		e.axes[axis].blockStepsExecuted.Inc()
	})
}

func (e *Executor) advancePosition(axis kinematics.AxisID, directionBits uint8) {
	if directionBits&(1<<uint(axis)) != 0 {
		e.state.machinePosition[axis].Sub(1)
	} else {
		e.state.machinePosition[axis].Add(1)
	}
}

// completeSegmentLocked stops the finished dominant generator, frees the
// segment's ring slot, and transitions straight into the next segment if
// one is ready. Caller holds e.mu and is the dominant axis's own pulse
// callback.
func (e *Executor) completeSegmentLocked(finishedDominant kinematics.AxisID) {
	_ = e.channels[finishedDominant].Stop()
	e.axes[finishedDominant].active.Store(false)
	e.haveCurrent = false
	if e.metrics != nil {
		e.metrics.SegmentsCompleted.Inc()
	}

	next, ok := e.segments.Pop()
	if !ok {
		e.state.dominantMask.Store(0)
		for i := range e.axes {
			e.axes[i].active.Store(false)
		}
		e.noteUnderrunLocked()
		if e.metrics != nil {
			e.metrics.Busy.Set(0)
		}
		return
	}

	// The transition region: the new dominant's hardware is fully armed
	// before dominantMask is republished.
	_ = e.armSegmentLocked(next)
}

// StopAll disables every channel and clears the dominant mask. Machine
// position is not reset, and both rings are left alone; callers that want
// those cleared must request a reset explicitly.
func (e *Executor) StopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.channels {
		_ = e.channels[i].Stop()
		e.axes[i].active.Store(false)
	}
	e.state.dominantMask.Store(0)
	e.haveCurrent = false
	if e.metrics != nil {
		e.metrics.Busy.Set(0)
	}
}

// State exposes the read-only executor state for status reporting.
func (e *Executor) State() *ExecutorState {
	return &e.state
}

// StepsAccounting reports the running totals of steps commanded (by every
// segment arming so far) versus steps executed (by the pulse path) for one
// axis. The two converge whenever the executor is idle; a persistent gap
// while idle means pulses were lost.
func (e *Executor) StepsAccounting(axis kinematics.AxisID) (commanded, executed uint64) {
	return e.axes[axis].blockStepsCommanded.Load(), e.axes[axis].blockStepsExecuted.Load()
}
