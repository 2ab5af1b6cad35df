package kinematics

import (
	"fmt"
	"sync"
)

// AxisValues holds the per-axis kinematic limits.
type AxisValues struct {
	StepsPerMM      float64
	MaxRateMMPerMin float64
	MaxAccelMMPerS2 float64
}

// Values is the full, process-wide settings snapshot. It is copied in and
// out of the Store rather than mutated in place so a settings read never
// observes a partial write.
type Values struct {
	Axis [NumAxes]AxisValues

	JunctionDeviationMM float64
	ArcToleranceMM      float64
	PulseWidthCounts    uint32
	TimerClockHz        uint32

	// SoftLimitsEnabled opts in to the planner's target-range check on
	// BufferLine; off by default.
	SoftLimitsEnabled bool
	SoftLimitMinMM    [NumAxes]float64
	SoftLimitMaxMM    [NumAxes]float64
}

// DefaultValues returns the compile-time defaults in effect before any
// settings file or $-command has run.
func DefaultValues() Values {
	v := Values{
		JunctionDeviationMM: 0.01,
		ArcToleranceMM:      0.002,
		PulseWidthCounts:    40,
		TimerClockHz:        1_562_500,
	}
	for i := range v.Axis {
		v.Axis[i] = AxisValues{
			StepsPerMM:      80,
			MaxRateMMPerMin: 5000,
			MaxAccelMMPerS2: 500,
		}
	}
	return v
}

// RingEmptyChecker reports whether the planner ring is currently empty; the
// Store asks it before accepting a settings mutation, since a live write
// underneath an in-flight block would desynchronize mid-flight geometry
// from the settings that produced it. It's injected rather than imported to
// avoid a kinematics<->planner import cycle.
type RingEmptyChecker func() bool

// Store is the read-mostly settings owner. All mm<->steps conversions route
// through it; no caller may cache a computed steps-per-mm.
type Store struct {
	mu        sync.RWMutex
	values    Values
	ringEmpty RingEmptyChecker
}

// NewStore constructs a Store already armed with its planner-ring-empty
// check. Tests that don't care about the write-discipline may pass a
// checker that always returns true.
func NewStore(initial Values, ringEmpty RingEmptyChecker) *Store {
	return &Store{values: initial, ringEmpty: ringEmpty}
}

func (s *Store) snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// MMToSteps performs the truncating mm->steps conversion.
func (s *Store) MMToSteps(axis AxisID, mm float64) int64 {
	spm := s.snapshot().Axis[axis].StepsPerMM
	return int64(mm * spm)
}

// StepsToMM is the exact inverse of MMToSteps.
func (s *Store) StepsToMM(axis AxisID, steps int64) float64 {
	spm := s.snapshot().Axis[axis].StepsPerMM
	return float64(steps) / spm
}

func (s *Store) StepsPerMM(axis AxisID) float64 {
	return s.snapshot().Axis[axis].StepsPerMM
}

func (s *Store) MaxRate(axis AxisID) float64 {
	return s.snapshot().Axis[axis].MaxRateMMPerMin
}

func (s *Store) MaxAccel(axis AxisID) float64 {
	return s.snapshot().Axis[axis].MaxAccelMMPerS2
}

func (s *Store) JunctionDeviation() float64 {
	return s.snapshot().JunctionDeviationMM
}

func (s *Store) ArcTolerance() float64 {
	return s.snapshot().ArcToleranceMM
}

func (s *Store) PulseWidthCounts() uint32 {
	return s.snapshot().PulseWidthCounts
}

func (s *Store) TimerClockHz() uint32 {
	return s.snapshot().TimerClockHz
}

func (s *Store) SoftLimits() (enabled bool, min, max [NumAxes]float64) {
	v := s.snapshot()
	return v.SoftLimitsEnabled, v.SoftLimitMinMM, v.SoftLimitMaxMM
}

// Snapshot returns a copy of the full settings, for status reports and the
// $$ settings dump.
func (s *Store) Snapshot() Values {
	return s.snapshot()
}

// Update applies mutator to a copy of the current values and commits it,
// refusing when the planner ring is non-empty: a settings write under
// buffered motion would leave already-planned blocks computed against
// stale conversions. Values that would break planning downstream (a
// non-positive steps/mm, rate, or acceleration) are rejected here, at
// write time, so the planner never has to defend against them.
func (s *Store) Update(mutator func(*Values)) error {
	if s.ringEmpty != nil && !s.ringEmpty() {
		return fmt.Errorf("settings: cannot mutate while planner ring is non-empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.values
	mutator(&v)
	if err := v.validate(); err != nil {
		return err
	}
	s.values = v
	return nil
}

func (v *Values) validate() error {
	for i := range v.Axis {
		a := v.Axis[i]
		if a.StepsPerMM <= 0 || a.MaxRateMMPerMin <= 0 || a.MaxAccelMMPerS2 <= 0 {
			return fmt.Errorf("settings: axis %s needs positive steps/mm, max rate, and max accel", AxisID(i))
		}
	}
	if v.TimerClockHz == 0 {
		return fmt.Errorf("settings: timer clock must be nonzero")
	}
	return nil
}
