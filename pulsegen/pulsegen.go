// Package pulsegen is the hardware trait the executor drives: a dominant
// timer channel per axis plus a direction line, abstracted so the same
// executor logic runs against the simulator in pulsegen/sim or real silicon
// in pulsegen/gpio.
package pulsegen

import "cncmotion.dev/core/kinematics"

// PulseFunc is invoked once per emitted step pulse, edge-triggered, always
// from a goroutine distinct from whichever one called Start/ArmSinglePulse,
// so a caller holding its own lock while arming a channel can never
// deadlock against its own callback. Implementations must not block for
// longer than a pulse period permits.
type PulseFunc func(axis kinematics.AxisID)

// Channel is one axis's pulse-generation hardware: a timer capable of
// emitting step pulses at a programmable period, or firing a single pulse
// on demand, plus the direction output it shares the motor driver with.
type Channel interface {
	// SetDirection sets the direction line ahead of the next pulse.
	SetDirection(negative bool)

	// Start begins free-running pulse generation at the given timer period,
	// in counts of TimerClockHz, invoking onPulse on every emitted edge.
	// Only the dominant axis of a segment runs free-running.
	Start(periodCounts uint16, onPulse PulseFunc) error

	// SetPeriod reprograms the period of an already-running channel without
	// stopping it, used when a segment boundary changes speed but not
	// direction.
	SetPeriod(periodCounts uint16) error

	// ArmSinglePulse fires exactly one pulse at the channel's last
	// programmed period and then goes idle; used to drive a subordinate
	// axis's Bresenham-timed step.
	ArmSinglePulse(onPulse PulseFunc) error

	// Stop halts pulse generation immediately.
	Stop() error
}
