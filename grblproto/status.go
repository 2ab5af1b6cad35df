// Package grblproto formats GRBL-style status reports and implements the
// $$/$n=val settings surface over the in-memory kinematics store. It never
// reaches into core internals: status input is passed in as a snapshot and
// settings writes route through kinematics.Store.Update.
package grblproto

import (
	"fmt"
	"strings"

	"cncmotion.dev/core/kinematics"
)

// MachineState labels the top-level state reported in a status line.
type MachineState string

const (
	StateIdle  MachineState = "Idle"
	StateRun   MachineState = "Run"
	StateHold  MachineState = "Hold"
	StateAlarm MachineState = "Alarm"
)

// StatusInput is the snapshot of core state a status report is built from;
// it is passed in rather than pulled, so this package never imports exec
// or planner directly.
type StatusInput struct {
	State             MachineState
	MachinePositionMM [kinematics.NumAxes]float64
	PlannerFill       int
	PlannerCapacity   int
	SegmentFill       int
	SegmentCapacity   int
}

// FormatStatus renders one `<...>` status line.
func FormatStatus(in StatusInput) string {
	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(string(in.State))
	b.WriteString("|MPos:")
	for i := 0; i < kinematics.NumAxes; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%.3f", in.MachinePositionMM[i])
	}
	fmt.Fprintf(&b, "|Pl:%d/%d|Sg:%d/%d", in.PlannerFill, in.PlannerCapacity, in.SegmentFill, in.SegmentCapacity)
	b.WriteByte('>')
	return b.String()
}

// settingIndex is the fixed `$n` numbering this protocol exposes, grouped
// the way GRBL's own $100-$132 axis-settings block is laid out.
const (
	settingJunctionDeviation = 11
	settingArcTolerance      = 12
	settingPulseWidthCounts  = 13
	settingTimerClockHz      = 14
	settingStepsPerMMBase    = 100 // +axis
	settingMaxRateBase       = 110 // +axis
	settingMaxAccelBase      = 120 // +axis
)

// FormatSettingsDump renders the full `$$` response, one `$n=val` line per
// setting, in ascending index order.
func FormatSettingsDump(v kinematics.Values) []string {
	lines := []string{
		fmt.Sprintf("$%d=%g", settingJunctionDeviation, v.JunctionDeviationMM),
		fmt.Sprintf("$%d=%g", settingArcTolerance, v.ArcToleranceMM),
		fmt.Sprintf("$%d=%d", settingPulseWidthCounts, v.PulseWidthCounts),
		fmt.Sprintf("$%d=%d", settingTimerClockHz, v.TimerClockHz),
	}
	for i := 0; i < kinematics.NumAxes; i++ {
		lines = append(lines, fmt.Sprintf("$%d=%g", settingStepsPerMMBase+i, v.Axis[i].StepsPerMM))
	}
	for i := 0; i < kinematics.NumAxes; i++ {
		lines = append(lines, fmt.Sprintf("$%d=%g", settingMaxRateBase+i, v.Axis[i].MaxRateMMPerMin))
	}
	for i := 0; i < kinematics.NumAxes; i++ {
		lines = append(lines, fmt.Sprintf("$%d=%g", settingMaxAccelBase+i, v.Axis[i].MaxAccelMMPerS2))
	}
	return lines
}

// ApplySetting mutates v in place per a parsed $n=val command, refusing
// unknown indices. Callers are expected to route the actual store write
// through kinematics.Store.Update so the "ring must be empty" rule is
// enforced in exactly one place.
func ApplySetting(v *kinematics.Values, index int, value float64) error {
	switch {
	case index == settingJunctionDeviation:
		v.JunctionDeviationMM = value
	case index == settingArcTolerance:
		v.ArcToleranceMM = value
	case index == settingPulseWidthCounts:
		v.PulseWidthCounts = uint32(value)
	case index == settingTimerClockHz:
		v.TimerClockHz = uint32(value)
	case index >= settingStepsPerMMBase && index < settingStepsPerMMBase+kinematics.NumAxes:
		v.Axis[index-settingStepsPerMMBase].StepsPerMM = value
	case index >= settingMaxRateBase && index < settingMaxRateBase+kinematics.NumAxes:
		v.Axis[index-settingMaxRateBase].MaxRateMMPerMin = value
	case index >= settingMaxAccelBase && index < settingMaxAccelBase+kinematics.NumAxes:
		v.Axis[index-settingMaxAccelBase].MaxAccelMMPerS2 = value
	default:
		return fmt.Errorf("grblproto: unknown setting index $%d", index)
	}
	return nil
}
