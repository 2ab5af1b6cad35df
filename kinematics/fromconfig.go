package kinematics

import "cncmotion.dev/core/config"

// axisConfigPrefix names the per-axis keys in an attribute map, e.g.
// "x_steps_per_mm", matching kinematics.Axes order.
var axisConfigPrefix = [NumAxes]string{"x", "y", "z", "a"}

// ValuesFromAttributes resolves a loosely typed configuration map (as
// loaded from a settings file) into a Values struct, starting from
// DefaultValues() and overriding only the keys present in a. Required
// fields use config.RequireFloat64 for a descriptive error, optional ones
// fall back to the default silently.
func ValuesFromAttributes(a config.AttributeMap, owner string) (Values, error) {
	v := DefaultValues()

	if f, ok := a.Float64("junction_deviation_mm"); ok {
		v.JunctionDeviationMM = f
	}
	if f, ok := a.Float64("arc_tolerance_mm"); ok {
		v.ArcToleranceMM = f
	}
	if n, ok := a.Int("pulse_width_counts"); ok {
		v.PulseWidthCounts = uint32(n)
	}
	if n, ok := a.Int("timer_clock_hz"); ok {
		v.TimerClockHz = uint32(n)
	}

	for i := 0; i < NumAxes; i++ {
		prefix := axisConfigPrefix[i]
		if f, ok := a.Float64(prefix + "_steps_per_mm"); ok {
			v.Axis[i].StepsPerMM = f
		}
		if f, ok := a.Float64(prefix + "_max_rate_mm_per_min"); ok {
			v.Axis[i].MaxRateMMPerMin = f
		}
		if f, ok := a.Float64(prefix + "_max_accel_mm_per_s2"); ok {
			v.Axis[i].MaxAccelMMPerS2 = f
		}
	}

	if enabled, ok := a.Bool("soft_limits_enabled"); ok && enabled {
		v.SoftLimitsEnabled = true
		for i := 0; i < NumAxes; i++ {
			prefix := axisConfigPrefix[i]
			min, err := config.RequireFloat64(a, owner, prefix+"_soft_limit_min_mm")
			if err != nil {
				return Values{}, err
			}
			max, err := config.RequireFloat64(a, owner, prefix+"_soft_limit_max_mm")
			if err != nil {
				return Values{}, err
			}
			v.SoftLimitMinMM[i] = min
			v.SoftLimitMaxMM[i] = max
		}
	}

	return v, nil
}
