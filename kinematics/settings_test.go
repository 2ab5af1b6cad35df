package kinematics

import (
	"testing"

	"go.viam.com/test"

	"cncmotion.dev/core/config"
)

func TestMMToStepsRoundTrip(t *testing.T) {
	store := NewStore(DefaultValues(), func() bool { return true })
	for _, mm := range []float64{0, 1, 10, 12.345, 0.0125, 999.99} {
		steps := store.MMToSteps(AxisX, mm)
		back := store.StepsToMM(AxisX, steps)
		// left-inverse within one step of quantization.
		diff := back - mm
		if diff < 0 {
			diff = -diff
		}
		test.That(t, diff, test.ShouldBeLessThan, 1/store.StepsPerMM(AxisX)+1e-9)
	}
}

func TestUpdateRefusedWhenRingNotEmpty(t *testing.T) {
	store := NewStore(DefaultValues(), func() bool { return false })
	err := store.Update(func(v *Values) { v.JunctionDeviationMM = 0.5 })
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, store.JunctionDeviation(), test.ShouldEqual, DefaultValues().JunctionDeviationMM)
}

func TestUpdateAppliedWhenRingEmpty(t *testing.T) {
	store := NewStore(DefaultValues(), func() bool { return true })
	err := store.Update(func(v *Values) { v.JunctionDeviationMM = 0.5 })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, store.JunctionDeviation(), test.ShouldEqual, 0.5)
}

func TestUpdateRejectsNonPositiveAxisLimits(t *testing.T) {
	store := NewStore(DefaultValues(), func() bool { return true })
	err := store.Update(func(v *Values) { v.Axis[AxisY].MaxAccelMMPerS2 = 0 })
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, store.MaxAccel(AxisY), test.ShouldEqual, DefaultValues().Axis[AxisY].MaxAccelMMPerS2)
}

func TestAxisTieBreakOrder(t *testing.T) {
	test.That(t, Axes, test.ShouldResemble, [NumAxes]AxisID{AxisX, AxisY, AxisZ, AxisA})
	test.That(t, AxisX < AxisY, test.ShouldBeTrue)
	test.That(t, AxisY < AxisZ, test.ShouldBeTrue)
	test.That(t, AxisZ < AxisA, test.ShouldBeTrue)
}

func TestValuesFromAttributesOverridesOnlyGivenKeys(t *testing.T) {
	attrs := config.AttributeMap{
		"junction_deviation_mm": 0.02,
		"x_steps_per_mm":        160.0,
	}
	v, err := ValuesFromAttributes(attrs, "test")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v.JunctionDeviationMM, test.ShouldEqual, 0.02)
	test.That(t, v.Axis[AxisX].StepsPerMM, test.ShouldEqual, 160.0)
	test.That(t, v.Axis[AxisY].StepsPerMM, test.ShouldEqual, DefaultValues().Axis[AxisY].StepsPerMM)
}

func TestValuesFromAttributesRequiresSoftLimitsWhenEnabled(t *testing.T) {
	attrs := config.AttributeMap{"soft_limits_enabled": true}
	_, err := ValuesFromAttributes(attrs, "test")
	test.That(t, err, test.ShouldNotBeNil)
}
