package timing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_InitialEstimate(t *testing.T) {
	f := NewFilter(25.0, 1.0, 0.01, 0.25)

	assert.Equal(t, 25.0, f.Estimate())
	assert.Equal(t, 1.0, f.Variance())
}

func TestFilter_UpdateMovesTowardMeasurement(t *testing.T) {
	f := NewFilter(30.0, 1.0, 0.01, 0.25)

	got := f.Update(40.0)

	assert.Greater(t, got, 30.0, "estimate should move toward the measurement")
	assert.Less(t, got, 40.0, "estimate should not overshoot the measurement")
	assert.Equal(t, got, f.Estimate(), "Update should return the stored estimate")
}

func TestFilter_ConvergesToTrueValue(t *testing.T) {
	f := NewFilter(10.0, 1.0, 0.01, 0.25)

	for i := 0; i < 20; i++ {
		f.Update(50.0)
	}

	assert.InDelta(t, 50.0, f.Estimate(), 0.5, "20 consistent observations should converge")
}

func TestFilter_SmoothsNoisyMeasurements(t *testing.T) {
	f := NewFilter(30.0, 1.0, 0.01, 0.25)
	measurements := []float64{30, 35, 25, 32, 28, 31, 33, 29, 30, 31}

	lo, hi := f.Estimate(), f.Estimate()
	for _, m := range measurements {
		got := f.Update(m)
		if got < lo {
			lo = got
		}
		if got > hi {
			hi = got
		}
	}

	assert.Less(t, hi-lo, 35.0-25.0, "estimate range should be narrower than the measurement range")
}

func TestFilter_VarianceShrinksWithObservations(t *testing.T) {
	f := NewFilter(5.0, 1.0, 0.0001, 0.25)

	prev := f.Variance()
	for i := 0; i < 10; i++ {
		f.Update(5.0)
		assert.Less(t, f.Variance(), prev, "variance should shrink on update %d", i)
		assert.GreaterOrEqual(t, f.Variance(), varianceFloor)
		prev = f.Variance()
	}
}

func TestFilter_VarianceFloorPreventsDegeneracy(t *testing.T) {
	f := NewFilter(5.0, 1e-12, 1e-12, 1e-12)

	for i := 0; i < 1000; i++ {
		f.Update(5.0)
	}

	assert.GreaterOrEqual(t, f.Variance(), varianceFloor)
	assert.False(t, math.IsNaN(f.Estimate()), "estimate must never become NaN")
}

func TestFilter_WidenedUpdateDampensOutlier(t *testing.T) {
	normal := NewFilter(5.0, 0.1, 0.01, 0.25)
	widened := NewFilter(5.0, 0.1, 0.01, 0.25)

	normal.Update(50.0)
	widened.UpdateWidened(50.0, 10.0)

	assert.Greater(t, widened.Estimate(), 5.0, "widened update should still move the estimate")
	assert.Less(t, widened.Estimate()-5.0, normal.Estimate()-5.0,
		"widened noise should dampen the outlier's pull")
}
