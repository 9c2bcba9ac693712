package timing

import "math"

// varianceFloor keeps the filter away from degenerate divisions once many
// consistent observations have shrunk the variance.
const varianceFloor = 1e-9

// Filter is a one-dimensional Kalman filter over pipeline latency.
// The state is the estimated mean cycle duration in seconds and its variance.
// The model is a random walk: prediction leaves the mean unchanged and adds
// process noise to the variance, correction pulls the mean toward the
// measurement weighted by the Kalman gain.
type Filter struct {
	estimate float64 // mean duration, seconds
	variance float64

	processNoise     float64 // Q: how much the true latency may drift per cycle
	observationNoise float64 // R: expected measurement noise
}

// NewFilter initializes a filter with a prior estimate and variance.
// Parameter validation happens at the Controller level; the filter itself
// only guards against degenerate arithmetic.
func NewFilter(initialEstimate, initialVariance, processNoise, observationNoise float64) *Filter {
	return &Filter{
		estimate:         initialEstimate,
		variance:         math.Max(initialVariance, varianceFloor),
		processNoise:     processNoise,
		observationNoise: observationNoise,
	}
}

// Update incorporates one latency measurement and returns the new estimate.
func (f *Filter) Update(measurement float64) float64 {
	return f.update(measurement, f.observationNoise)
}

// UpdateWidened incorporates a measurement flagged as an outlier. The
// observation noise is multiplied by factor for this single update, so the
// measurement still moves the estimate but with much less weight.
func (f *Filter) UpdateWidened(measurement, factor float64) float64 {
	return f.update(measurement, f.observationNoise*factor)
}

func (f *Filter) update(measurement, noise float64) float64 {
	// Predict: variance grows, mean is unchanged.
	predicted := f.variance + f.processNoise

	// Correct: gain = P / (P + R).
	denom := predicted + noise
	if denom < varianceFloor {
		denom = varianceFloor
	}
	gain := predicted / denom

	f.estimate += gain * (measurement - f.estimate)
	f.variance = (1 - gain) * predicted
	if f.variance < varianceFloor {
		f.variance = varianceFloor
	}

	return f.estimate
}

// Estimate returns the current mean duration estimate in seconds.
func (f *Filter) Estimate() float64 {
	return f.estimate
}

// Variance returns the current estimate variance.
func (f *Filter) Variance() float64 {
	return f.variance
}

// InnovationSigma is the standard deviation of the next expected residual,
// sqrt(P + Q + R). Residuals far outside this band mark an observation as
// an outlier.
func (f *Filter) InnovationSigma() float64 {
	return math.Sqrt(f.variance + f.processNoise + f.observationNoise)
}
