// Package timing decides when the next display refresh should start so that
// updates land on regular wall-clock boundaries despite variable pipeline
// latency. A scalar Kalman filter tracks how long one render+transfer cycle
// takes; the controller backs the cycle start off by that estimate.
package timing

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	// DefaultOutlierFactor widens the observation noise for a single update
	// when a measurement falls outside the sanity range.
	DefaultOutlierFactor = 10.0

	// DefaultMaxElapsedFactor is the sanity ceiling on observed latency, in
	// multiples of the refresh interval.
	DefaultMaxElapsedFactor = 4.0
)

var validate = validator.New()

// ConfigError reports an invalid controller configuration. It is returned
// only at construction; the owning process is expected to treat it as fatal.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return "invalid timing configuration: " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config holds the controller's construction parameters. All values are
// validated once, at construction; steady-state operations never re-validate.
type Config struct {
	// Interval is the desired refresh period.
	Interval time.Duration `validate:"gt=0"`

	// TargetSecond shifts the wall-clock boundaries so that updates land at
	// this second within the interval (0 aligns to :00, matching how a
	// glanceable display is expected to tick over).
	TargetSecond int `validate:"gte=0,lt=60"`

	// InitialEstimate is the prior mean for pipeline latency.
	InitialEstimate time.Duration `validate:"gt=0"`

	// InitialVariance is the prior uncertainty, in seconds squared.
	InitialVariance float64 `validate:"gt=0"`

	// ProcessNoise models how much the true latency may drift per cycle.
	ProcessNoise float64 `validate:"gt=0"`

	// ObservationNoise is the expected measurement noise per observation.
	ObservationNoise float64 `validate:"gt=0"`

	// OutlierFactor multiplies ObservationNoise for outlier updates.
	// Defaults to DefaultOutlierFactor when zero.
	OutlierFactor float64 `validate:"gte=1"`

	// MaxElapsedFactor caps believable latency at this many intervals.
	// Defaults to DefaultMaxElapsedFactor when zero.
	MaxElapsedFactor float64 `validate:"gte=1"`
}

// Observation is one completed cycle's measurement, consumed exactly once.
type Observation struct {
	// Elapsed is the wall-clock time the render+transfer took.
	Elapsed time.Duration

	// ScheduledAt is the boundary this cycle aimed to land on.
	ScheduledAt time.Time

	// CompletedAt is when the display update actually finished.
	CompletedAt time.Time
}

// Decision is the controller's output for one cycle.
type Decision struct {
	// Sleep is how long to wait before starting the next cycle. Never
	// negative.
	Sleep time.Duration

	// TargetBoundary is the wall-clock instant the next update should land
	// on.
	TargetBoundary time.Time

	// BoundaryDeviation is how far the most recent update landed from its
	// boundary. Positive means late. Diagnostic only.
	BoundaryDeviation time.Duration
}

// Controller owns the latency estimate and produces one Decision per cycle.
// It performs no I/O and holds no reference to the wall clock; callers pass
// `now` in. Not safe for concurrent use: RecordObservation and NextSchedule
// must be called alternately by a single driver loop.
type Controller struct {
	cfg           Config
	filter        *Filter
	lastDeviation time.Duration
}

// NewController validates cfg and returns a ready controller. A ConfigError
// means the configuration is unusable and the process should not start.
func NewController(cfg Config) (*Controller, error) {
	if cfg.OutlierFactor == 0 {
		cfg.OutlierFactor = DefaultOutlierFactor
	}
	if cfg.MaxElapsedFactor == 0 {
		cfg.MaxElapsedFactor = DefaultMaxElapsedFactor
	}

	// validator catches NaN via the ordered comparisons, but +Inf passes
	// them, so finiteness is checked explicitly.
	for name, v := range map[string]float64{
		"InitialVariance":  cfg.InitialVariance,
		"ProcessNoise":     cfg.ProcessNoise,
		"ObservationNoise": cfg.ObservationNoise,
		"OutlierFactor":    cfg.OutlierFactor,
		"MaxElapsedFactor": cfg.MaxElapsedFactor,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, &ConfigError{Err: fmt.Errorf("%s must be finite, got %v", name, v)}
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{Err: err}
	}

	return &Controller{
		cfg: cfg,
		filter: NewFilter(
			cfg.InitialEstimate.Seconds(),
			cfg.InitialVariance,
			cfg.ProcessNoise,
			cfg.ObservationNoise,
		),
	}, nil
}

// RecordObservation feeds one completed cycle into the latency estimate.
// Out-of-range measurements are clamped and incorporated with widened
// observation noise rather than rejected, so the estimate cannot go stale.
// Never fails.
func (c *Controller) RecordObservation(obs Observation) {
	elapsed := obs.Elapsed.Seconds()
	ceiling := c.cfg.MaxElapsedFactor * c.cfg.Interval.Seconds()

	outlier := false
	switch {
	case elapsed <= 0:
		elapsed = 0
		outlier = true
	case elapsed > ceiling:
		elapsed = ceiling
		outlier = true
	default:
		if residual := math.Abs(elapsed - c.filter.Estimate()); residual > 3*c.filter.InnovationSigma() {
			slog.Debug("latency residual outside 3-sigma band",
				"residual", residual, "sigma", c.filter.InnovationSigma())
		}
	}

	if outlier {
		c.filter.UpdateWidened(elapsed, c.cfg.OutlierFactor)
	} else {
		c.filter.Update(elapsed)
	}

	if !obs.ScheduledAt.IsZero() && !obs.CompletedAt.IsZero() {
		c.lastDeviation = obs.CompletedAt.Sub(obs.ScheduledAt)
	}
}

// NextSchedule computes how long to sleep so that the update finishing after
// the current latency estimate lands on the next wall-clock boundary.
// Never fails and never returns a negative sleep.
func (c *Controller) NextSchedule(now time.Time) Decision {
	boundary := c.nextBoundary(now)
	intended := boundary.Add(-c.EstimateDuration())

	// A start more than one full interval in the past means the previous
	// cycle overran badly or the process was suspended. Skip ahead instead
	// of running back-to-back catch-up cycles.
	if now.Sub(intended) > c.cfg.Interval {
		for !intended.After(now) {
			boundary = boundary.Add(c.cfg.Interval)
			intended = boundary.Add(-c.EstimateDuration())
		}
	}

	sleep := intended.Sub(now)
	if sleep < 0 {
		sleep = 0
	}

	return Decision{
		Sleep:             sleep,
		TargetBoundary:    boundary,
		BoundaryDeviation: c.lastDeviation,
	}
}

// nextBoundary returns the smallest instant >= now that is an exact multiple
// of the interval from the epoch, shifted by TargetSecond. Boundaries are
// wall-clock aligned, not relative to process start.
func (c *Controller) nextBoundary(now time.Time) time.Time {
	offset := int64(time.Duration(c.cfg.TargetSecond) * time.Second)
	interval := int64(c.cfg.Interval)

	ns := now.UnixNano() - offset
	b := (ns / interval) * interval
	if b < ns {
		b += interval
	}

	return time.Unix(0, b+offset).In(now.Location())
}

// Estimate returns the current mean latency estimate in seconds.
func (c *Controller) Estimate() float64 {
	return c.filter.Estimate()
}

// EstimateDuration returns the current mean latency estimate as a Duration.
func (c *Controller) EstimateDuration() time.Duration {
	return time.Duration(c.filter.Estimate() * float64(time.Second))
}

// Variance returns the current estimate variance.
func (c *Controller) Variance() float64 {
	return c.filter.Variance()
}

// LastDeviation returns the most recent boundary deviation. Positive means
// the update landed late.
func (c *Controller) LastDeviation() time.Duration {
	return c.lastDeviation
}

// Interval returns the configured refresh period.
func (c *Controller) Interval() time.Duration {
	return c.cfg.Interval
}
