// Package runner drives the update cycle: sleep until the controller's
// intended start, render, push, then feed the observed timings back. One
// runner owns one controller; nothing else touches it.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkohda/go-weatherpanel/weatherpanel/compose"
	"github.com/mkohda/go-weatherpanel/weatherpanel/display"
	"github.com/mkohda/go-weatherpanel/weatherpanel/healthz"
	"github.com/mkohda/go-weatherpanel/weatherpanel/metrics"
	"github.com/mkohda/go-weatherpanel/weatherpanel/timing"
)

const (
	// maxConsecutiveFailures aborts the daemon so the supervisor restarts
	// it with a clean slate instead of hammering a broken target.
	maxConsecutiveFailures = 2

	// failureRetryWait spaces out the retry after a failed cycle.
	failureRetryWait = 10 * time.Second

	// deviationWarnThreshold flags cycles that landed far from their
	// boundary.
	deviationWarnThreshold = 3 * time.Second
)

// Options wires a Runner. Controller, Compositor, Backend and Recorder are
// required.
type Options struct {
	Controller   *timing.Controller
	Compositor   *compose.Compositor
	Backend      display.Backend
	Recorder     metrics.Recorder
	LivenessFile string
	OneTime      bool
}

// Runner executes the unbounded update loop.
type Runner struct {
	ctrl         *timing.Controller
	compositor   *compose.Compositor
	backend      display.Backend
	recorder     metrics.Recorder
	livenessFile string
	oneTime      bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a Runner from options.
func New(opts Options) *Runner {
	return &Runner{
		ctrl:         opts.Controller,
		compositor:   opts.Compositor,
		backend:      opts.Backend,
		recorder:     opts.Recorder,
		livenessFile: opts.LivenessFile,
		oneTime:      opts.OneTime,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Run loops until ctx is canceled, a single cycle completes in one-time
// mode, or too many consecutive cycles fail. Cancellation is a clean exit.
func (r *Runner) Run(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		decision := r.ctrl.NextSchedule(r.now())
		if !r.oneTime {
			slog.Info("sleeping until next cycle",
				"sleep", decision.Sleep.Round(time.Millisecond),
				"boundary", decision.TargetBoundary.Format(time.RFC3339),
				"estimate", r.ctrl.EstimateDuration().Round(time.Millisecond))
			if err := r.sleep(ctx, decision.Sleep); err != nil {
				return nil
			}
		}

		err := r.runCycle(ctx, decision)
		if r.oneTime {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			failures++
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("giving up after %d consecutive failures: %w", failures, err)
			}
			if serr := r.sleep(ctx, failureRetryWait); serr != nil {
				return nil
			}
			continue
		}
		failures = 0
	}
}

// runCycle performs one render+push and reports the outcome to the
// controller, the metrics recorder and the liveness footprint.
func (r *Runner) runCycle(ctx context.Context, decision timing.Decision) error {
	start := r.now()

	frame, srcErrs := r.compositor.Render(ctx)
	if len(srcErrs) > 0 {
		slog.Warn("rendering degraded", "failed_sources", len(srcErrs))
	}

	err := r.backend.Push(ctx, frame)
	completed := r.now()
	elapsed := completed.Sub(start)

	m := metrics.CycleMetrics{
		Timestamp: start,
		Elapsed:   elapsed,
		Sleep:     decision.Sleep,
		Success:   err == nil,
	}

	if err != nil {
		// A failed cycle's elapsed time measures the failure (a connect
		// timeout, a dead transfer), not render+transfer latency, so it is
		// kept out of the estimate. It still reaches the metrics record
		// below.
		m.Error = err.Error()
		slog.Error("display update failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
	} else {
		if !r.oneTime {
			r.ctrl.RecordObservation(timing.Observation{
				Elapsed:     elapsed,
				ScheduledAt: decision.TargetBoundary,
				CompletedAt: completed,
			})
			m.BoundaryDeviation = r.ctrl.LastDeviation()
			if dev := r.ctrl.LastDeviation(); dev.Abs() > deviationWarnThreshold {
				slog.Warn("update timing gap is large", "deviation", dev.Round(time.Millisecond))
			}
		}

		slog.Info("display updated",
			"elapsed", elapsed.Round(time.Millisecond),
			"deviation", r.ctrl.LastDeviation().Round(time.Millisecond))

		if r.livenessFile != "" {
			if terr := healthz.Touch(r.livenessFile); terr != nil {
				slog.Warn("failed to touch liveness file", "error", terr)
			}
		}
	}

	if rerr := r.recorder.Record(m); rerr != nil {
		slog.Warn("failed to record metrics", "error", rerr)
	}

	return err
}

// sleepContext sleeps for d but wakes immediately when ctx is canceled, so
// a termination signal never waits out a long boundary sleep.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
