package cell

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/hardensim/internal/drift"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/store"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// MaxSamples caps a single read of the sample log.
const MaxSamples = 10000

// Status returns the published view. It never waits on a tick or a batch.
func (c *Cell) Status() Status {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()

	v := c.view
	if v.Latest != nil {
		latest := *v.Latest
		v.Latest = &latest
	}
	if c.orch != nil {
		v.Batch = &BatchProgress{
			RunID:  c.runID,
			Rows:   c.orch.Progress(),
			Target: c.orch.Target(),
		}
	}

	return v
}

// Latest returns the most recently committed sample.
func (c *Cell) Latest(ctx context.Context) (telemetry.Sample, bool, error) {
	return c.store.Latest(ctx)
}

// Samples returns the last n committed samples, oldest first.
func (c *Cell) Samples(ctx context.Context, n int) ([]telemetry.Sample, error) {
	if n <= 0 || n > MaxSamples {
		return nil, errors.New().WithMessage(errors.ErrValidation,
			fmt.Sprintf("sample count must be within [1, %d], got %d", MaxSamples, n))
	}

	return c.store.Recent(ctx, n)
}

// Range returns the committed samples in [from, to).
func (c *Cell) Range(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	if !from.Before(to) {
		return nil, errors.New().WithMessage(errors.ErrValidation, "range start must precede its end")
	}

	return c.store.Range(ctx, from, to)
}

// Events returns the last k NG or DOWN verdicts, most recent first.
func (c *Cell) Events(ctx context.Context, k int) ([]telemetry.Event, error) {
	if k <= 0 {
		k = DefaultEventLimit
	}

	return c.store.Events(ctx, k)
}

// Counters returns the committed counters.
func (c *Cell) Counters(ctx context.Context) (telemetry.Counters, error) {
	return c.store.Counters(ctx)
}

// Drift estimates the quench pressure trend over the committed log.
func (c *Cell) Drift(ctx context.Context) (drift.Report, error) {
	samples, err := c.store.RecentInState(ctx, telemetry.StateQuench, drift.WindowSize)
	if err != nil {
		return drift.Report{}, err
	}

	return drift.Estimate(drift.PressurePoints(samples)), nil
}

// Runs returns the last n recorded runs.
func (c *Cell) Runs(ctx context.Context, n int) ([]store.Run, error) {
	if n <= 0 {
		n = DefaultEventLimit
	}

	return c.store.Runs(ctx, n)
}
