package cell

import (
	"context"

	"codeberg.org/mutker/hardensim/internal/batch"
	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/store"
)

// GenerateBatch runs the batch orchestrator on a machine restored from the
// committed log. The canonical machine is reloaded once the run ends.
func (c *Cell) GenerateBatch(ctx context.Context, targetRows int, anomalyRate float64) (batch.Summary, error) {
	opts := c.opts.Batch
	opts.TargetRows = targetRows
	opts.AnomalyRate = anomalyRate
	if err := opts.Validate(); err != nil {
		return batch.Summary{}, err
	}

	c.mu.Lock()
	if c.mode != ModeIdle {
		mode := c.mode
		c.mu.Unlock()
		return batch.Summary{}, conflict("cannot generate a batch while a " + string(mode) + " run is active")
	}
	c.mode = ModeBatch
	snap := c.m.Snapshot()
	c.publish(func(v *Status) {})
	c.mu.Unlock()

	summary, err := c.runBatch(ctx, opts, snap.Override, snap.Policy)

	c.mu.Lock()
	defer c.mu.Unlock()

	if rerr := c.reload(context.WithoutCancel(ctx)); rerr != nil && err == nil {
		err = rerr
	}
	c.mode = ModeIdle

	c.viewMu.Lock()
	c.orch = nil
	c.runID = 0
	c.viewMu.Unlock()

	c.publish(func(v *Status) {
		v.LastBatch = &summary
		if err != nil {
			v.LastError = errors.ReasonOf(err)
		}
	})

	return summary, err
}

func (c *Cell) runBatch(ctx context.Context, opts batch.Options, override machine.Override, policy classifier.Priority2Policy) (batch.Summary, error) {
	resume, err := c.store.Resume(ctx, c.opts.Machine.Epoch)
	if err != nil {
		return batch.Summary{}, err
	}

	mopts := c.opts.Machine
	mopts.Seed += resume.Seq
	mopts.Priority2 = policy
	m := machine.New(mopts)
	m.Restore(resume)
	if err := m.SetManualOverride(override); err != nil {
		return batch.Summary{}, err
	}
	opts.Seed += resume.Seq

	runID, err := c.store.BeginRun(ctx, store.SourceBatch, opts.TargetRows)
	if err != nil {
		return batch.Summary{}, err
	}

	orch := batch.New(m, c.store.Recorder(store.SourceBatch), opts)
	c.viewMu.Lock()
	c.orch = orch
	c.runID = runID
	c.viewMu.Unlock()

	summary, err := orch.Run(ctx)
	summary.RunID = runID

	status := store.RunCompleted
	switch {
	case err != nil:
		status = store.RunFailed
	case summary.Cancelled:
		status = store.RunCancelled
	}
	if ferr := c.store.FinishRun(context.WithoutCancel(ctx), runID, summary.Rows, status); ferr != nil {
		c.log.Error().Err(ferr).Int64("run_id", runID).Msg("Failed to record run outcome")
	}

	return summary, err
}
