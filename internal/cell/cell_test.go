package cell_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/hardensim/internal/batch"
	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/drift"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/store"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func options() cell.Options {
	return cell.Options{
		Machine:      machine.DefaultOptions(),
		TickInterval: time.Millisecond,
		Batch:        batch.Options{FlushRows: 500, Seed: 1},
	}
}

func openStore(t *testing.T, path string) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: path}, logger.New("store"))
	require.NoError(t, err)

	return st
}

func newCell(t *testing.T) (*cell.Cell, *store.Store) {
	t.Helper()
	st := openStore(t, filepath.Join(t.TempDir(), "hardensim.db"))
	c, err := cell.New(context.Background(), st, options())
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		st.Close()
	})

	return c, st
}

func TestLiveRunPublishesCommittedSamples(t *testing.T) {
	c, st := newCell(t)
	ctx := context.Background()

	require.NoError(t, c.Start())
	assert.Equal(t, cell.ModeLive, c.Status().Mode)

	require.Eventually(t, func() bool {
		latest := c.Status().Latest
		return latest != nil && latest.Seq >= 30
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	status := c.Status()
	assert.Equal(t, cell.ModeIdle, status.Mode)
	assert.Equal(t, telemetry.StateIdle, status.Machine.State)

	latest, ok, err := st.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, status.Latest)
	assert.Equal(t, latest.Seq, status.Latest.Seq)

	counters, err := c.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Machine.Counters.OKCount, counters.OKCount)
}

func TestRunModesAreExclusive(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	require.NoError(t, c.Start())

	_, err := c.GenerateBatch(ctx, 100, 0.1)
	assert.Equal(t, errors.ErrConflict, errors.CodeOf(err))

	err = c.Reset(ctx)
	assert.Equal(t, errors.ErrConflict, errors.CodeOf(err))

	err = c.Start()
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	require.NoError(t, c.Stop())
	err = c.Stop()
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
}

func TestBatchRunIsIsolatedFromReads(t *testing.T) {
	c, st := newCell(t)
	ctx := context.Background()

	type result struct {
		summary batch.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := c.GenerateBatch(ctx, 50000, 0.1)
		done <- result{s, err}
	}()

	require.Eventually(t, func() bool {
		return c.Status().Mode == cell.ModeBatch
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, errors.ErrConflict, errors.CodeOf(c.Start()))
	assert.Equal(t, errors.ErrConflict, errors.CodeOf(c.InjectFault(fault.HoseBurst)))
	_, err := c.Repair(ctx)
	assert.Equal(t, errors.ErrConflict, errors.CodeOf(err))

	began := time.Now()
	status := c.Status()
	assert.Less(t, time.Since(began), 100*time.Millisecond)
	if status.Batch != nil {
		assert.Equal(t, 50000, status.Batch.Target)
		assert.LessOrEqual(t, status.Batch.Rows, int64(50000))
	}

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 50000, res.summary.Rows)
	assert.NotZero(t, res.summary.RunID)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50000), n)

	status = c.Status()
	assert.Equal(t, cell.ModeIdle, status.Mode)
	assert.Nil(t, status.Batch)
	require.NotNil(t, status.LastBatch)

	counters, err := c.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, counters, status.Machine.Counters)
	assert.Equal(t, telemetry.InitialCoilLife-counters.OKCount-counters.NGCount-(counters.DownCount-res.summary.Interrupted),
		counters.CoilLifeRemaining)

	runs, err := c.Runs(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunCompleted, runs[0].Status)
	assert.Equal(t, 50000, runs[0].Rows)
}

func TestCountersSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hardensim.db")
	ctx := context.Background()

	st := openStore(t, path)
	c, err := cell.New(ctx, st, options())
	require.NoError(t, err)
	_, err = c.GenerateBatch(ctx, 3000, 0.2)
	require.NoError(t, err)
	before := c.Status().Machine
	c.Close()
	require.NoError(t, st.Close())

	st = openStore(t, path)
	defer st.Close()
	c, err = cell.New(ctx, st, options())
	require.NoError(t, err)
	defer c.Close()

	after := c.Status().Machine
	assert.Equal(t, before.Counters, after.Counters)
	assert.True(t, before.Clock.Equal(after.Clock))
	assert.Equal(t, before.State, after.State)
}

func TestIdleRepairSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hardensim.db")
	ctx := context.Background()

	st := openStore(t, path)
	c, err := cell.New(ctx, st, options())
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.NoError(t, c.InjectFault(fault.HoseBurst))
	require.Eventually(t, func() bool {
		return c.Status().Machine.State == telemetry.StateDown
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, c.Stop())
	require.Equal(t, telemetry.StateDown, c.Status().Machine.State)

	repaired, err := c.Repair(ctx)
	require.NoError(t, err)
	assert.True(t, repaired)

	latest, ok, err := c.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, telemetry.StateWarm, latest.State)
	assert.Zero(t, latest.Duration)
	require.NotNil(t, c.Status().Latest)
	assert.Equal(t, latest.Seq, c.Status().Latest.Seq)

	before := c.Status().Machine
	c.Close()
	require.NoError(t, st.Close())

	st = openStore(t, path)
	defer st.Close()
	c, err = cell.New(ctx, st, options())
	require.NoError(t, err)
	defer c.Close()

	after := c.Status().Machine
	assert.Equal(t, telemetry.StateWarm, after.State)
	assert.Empty(t, after.Downtime)
	assert.Equal(t, before.Counters, after.Counters)

	repaired, err = c.Repair(ctx)
	require.NoError(t, err)
	assert.False(t, repaired, "nothing left to repair after a restart")
}

func TestResetClearsLogAndCounters(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	_, err := c.GenerateBatch(ctx, 1000, 0.1)
	require.NoError(t, err)
	require.NoError(t, c.Reset(ctx))

	status := c.Status()
	assert.Nil(t, status.Latest)
	assert.Equal(t, telemetry.NewCounters(), status.Machine.Counters)
	assert.True(t, status.Machine.Clock.Equal(machine.DefaultEpoch))

	samples, err := c.Samples(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, samples)

	events, err := c.Events(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventLogAfterFaults(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	_, err := c.GenerateBatch(ctx, 5000, 0.5)
	require.NoError(t, err)

	events, err := c.Events(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Contains(t, []telemetry.Status{telemetry.StatusNG, telemetry.StatusDown}, e.Status)
		assert.NotEmpty(t, e.Reason)
		if i > 0 {
			assert.False(t, e.Time.After(events[i-1].Time))
		}
	}
}

func TestDriftOverCommittedQuenchSamples(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	report, err := c.Drift(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Samples)
	assert.Equal(t, drift.Optimal, report.Risk)

	_, err = c.GenerateBatch(ctx, 2000, 0)
	require.NoError(t, err)

	report, err = c.Drift(ctx)
	require.NoError(t, err)
	assert.Equal(t, drift.WindowSize, report.Samples)
	assert.Equal(t, drift.Optimal, report.Risk)
}

func TestLiveDriftIsDetected(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	require.NoError(t, c.Start())
	require.NoError(t, c.StartDrift(fault.Pressure, -0.0125))

	require.Eventually(t, func() bool {
		report, err := c.Drift(ctx)
		return err == nil && report.Samples >= 8 && report.Risk == drift.Critical
	}, 10*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
}

func TestCommandsValidate(t *testing.T) {
	c, _ := newCell(t)
	ctx := context.Background()

	repaired, err := c.Repair(ctx)
	require.NoError(t, err)
	assert.False(t, repaired)

	err = c.SetPriority2Policy("sometimes")
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	require.NoError(t, c.SetPriority2Policy(classifier.Interrupt))
	assert.Equal(t, classifier.Interrupt, c.Status().Machine.Policy)

	err = c.SetManualOverride(machine.Override{Enabled: true, TempCeilingC: 0})
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	_, err = c.Samples(ctx, 0)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	_, err = c.Range(ctx, machine.DefaultEpoch, machine.DefaultEpoch)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	_, err = c.GenerateBatch(ctx, 0, 0.1)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
}
