// Package batch drives a machine instance unthrottled to materialize a
// bounded number of telemetry rows.
package batch

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Defaults used when an option is left at zero.
const (
	DefaultTargetRows   = 50000
	DefaultAnomalyRate  = 0.10
	DefaultFlushRows    = 1000
	DefaultResponseTime = 5 * time.Minute
	DefaultBudget       = 10 * time.Second
)

// Options configures one run.
type Options struct {
	TargetRows  int
	AnomalyRate float64
	FlushRows   int
	// ResponseTime is the simulated wait before a repair starts.
	ResponseTime time.Duration
	// Budget is the wall-clock target. Exceeding it is reported, not enforced.
	Budget time.Duration
	Seed   int64
}

func (o Options) withDefaults() Options {
	if o.FlushRows <= 0 {
		o.FlushRows = DefaultFlushRows
	}
	if o.ResponseTime <= 0 {
		o.ResponseTime = DefaultResponseTime
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}

	return o
}

// Validate checks the caller-supplied parameters.
func (o Options) Validate() error {
	if o.TargetRows <= 0 {
		return errors.New().WithMessage(ErrInvalidOptions,
			fmt.Sprintf("target rows must be positive, got %d", o.TargetRows))
	}
	if math.IsNaN(o.AnomalyRate) || o.AnomalyRate < 0 || o.AnomalyRate > 1 {
		return errors.New().WithMessage(ErrInvalidOptions,
			fmt.Sprintf("anomaly rate must be within [0, 1], got %v", o.AnomalyRate))
	}

	return nil
}

// Summary reports a finished run.
type Summary struct {
	RunID       int64         `json:"run_id,omitempty"`
	Rows        int           `json:"rows"`
	Cycles      int           `json:"cycles"`
	Completed   int           `json:"completed"`
	Interrupted int           `json:"interrupted"`
	OK          int           `json:"ok"`
	NG          int           `json:"ng"`
	Down        int           `json:"down"`
	Anomalies   int           `json:"anomalies"`
	Trials      int           `json:"trials"`
	SimStart    time.Time     `json:"sim_start"`
	SimEnd      time.Time     `json:"sim_end"`
	Elapsed     time.Duration `json:"elapsed"`
	OverBudget  bool          `json:"over_budget"`
	Cancelled   bool          `json:"cancelled"`
}

// AnomalyRatio is the share of cycles that ran with an armed fault.
func (s Summary) AnomalyRatio() float64 {
	if s.Trials == 0 {
		return 0
	}

	return float64(s.Anomalies) / float64(s.Trials)
}

// Orchestrator owns a machine for the duration of a run.
type Orchestrator struct {
	m    *machine.Machine
	rec  telemetry.Recorder
	opts Options
	log  logger.Logger
	rng  *rand.Rand

	progress atomic.Int64
}

// New returns an orchestrator that drives m and commits through rec.
func New(m *machine.Machine, rec telemetry.Recorder, opts Options) *Orchestrator {
	opts = opts.withDefaults()

	return &Orchestrator{
		m:    m,
		rec:  rec,
		opts: opts,
		log:  logger.New("batch"),
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// Progress returns the number of rows committed so far.
func (o *Orchestrator) Progress() int64 {
	return o.progress.Load()
}

// Target returns the configured row target.
func (o *Orchestrator) Target() int {
	return o.opts.TargetRows
}

type run struct {
	*Orchestrator
	ctx     context.Context
	buf     []telemetry.Sample
	rows    int
	armed   bool
	summary Summary

	// pending counts cycles and trials whose rows are still buffered.
	pending   tally
	// committed holds the counters of the last successful commit.
	committed telemetry.Counters
}

type tally struct {
	completed   int
	interrupted int
	anomalies   int
	trials      int
}

// Run generates rows until the target is reached or ctx is cancelled.
// Cancellation is observed at cycle boundaries only; every generated row is
// committed before Run returns. A commit failure stops the run and is
// returned together with the summary of what was committed before it.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	if err := o.opts.Validate(); err != nil {
		return Summary{}, err
	}

	r := &run{
		Orchestrator: o,
		ctx:          ctx,
		buf:          make([]telemetry.Sample, 0, o.opts.FlushRows+64),
	}
	start := time.Now()
	before := o.m.Counters()
	r.committed = before
	r.summary.SimStart = o.m.Clock()
	r.summary.SimEnd = r.summary.SimStart

	o.log.Info().
		Int("target_rows", o.opts.TargetRows).
		Float64("anomaly_rate", o.opts.AnomalyRate).
		Int("flush_rows", o.opts.FlushRows).
		Msg("Batch run started")

	if o.m.State() == telemetry.StateIdle {
		if err := o.m.Start(); err != nil {
			return Summary{}, errors.New().Wrap(ErrMachineNotReady, err)
		}
	}

	err := r.generate()
	if flushErr := r.flush(); err == nil {
		err = flushErr
	}

	r.summary.OK = r.committed.OKCount - before.OKCount
	r.summary.NG = r.committed.NGCount - before.NGCount
	r.summary.Down = r.committed.DownCount - before.DownCount
	r.summary.Cycles = r.summary.Completed + r.summary.Interrupted
	r.summary.Elapsed = time.Since(start)
	r.summary.OverBudget = r.summary.Elapsed > o.opts.Budget

	ev := o.log.Info()
	if r.summary.OverBudget {
		ev = o.log.Warn()
	}
	ev.Int("rows", r.summary.Rows).
		Int("cycles", r.summary.Cycles).
		Int("anomalies", r.summary.Anomalies).
		Dur("elapsed", r.summary.Elapsed).
		Bool("over_budget", r.summary.OverBudget).
		Bool("cancelled", r.summary.Cancelled).
		Msg("Batch run finished")

	return r.summary, err
}

func (r *run) generate() error {
	violations := 0

	for r.rows < r.opts.TargetRows {
		switch r.m.State() {
		case telemetry.StateDown:
			span := r.opts.ResponseTime + r.m.Downtime().Cause.RepairTime()
			s, err := r.m.CompressDowntime(span)
			if err != nil {
				return err
			}
			r.emit(s)
			if r.rows >= r.opts.TargetRows {
				return nil
			}
			r.m.Repair()
			r.armed = false
			continue

		case telemetry.StateWarm:
			s, err := r.m.CompressWarm()
			if err != nil {
				return err
			}
			r.emit(s)
			if done, err := r.boundary(); done || err != nil {
				return err
			}
			continue

		case telemetry.StateIdle:
			return errors.New().WithMessage(ErrMachineNotReady, "machine stopped during batch run")
		}

		out, err := r.m.Tick()
		if err != nil {
			if !errors.HasCode(err, errors.ErrPhysicsInvariant) || violations > 0 {
				return err
			}
			r.log.Warn().Err(err).Str("state", string(r.m.State())).Msg("Tick rejected, clearing faults")
			violations++
			r.m.ClearFaults()
			r.armed = false
			continue
		}
		violations = 0
		r.emit(out.Sample)

		switch {
		case out.Interrupted:
			r.pending.interrupted++
			r.armed = false
		case out.Completed:
			r.pending.completed++
			if r.armed {
				r.m.ClearFaults()
				r.armed = false
			}
			if r.m.State() != telemetry.StateDown {
				r.trial()
			}
		default:
			continue
		}

		if done, err := r.boundary(); done || err != nil {
			return err
		}
	}

	return nil
}

// trial arms a random instantaneous fault for the next cycle with the
// configured probability.
func (r *run) trial() {
	r.pending.trials++
	if r.rng.Float64() >= r.opts.AnomalyRate {
		return
	}

	kind := fault.Kinds[r.rng.Intn(len(fault.Kinds))]
	if err := r.m.InjectFault(kind); err != nil {
		r.log.Debug().Err(err).Str("kind", string(kind)).Msg("Fault not armed")
		return
	}
	r.armed = true
	r.pending.anomalies++
}

// boundary flushes a full buffer and observes cancellation.
func (r *run) boundary() (bool, error) {
	if len(r.buf) >= r.opts.FlushRows {
		if err := r.flush(); err != nil {
			return true, err
		}
	}
	if r.ctx.Err() != nil {
		r.summary.Cancelled = true
		return true, nil
	}

	return false, nil
}

func (r *run) emit(s telemetry.Sample) {
	r.buf = append(r.buf, s)
	r.rows++
}

func (r *run) flush() error {
	if len(r.buf) == 0 {
		return nil
	}

	// Rows already generated are committed even after cancellation.
	counters := r.m.Counters()
	if err := r.rec.Commit(context.WithoutCancel(r.ctx), r.buf, counters); err != nil {
		r.log.Error().Err(err).Int("rows", len(r.buf)).Msg("Batch commit failed")
		r.buf = r.buf[:0]
		r.pending = tally{}
		return errors.New().Wrap(ErrCommitFailed, err)
	}

	r.committed = counters
	r.summary.Rows += len(r.buf)
	r.summary.SimEnd = r.buf[len(r.buf)-1].End()
	r.summary.Completed += r.pending.completed
	r.summary.Interrupted += r.pending.interrupted
	r.summary.Anomalies += r.pending.anomalies
	r.summary.Trials += r.pending.trials
	r.pending = tally{}
	r.progress.Store(int64(r.summary.Rows))
	r.buf = r.buf[:0]

	return nil
}
