// Package cell owns the canonical machine of the hardening cell: the live
// loop, batch runs against isolated machine instances, the command surface
// and the read contract.
package cell

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/hardensim/internal/batch"
	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/store"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Mode is the execution context currently driving the cell.
type Mode string

const (
	ModeIdle  Mode = "idle"
	ModeLive  Mode = "live"
	ModeBatch Mode = "batch"
)

// DefaultEventLimit is the size of the event log returned by default.
const DefaultEventLimit = 10

// Options configures a cell.
type Options struct {
	Machine      machine.Options
	TickInterval time.Duration
	// Batch supplies flush size, response time, budget and seed for batch
	// runs. Target rows and anomaly rate come with each request.
	Batch batch.Options
}

// BatchProgress is the state of a running batch.
type BatchProgress struct {
	RunID  int64 `json:"run_id"`
	Rows   int64 `json:"rows"`
	Target int   `json:"target"`
}

// Status is the published view of the cell. It only ever reflects
// committed samples.
type Status struct {
	Mode       Mode              `json:"mode"`
	Machine    machine.Snapshot  `json:"machine"`
	Latest     *telemetry.Sample `json:"latest,omitempty"`
	Batch      *BatchProgress    `json:"batch,omitempty"`
	LastBatch  *batch.Summary    `json:"last_batch,omitempty"`
	Diagnostic string            `json:"diagnostic,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
}

// Cell serializes commands and ticks on the canonical machine.
type Cell struct {
	store *store.Store
	opts  Options
	log   logger.Logger

	mu     sync.Mutex
	m      *machine.Machine
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}

	viewMu sync.RWMutex
	view   Status
	orch   *batch.Orchestrator
	runID  int64
}

// New restores the canonical machine from st and returns an idle cell.
func New(ctx context.Context, st *store.Store, opts Options) (*Cell, error) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}

	c := &Cell{
		store: st,
		opts:  opts,
		log:   logger.New("cell"),
		m:     machine.New(opts.Machine),
		mode:  ModeIdle,
	}
	if err := c.reload(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.publish(func(v *Status) {})
	c.mu.Unlock()

	c.log.Info().
		Str("state", string(c.m.State())).
		Int("coil_life", c.m.Counters().CoilLifeRemaining).
		Time("clock", c.m.Clock()).
		Msg("Cell restored")

	return c, nil
}

// Start begins live production.
func (c *Cell) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeBatch {
		return conflict("batch run in progress")
	}
	if err := c.m.Start(); err != nil {
		return err
	}
	if c.mode == ModeIdle {
		c.startLoop()
	}
	c.publish(func(v *Status) { v.Diagnostic = "" })

	return nil
}

// Stop halts live production.
func (c *Cell) Stop() error {
	c.mu.Lock()
	if c.mode == ModeBatch {
		c.mu.Unlock()
		return conflict("batch run in progress")
	}
	if err := c.m.Stop(); err != nil {
		c.mu.Unlock()
		return err
	}
	done := c.stopLoop()
	c.publish(func(v *Status) {})
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	return nil
}

// InjectFault arms an instantaneous fault from the next tick on.
func (c *Cell) InjectFault(kind fault.Kind) error {
	return c.command(func(m *machine.Machine) error { return m.InjectFault(kind) })
}

// StartDrift arms a drift fault from the next tick on.
func (c *Cell) StartDrift(target fault.Parameter, ratePerTick float64) error {
	return c.command(func(m *machine.Machine) error { return m.StartDrift(target, ratePerTick) })
}

// SetManualOverride replaces nominal setpoints from the next tick on.
func (c *Cell) SetManualOverride(o machine.Override) error {
	return c.command(func(m *machine.Machine) error { return m.SetManualOverride(o) })
}

// SetPriority2Policy changes when operational DOWN conditions stop the
// machine.
func (c *Cell) SetPriority2Policy(p classifier.Priority2Policy) error {
	policy, err := classifier.ParsePriority2Policy(string(p))
	if err != nil {
		return errors.New().WithMessage(errors.ErrValidation, errors.ReasonOf(err))
	}

	return c.command(func(m *machine.Machine) error {
		m.SetPriority2Policy(policy)
		return nil
	})
}

// Repair clears faults and begins the WARM ramp. It reports false when the
// machine was not DOWN. A repair made while idle is committed as a repair
// mark so that a restart does not resume DOWN.
func (c *Cell) Repair(ctx context.Context) (bool, error) {
	var repaired bool
	err := c.command(func(m *machine.Machine) error {
		if !m.Repair() {
			return nil
		}
		if c.mode != ModeIdle {
			repaired = true
			return nil
		}

		mark, err := m.RepairMark()
		if err != nil {
			return err
		}
		samples := []telemetry.Sample{mark}
		if err := c.store.Commit(ctx, samples, m.Counters()); err != nil {
			if rerr := c.reload(context.WithoutCancel(ctx)); rerr != nil {
				c.log.Error().Err(rerr).Msg("Failed to reload committed state")
			}
			return err
		}
		repaired = true

		c.viewMu.Lock()
		c.view.Latest = &samples[0]
		c.viewMu.Unlock()

		return nil
	})

	return repaired, err
}

// Reset clears the counters and the committed log and returns the clock to
// the epoch. It requires an idle cell.
func (c *Cell) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeIdle {
		return conflict("cannot reset while a " + string(c.mode) + " run is active")
	}
	if err := c.store.Reset(ctx); err != nil {
		return err
	}

	c.m.Reset()
	c.log.Info().Msg("Cell reset")
	c.publish(func(v *Status) {
		v.Latest = nil
		v.LastBatch = nil
		v.Diagnostic = ""
		v.LastError = ""
	})

	return nil
}

// Close stops the live loop.
func (c *Cell) Close() {
	c.mu.Lock()
	done := c.stopLoop()
	c.publish(func(v *Status) {})
	c.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (c *Cell) command(fn func(m *machine.Machine) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode == ModeBatch {
		return conflict("batch run in progress")
	}
	if err := fn(c.m); err != nil {
		return err
	}
	c.publish(func(v *Status) {})

	return nil
}

// reload restores the canonical machine from the committed log, keeping the
// operator's override and policy. Callers hold mu, or own c exclusively.
func (c *Cell) reload(ctx context.Context) error {
	resume, err := c.store.Resume(ctx, c.opts.Machine.Epoch)
	if err != nil {
		return err
	}
	latest, ok, err := c.store.Latest(ctx)
	if err != nil {
		return err
	}

	snap := c.m.Snapshot()
	c.m.Restore(resume)
	if err := c.m.SetManualOverride(snap.Override); err != nil {
		c.log.Debug().Err(err).Msg("Override dropped on reload")
	}
	c.m.SetPriority2Policy(snap.Policy)

	c.viewMu.Lock()
	c.view.Latest = nil
	if ok {
		c.view.Latest = &latest
	}
	c.viewMu.Unlock()

	return nil
}

// publish refreshes the view from the machine. Callers hold mu.
func (c *Cell) publish(update func(v *Status)) {
	c.viewMu.Lock()
	defer c.viewMu.Unlock()

	c.view.Mode = c.mode
	c.view.Machine = c.m.Snapshot()
	update(&c.view)
}
