package cell

import (
	"context"
	"time"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// startLoop launches the live loop. Callers hold mu.
func (c *Cell) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mode = ModeLive
	c.cancel = cancel
	c.done = done

	c.log.Info().Dur("interval", c.opts.TickInterval).Msg("Live loop started")
	go c.loop(ctx, done)
}

// stopLoop cancels the live loop and returns the channel closed when it
// exits, or nil when no loop runs. Callers hold mu and must release it
// before waiting.
func (c *Cell) stopLoop() chan struct{} {
	if c.mode != ModeLive {
		return nil
	}

	c.cancel()
	done := c.done
	c.mode = ModeIdle
	c.cancel = nil
	c.done = nil

	c.log.Info().Msg("Live loop stopped")

	return done
}

func (c *Cell) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if stop := c.step(ctx); stop {
				return
			}
		}
	}
}

// step advances the canonical machine by one tick and commits the sample
// before publishing it. It reports whether the loop must exit.
func (c *Cell) step(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Stop cancels under mu, so a cancelled loop never ticks again.
	if ctx.Err() != nil {
		return true
	}

	out, err := c.m.Tick()
	if err != nil {
		if errors.HasCode(err, errors.ErrPhysicsInvariant) {
			c.log.Warn().
				Err(err).
				Str("state", string(c.m.State())).
				Msg("Tick rejected")
			c.publish(func(v *Status) { v.Diagnostic = errors.ReasonOf(err) })
			return false
		}
		return c.fail(ctx, err)
	}

	samples := []telemetry.Sample{out.Sample}
	if err := c.store.Commit(ctx, samples, out.Counters); err != nil {
		return c.fail(ctx, err)
	}

	if out.Interrupted || out.Completed {
		c.log.Debug().
			Str("part_id", samples[0].PartID).
			Str("status", string(samples[0].Status)).
			Str("reason", samples[0].Reason).
			Msg("Verdict committed")
	}

	latest := samples[0]
	c.publish(func(v *Status) {
		v.Latest = &latest
		v.Diagnostic = ""
	})

	return false
}

// fail stops the loop after a tick that could not be committed and reloads
// the machine from the last committed state. Callers hold mu.
func (c *Cell) fail(ctx context.Context, err error) bool {
	c.log.Error().Err(err).Msg("Live commit failed, stopping")

	c.cancel()
	c.mode = ModeIdle
	c.cancel = nil
	c.done = nil

	if rerr := c.reload(context.WithoutCancel(ctx)); rerr != nil {
		c.log.Error().Err(rerr).Msg("Failed to reload committed state")
	}
	c.publish(func(v *Status) { v.LastError = errors.ReasonOf(err) })

	return true
}
