package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/hardensim/internal/api"
	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/config"
	"codeberg.org/mutker/hardensim/internal/logger"
	"github.com/spf13/cobra"
)

// serveCmd runs the HTTP and websocket API until interrupted.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the cell API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, release, err := openCell(ctx)
			if err != nil {
				return err
			}
			defer release()

			loader.Watch(func(next *config.Config) {
				applyReload(c, next)
			})

			srv := api.NewServer(c, api.Config{
				Listen:         cfg.Listen,
				StreamInterval: cfg.Stream.Interval,
				TargetRows:     cfg.Batch.TargetRows,
				AnomalyRate:    cfg.Batch.AnomalyRate,
			})

			err = srv.Run(ctx)
			logger.Info().Msg("Exiting...")

			return err
		},
	}

	cmd.Flags().String("listen", "", "HTTP listen address")

	return cmd
}

// applyReload applies the settings that can change without a restart.
func applyReload(c *cell.Cell, next *config.Config) {
	if !next.Debug && !next.Verbose {
		if err := logger.SetLevel(next.LogLevel.String()); err != nil {
			logger.Warn().Err(err).Msg("Ignoring log level change")
		}
	}

	if next.Simulation.Priority2Policy != cfg.Simulation.Priority2Policy {
		if err := c.SetPriority2Policy(next.Simulation.Priority2Policy); err != nil {
			logger.Warn().Err(err).Msg("Ignoring priority-2 policy change")
			return
		}
		logger.Info().
			Str("policy", string(next.Simulation.Priority2Policy)).
			Msg("Priority-2 policy changed")
	}

	cfg = next
}

// generateCmd runs one batch against the database and prints its summary.
func generateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a labelled batch of telemetry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, release, err := openCell(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			defer release()

			summary, err := c.GenerateBatch(ctx, cfg.Batch.TargetRows, cfg.Batch.AnomalyRate)
			if err != nil {
				return err
			}

			logger.Info().
				Int64("run_id", summary.RunID).
				Int("rows", summary.Rows).
				Float64("anomaly_ratio", summary.AnomalyRatio()).
				Dur("elapsed", summary.Elapsed).
				Msg("Batch finished")

			return printJSON(summary)
		},
	}

	f := cmd.Flags()
	f.Int("rows", 0, "rows to generate")
	f.Float64("anomaly-rate", 0, "probability of a fault trial after each completed cycle")
	f.Int("flush-rows", 0, "rows buffered before a commit")

	return cmd
}

// statusCmd prints the committed counters, latest sample, event log and
// recent runs.
func statusCmd() *cobra.Command {
	var events, runs int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the committed state of the cell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			counters, err := st.Counters(ctx)
			if err != nil {
				return err
			}
			latest, ok, err := st.Latest(ctx)
			if err != nil {
				return err
			}
			log, err := st.Events(ctx, events)
			if err != nil {
				return err
			}
			history, err := st.Runs(ctx, runs)
			if err != nil {
				return err
			}

			out := map[string]any{
				"counters": counters,
				"events":   log,
				"runs":     history,
			}
			if ok {
				out["latest"] = latest
			}

			return printJSON(out)
		},
	}

	cmd.Flags().IntVar(&events, "events", cell.DefaultEventLimit, "events to print")
	cmd.Flags().IntVar(&runs, "runs", 5, "runs to print")

	return cmd
}

// resetCmd clears the telemetry log and counters.
func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the telemetry log and counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			c, release, err := openCell(ctx)
			if err != nil {
				return err
			}
			defer release()

			if err := c.Reset(ctx); err != nil {
				return err
			}
			logger.Info().Str("database", cfg.Database).Msg("Telemetry log reset")

			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
