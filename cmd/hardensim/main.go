package main

import (
	"context"
	"fmt"
	"os"

	"codeberg.org/mutker/hardensim/internal/batch"
	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/config"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/pid"
	"codeberg.org/mutker/hardensim/internal/store"
	"github.com/spf13/cobra"
)

var (
	configFile string
	cfg        *config.Config
	loader     *config.Loader
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hardensim",
		Short: "Induction hardening cell telemetry simulator",
		Long: `Simulates an induction hardening cell tick by tick, classifies every
part against quality and safety bands, and persists the telemetry log to
SQLite. Serves a REST and websocket API, or generates large labelled
batches offline.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "configuration file (default hardensim.toml in ., $XDG_CONFIG_HOME/hardensim or /etc/hardensim)")
	pf.Bool("debug", false, "enable debug logging")
	pf.Bool("verbose", false, "enable info logging")
	pf.String("log-level", "", "log level: debug, info, warning or error")
	pf.String("database", "", "SQLite database path")
	pf.Int64("seed", 0, "simulation seed")
	pf.String("bands", "", "YAML file overriding the classification bands")
	pf.String("priority2-policy", "", "when operational faults stop the machine: cycle_boundary or interrupt")

	root.AddCommand(serveCmd(), generateCmd(), statusCmd(), resetCmd())

	return root
}

// setup resolves configuration and initializes logging before any
// subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	var err error
	loader, err = config.NewLoader(
		config.WithConfigFile(configFile),
		config.WithFlags(cmd.Flags()),
	)
	if err != nil {
		return err
	}

	cfg, err = loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if !cfg.Debug && !cfg.Verbose {
		if err := logger.SetLevel(cfg.LogLevel.String()); err != nil {
			return err
		}
	}

	logger.Debug().
		Str("file", cfg.File).
		Str("database", cfg.Database).
		Int64("seed", cfg.Simulation.Seed).
		Msg("Config loaded")

	return nil
}

// openStore opens the configured database.
func openStore() (*store.Store, error) {
	return store.Open(store.Config{Path: cfg.Database}, logger.New("store"))
}

// openCell takes the PID guard on the database and restores the cell from
// it. The returned release stops the cell, closes the store and drops the
// guard.
func openCell(ctx context.Context) (*cell.Cell, func(), error) {
	bands, err := classifier.LoadBands(cfg.Simulation.BandsFile)
	if err != nil {
		return nil, nil, err
	}

	pidPath := pid.PathFor(cfg.Database)
	if err := pid.Write(pidPath); err != nil {
		return nil, nil, err
	}

	st, err := openStore()
	if err != nil {
		_ = pid.Remove(pidPath)
		return nil, nil, err
	}

	c, err := cell.New(ctx, st, cell.Options{
		Machine:      machineOptions(bands),
		TickInterval: cfg.Simulation.TickInterval,
		Batch: batch.Options{
			FlushRows:    cfg.Batch.FlushRows,
			ResponseTime: cfg.Batch.ResponseTime,
			Budget:       cfg.Batch.Budget,
			Seed:         cfg.Simulation.Seed,
		},
	})
	if err != nil {
		_ = st.Close()
		_ = pid.Remove(pidPath)
		return nil, nil, err
	}

	release := func() {
		c.Close()
		if err := st.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
		if err := pid.Remove(pidPath); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}

	return c, release, nil
}

func machineOptions(bands classifier.Bands) machine.Options {
	opts := machine.DefaultOptions()
	opts.Seed = cfg.Simulation.Seed
	opts.Epoch = cfg.Simulation.Epoch
	opts.QualityStopLimit = cfg.Simulation.QualityStopLimit
	opts.Bands = bands
	opts.Priority2 = cfg.Simulation.Priority2Policy

	return opts
}
