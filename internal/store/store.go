// Package store is the durable sqlite log of committed telemetry, the
// counters row and the run history.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultDirPerm = 0o755
	backupDirName  = "backups"

	dsnOptions = "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL&_foreign_keys=on"
)

// Source tags the execution context that produced a row.
type Source string

const (
	SourceLive  Source = "live"
	SourceBatch Source = "batch"
)

// Config locates the database.
type Config struct {
	Path string
	// BackupDir receives a copy of the database before a schema change.
	// Defaults to a backups directory next to Path.
	BackupDir string
}

// Store is the sqlite implementation of telemetry.Recorder and
// telemetry.Reader.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

var (
	_ telemetry.Recorder = (*Store)(nil)
	_ telemetry.Reader   = (*Store)(nil)
)

// Open creates or opens the database at cfg.Path and brings its schema to
// the current version.
func Open(cfg Config, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if cfg.Path == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.Path), backupDirName)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.Path+dsnOptions)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.BackupDir, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Telemetry store initialized")

	return &Store{db: db, logger: log, cfg: cfg}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.cfg.Path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.logger.Info().Msg("Telemetry store closed gracefully")

	return nil
}

// Commit records samples from the live loop. See CommitFrom.
func (s *Store) Commit(ctx context.Context, samples []telemetry.Sample, counters telemetry.Counters) error {
	return s.CommitFrom(ctx, SourceLive, samples, counters)
}

// CommitFrom writes samples and counters in one transaction. On success the
// sequence number of every sample is filled in place; on failure nothing is
// written.
func (s *Store) CommitFrom(ctx context.Context, source Source, samples []telemetry.Sample, counters telemetry.Counters) error {
	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	seqs := make([]int64, len(samples))
	for i := range samples {
		res, err := stmt.ExecContext(ctx, sampleArgs(samples[i], source)...)
		if err != nil {
			return errFactory.WithData(ErrTransactionFailed, struct {
				Phase string
				Index int
				Error string
			}{
				Phase: "insert_sample",
				Index: i,
				Error: err.Error(),
			})
		}
		if seqs[i], err = res.LastInsertId(); err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if _, err := tx.ExecContext(ctx, upsertCountersSQL,
		counters.CoilLifeRemaining,
		counters.OKCount,
		counters.NGCount,
		counters.DownCount,
		counters.ConsecutiveNG,
	); err != nil {
		return errFactory.WithData(ErrTransactionFailed, struct {
			Phase string
			Error string
		}{
			Phase: "write_counters",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	for i := range samples {
		samples[i].Seq = seqs[i]
	}

	s.logger.Debug().
		Int("rows", len(samples)).
		Str("source", string(source)).
		Msg("Committed telemetry")

	return nil
}

// Reset clears the sample log and the counters. Run history is kept.
func (s *Store) Reset(ctx context.Context) error {
	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Error().Err(err).Msg("Failed to roll back reset")
			}
		}
	}()

	for _, stmt := range []string{
		"DELETE FROM samples",
		"DELETE FROM counters",
		"DELETE FROM sqlite_sequence WHERE name = 'samples'",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errFactory.WithData(ErrTransactionFailed, struct {
				Phase string
				SQL   string
				Error string
			}{
				Phase: "reset",
				SQL:   stmt,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	s.logger.Info().Msg("Telemetry log reset")

	return nil
}

func sampleArgs(s telemetry.Sample, source Source) []any {
	return []any{
		s.Time.UnixMilli(),
		s.Duration.Milliseconds(),
		s.PowerKW,
		s.PartTempC,
		s.WaterTempC,
		s.WaterFlowLPM,
		s.WaterPressureBar,
		s.ScanSpeedMMS,
		s.TemperingSpeedMMS,
		s.PartID,
		string(s.State),
		string(s.Status),
		s.Reason,
		boolToInt(s.Event),
		string(source),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type sourced struct {
	store  *Store
	source Source
}

func (r sourced) Commit(ctx context.Context, samples []telemetry.Sample, counters telemetry.Counters) error {
	return r.store.CommitFrom(ctx, r.source, samples, counters)
}

// Recorder returns a telemetry.Recorder that tags committed rows with source.
func (s *Store) Recorder(source Source) telemetry.Recorder {
	return sourced{store: s, source: source}
}
