package store

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/hardensim/internal/errors"
)

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one entry of the run history.
type Run struct {
	ID         int64      `json:"id"`
	Mode       Source     `json:"mode"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	TargetRows int        `json:"target_rows"`
	Rows       int        `json:"rows"`
	Status     RunStatus  `json:"status"`
}

// BeginRun records the start of a run and returns its id.
func (s *Store) BeginRun(ctx context.Context, mode Source, targetRows int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO runs (mode, started_at, target_rows, rows, status)
        VALUES (?, ?, ?, 0, ?)
    `, string(mode), time.Now().UTC().Format(time.RFC3339Nano), targetRows, string(RunRunning))
	if err != nil {
		return 0, errors.New().Wrap(ErrTransactionFailed, err)
	}

	return res.LastInsertId()
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id int64, rows int, status RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE runs SET finished_at = ?, rows = ?, status = ?
        WHERE id = ?
    `, time.Now().UTC().Format(time.RFC3339Nano), rows, string(status), id)
	if err != nil {
		return errors.New().Wrap(ErrTransactionFailed, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New().WithData(ErrRunNotFound, struct{ ID int64 }{id})
	}

	return nil
}

// Runs returns the last n runs, most recent first.
func (s *Store) Runs(ctx context.Context, n int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, mode, started_at, finished_at, target_rows, rows, status
        FROM runs ORDER BY id DESC LIMIT ?
    `, n)
	if err != nil {
		return nil, queryError("runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			mode     string
			started  string
			finished sql.NullString
			status   string
		)
		if err := rows.Scan(&r.ID, &mode, &started, &finished, &r.TargetRows, &r.Rows, &status); err != nil {
			return nil, queryError("runs", err)
		}
		r.Mode = Source(mode)
		r.Status = RunStatus(status)
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, queryError("runs", err)
		}
		if finished.Valid {
			t, err := time.Parse(time.RFC3339Nano, finished.String)
			if err != nil {
				return nil, queryError("runs", err)
			}
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError("runs", err)
	}

	return out, nil
}
