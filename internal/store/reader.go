package store

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Latest returns the most recently committed sample.
func (s *Store) Latest(ctx context.Context) (telemetry.Sample, bool, error) {
	rows, err := s.query(ctx, "latest",
		`SELECT `+sampleColumns+` FROM samples ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return telemetry.Sample{}, false, err
	}
	if len(rows) == 0 {
		return telemetry.Sample{}, false, nil
	}

	return rows[0], true, nil
}

// Recent returns the last n committed samples, oldest first.
func (s *Store) Recent(ctx context.Context, n int) ([]telemetry.Sample, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.query(ctx, "recent",
		`SELECT `+sampleColumns+` FROM samples ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	reverse(rows)

	return rows, nil
}

// Range returns samples whose timestamp falls in [from, to), oldest first.
func (s *Store) Range(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	return s.query(ctx, "range",
		`SELECT `+sampleColumns+` FROM samples
		 WHERE sim_time >= ? AND sim_time < ?
		 ORDER BY seq`,
		from.UnixMilli(), to.UnixMilli())
}

// RecentInState returns the last n samples recorded in state, oldest first.
func (s *Store) RecentInState(ctx context.Context, state telemetry.State, n int) ([]telemetry.Sample, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.query(ctx, "recent_in_state",
		`SELECT `+sampleColumns+` FROM samples
		 WHERE machine_state = ?
		 ORDER BY seq DESC LIMIT ?`,
		string(state), n)
	if err != nil {
		return nil, err
	}
	reverse(rows)

	return rows, nil
}

// Events returns the last k NG or DOWN verdicts, most recent first.
func (s *Store) Events(ctx context.Context, k int) ([]telemetry.Event, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.query(ctx, "events",
		`SELECT `+sampleColumns+` FROM samples
		 WHERE is_event = 1 AND status IN ('NG', 'DOWN')
		 ORDER BY seq DESC LIMIT ?`, k)
	if err != nil {
		return nil, err
	}

	events := make([]telemetry.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, telemetry.EventOf(r))
	}

	return events, nil
}

// Counters returns the committed counters, or those of a fresh coil when
// nothing has been committed.
func (s *Store) Counters(ctx context.Context) (telemetry.Counters, error) {
	c := telemetry.NewCounters()
	err := s.db.QueryRowContext(ctx, `
        SELECT coil_life_remaining, ok_count, ng_count, down_count, consecutive_ng
        FROM counters WHERE id = 1
    `).Scan(&c.CoilLifeRemaining, &c.OKCount, &c.NGCount, &c.DownCount, &c.ConsecutiveNG)

	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.NewCounters(), nil
	}
	if err != nil {
		return telemetry.Counters{}, queryError("counters", err)
	}

	return c, nil
}

// Resume returns the point a machine continues from: the committed counters,
// the end of the last row, and the DOWN state when the last row was DOWN.
// A zero-length WARM row is a repair mark and resumes WARM.
func (s *Store) Resume(ctx context.Context, epoch time.Time) (telemetry.Resume, error) {
	r := telemetry.NewResume(epoch)

	counters, err := s.Counters(ctx)
	if err != nil {
		return telemetry.Resume{}, err
	}
	r.Counters = counters

	last, ok, err := s.Latest(ctx)
	if err != nil {
		return telemetry.Resume{}, err
	}
	if !ok {
		return r, nil
	}

	r.Clock = last.End()
	r.Seq = last.Seq
	switch {
	case last.State == telemetry.StateDown || last.Status == telemetry.StatusDown:
		r.State = telemetry.StateDown
		r.Reason = last.Reason
	case last.State == telemetry.StateWarm && last.Duration == 0:
		r.State = telemetry.StateWarm
	}

	return r, nil
}

// Count returns the number of committed samples.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		return 0, queryError("count", err)
	}

	return n, nil
}

func (s *Store) query(ctx context.Context, phase, query string, args ...any) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(phase, err)
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var (
			smp      telemetry.Sample
			simTime  int64
			duration int64
			state    string
			status   string
			event    int
		)
		if err := rows.Scan(
			&smp.Seq, &simTime, &duration,
			&smp.PowerKW, &smp.PartTempC, &smp.WaterTempC,
			&smp.WaterFlowLPM, &smp.WaterPressureBar,
			&smp.ScanSpeedMMS, &smp.TemperingSpeedMMS,
			&smp.PartID, &state, &status, &smp.Reason, &event,
		); err != nil {
			return nil, queryError(phase, err)
		}
		smp.Time = time.UnixMilli(simTime).UTC()
		smp.Duration = time.Duration(duration) * time.Millisecond
		smp.State = telemetry.State(state)
		smp.Status = telemetry.Status(status)
		smp.Event = event == 1
		out = append(out, smp)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(phase, err)
	}

	return out, nil
}

func queryError(phase string, err error) error {
	return errors.New().WithData(ErrQueryFailed, struct {
		Phase string
		Error string
	}{
		Phase: phase,
		Error: err.Error(),
	})
}

func reverse(rows []telemetry.Sample) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
