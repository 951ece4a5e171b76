package store

import (
	"database/sql"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/logger"
)

const (
	SchemaVersion = 1 // Increment version for breaking change

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	       sim_time            INTEGER NOT NULL CHECK (typeof(sim_time) = 'integer'),
	       duration_ms         INTEGER NOT NULL CHECK (duration_ms >= 0),
	       power_kw            REAL NOT NULL CHECK (power_kw >= 0),
	       part_temp_c         REAL NOT NULL,
	       water_temp_c        REAL NOT NULL,
	       water_flow_lpm      REAL NOT NULL CHECK (water_flow_lpm >= 0),
	       water_pressure_bar  REAL NOT NULL CHECK (water_pressure_bar >= 0),
	       scan_speed_mms      REAL NOT NULL CHECK (scan_speed_mms >= 0),
	       tempering_speed_mms REAL NOT NULL CHECK (tempering_speed_mms >= 0),
	       part_id             TEXT NOT NULL,
	       machine_state       TEXT NOT NULL,
	       status              TEXT NOT NULL CHECK (status IN ('OK', 'NG', 'DOWN')),
	       reason              TEXT NOT NULL,
	       is_event            INTEGER NOT NULL CHECK (is_event IN (0, 1)),
	       source              TEXT NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS samples_sim_time ON samples (sim_time);
	   CREATE INDEX IF NOT EXISTS samples_event ON samples (is_event, seq);
	   CREATE TABLE IF NOT EXISTS counters (
	       id                  INTEGER PRIMARY KEY CHECK (id = 1),
	       coil_life_remaining INTEGER NOT NULL CHECK (typeof(coil_life_remaining) = 'integer'),
	       ok_count            INTEGER NOT NULL CHECK (ok_count >= 0),
	       ng_count            INTEGER NOT NULL CHECK (ng_count >= 0),
	       down_count          INTEGER NOT NULL CHECK (down_count >= 0),
	       consecutive_ng      INTEGER NOT NULL CHECK (consecutive_ng >= 0),
	       updated_at          TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       id          INTEGER PRIMARY KEY AUTOINCREMENT,
	       mode        TEXT NOT NULL,
	       started_at  TEXT NOT NULL,
	       finished_at TEXT,
	       target_rows INTEGER NOT NULL,
	       rows        INTEGER NOT NULL DEFAULT 0,
	       status      TEXT NOT NULL
	   );`

	insertSampleSQL = `
    INSERT INTO samples (
        sim_time, duration_ms,
        power_kw, part_temp_c, water_temp_c,
        water_flow_lpm, water_pressure_bar,
        scan_speed_mms, tempering_speed_mms,
        part_id, machine_state, status, reason,
        is_event, source
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertCountersSQL = `
    INSERT INTO counters (
        id, coil_life_remaining, ok_count, ng_count, down_count, consecutive_ng, updated_at
    ) VALUES (1, ?, ?, ?, ?, ?, datetime('now'))
    ON CONFLICT (id) DO UPDATE SET
        coil_life_remaining = excluded.coil_life_remaining,
        ok_count            = excluded.ok_count,
        ng_count            = excluded.ng_count,
        down_count          = excluded.down_count,
        consecutive_ng      = excluded.consecutive_ng,
        updated_at          = excluded.updated_at`

	sampleColumns = `
        seq, sim_time, duration_ms,
        power_kw, part_temp_c, water_temp_c,
        water_flow_lpm, water_pressure_bar,
        scan_speed_mms, tempering_speed_mms,
        part_id, machine_state, status, reason, is_event`
)

// dataTables are dropped on reset and on a schema change.
var dataTables = []string{"samples", "counters", "runs"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}

	return exists, nil
}
