package store

import (
	"database/sql"

	"codeberg.org/mutker/pvctl/internal/errors"
	"codeberg.org/mutker/pvctl/internal/logger"
)

const (
	SchemaVersion = 1

	// Times are unix milliseconds, JSON documents are TEXT.
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS templates (
	       id          TEXT PRIMARY KEY,
	       name        TEXT NOT NULL,
	       category    TEXT NOT NULL,
	       parameters  TEXT NOT NULL DEFAULT '{}',
	       created_at  INTEGER NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS experiments (
	       id          TEXT PRIMARY KEY,
	       name        TEXT NOT NULL CHECK (length(trim(name)) > 0),
	       description TEXT NOT NULL DEFAULT '',
	       template_id TEXT REFERENCES templates(id) ON DELETE SET NULL,
	       parameters  TEXT NOT NULL DEFAULT '{}',
	       status      TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'cancelled', 'failed')),
	       created_at  INTEGER NOT NULL,
	       started_at  INTEGER,
	       ended_at    INTEGER,
	       created_by  TEXT NOT NULL DEFAULT '',
	       tags        TEXT NOT NULL DEFAULT '[]',
	       results     TEXT
	   );
	   CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments (status);
	   CREATE TABLE IF NOT EXISTS data_points (
	       id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	       experiment_id         TEXT NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
	       timestamp             INTEGER NOT NULL,
	       voltage               REAL,
	       current               REAL,
	       power                 REAL,
	       temperature           REAL,
	       humidity              REAL,
	       irradiance            REAL,
	       efficiency            REAL,
	       fill_factor           REAL,
	       open_circuit_voltage  REAL,
	       short_circuit_current REAL,
	       max_power_voltage     REAL,
	       max_power_current     REAL
	   );
	   CREATE INDEX IF NOT EXISTS idx_data_points_experiment ON data_points (experiment_id, timestamp);
	   CREATE TABLE IF NOT EXISTS devices (
	       id          TEXT PRIMARY KEY,
	       name        TEXT NOT NULL UNIQUE,
	       type        TEXT NOT NULL CHECK (type IN ('power_supply', 'electronic_load', 'multimeter', 'weather_station', 'solar_simulator')),
	       connection  TEXT NOT NULL DEFAULT '{}',
	       status      TEXT NOT NULL CHECK (status IN ('online', 'offline', 'error', 'maintenance')),
	       last_seen   INTEGER,
	       last_error  TEXT NOT NULL DEFAULT ''
	   );
	   CREATE TABLE IF NOT EXISTS alerts (
	       id              TEXT PRIMARY KEY,
	       device_id       TEXT,
	       experiment_id   TEXT REFERENCES experiments(id) ON DELETE SET NULL,
	       type            TEXT NOT NULL CHECK (type IN ('critical', 'error', 'warning', 'info')),
	       category        TEXT NOT NULL CHECK (category IN ('device', 'measurement', 'system', 'safety')),
	       field           TEXT NOT NULL DEFAULT '',
	       message         TEXT NOT NULL,
	       severity        INTEGER NOT NULL CHECK (severity BETWEEN 1 AND 5),
	       created_at      INTEGER NOT NULL,
	       resolved_at     INTEGER,
	       resolved_by     TEXT NOT NULL DEFAULT '',
	       acknowledged_at INTEGER,
	       acknowledged_by TEXT NOT NULL DEFAULT ''
	   );
	   CREATE INDEX IF NOT EXISTS idx_alerts_experiment ON alerts (experiment_id, created_at);`
)

// Dropped in reverse dependency order on migration.
var tables = []string{"alerts", "data_points", "experiments", "devices", "templates", "schema_versions"}

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
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
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

// GetSchemaVersion returns the current schema version, 0 for an empty database
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
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
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
