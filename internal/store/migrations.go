package store

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS forecasts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TEXT NOT NULL,
    model TEXT,
    model_version TEXT,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    cost_usd REAL,
    confidence REAL,
    confidence_report TEXT
);

CREATE TABLE IF NOT EXISTS predictions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    forecast_id INTEGER NOT NULL REFERENCES forecasts(id),
    shore TEXT NOT NULL,
    forecast_time TEXT NOT NULL,
    valid_time TEXT NOT NULL,
    height REAL,
    period REAL,
    direction REAL,
    category TEXT,
    confidence REAL
);

CREATE TABLE IF NOT EXISTS actuals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    buoy_id TEXT NOT NULL,
    observed_at TEXT NOT NULL,
    height REAL,
    period REAL,
    direction REAL,
    source TEXT,
    UNIQUE(buoy_id, observed_at)
);

CREATE TABLE IF NOT EXISTS validations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prediction_id INTEGER NOT NULL REFERENCES predictions(id),
    actual_id INTEGER NOT NULL REFERENCES actuals(id),
    height_error REAL,
    period_error REAL,
    direction_error REAL,
    category_match BOOLEAN,
    validated_at TEXT NOT NULL,
    UNIQUE(prediction_id, actual_id)
);

CREATE INDEX IF NOT EXISTS idx_actuals_buoy_time ON actuals(buoy_id, observed_at);
CREATE INDEX IF NOT EXISTS idx_predictions_shore_valid ON predictions(shore, valid_time);
CREATE INDEX IF NOT EXISTS idx_predictions_forecast ON predictions(forecast_id);
`,
	},
	{
		Version:     2,
		Description: "Source attribution and per-source accuracy stats",
		SQL: `
CREATE TABLE IF NOT EXISTS forecast_sources (
    forecast_id INTEGER NOT NULL REFERENCES forecasts(id),
    source TEXT NOT NULL,
    PRIMARY KEY (forecast_id, source)
);

CREATE TABLE IF NOT EXISTS source_accuracy_stats (
    source TEXT PRIMARY KEY,
    window_days INTEGER NOT NULL,
    sample_size INTEGER NOT NULL,
    height_mae REAL NOT NULL,
    updated_at TEXT NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "Time index on validations for rolling-window queries",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_validations_validated_at ON validations(validated_at);
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC().Format(TimeLayout),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at TEXT
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
