package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/shorecast/internal/metrics"
	"github.com/lox/shorecast/internal/models"
	"github.com/lox/shorecast/internal/swell"
)

// TimeLayout is the canonical timestamp format for every persisted column:
// UTC, second precision, no offset, lexicographically sortable.
const TimeLayout = "2006-01-02 15:04:05"

var timePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

// FormatTime renders a timestamp in the canonical layout, rejecting zero
// times so a missing timestamp can never be silently persisted.
func FormatTime(t time.Time) (string, error) {
	if t.IsZero() {
		return "", fmt.Errorf("zero timestamp")
	}
	return t.UTC().Format(TimeLayout), nil
}

// ParseTime parses a canonical timestamp. Anything outside the exact
// pattern, fractional seconds and offsets included, is rejected rather
// than truncated.
func ParseTime(s string) (time.Time, error) {
	if !timePattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("timestamp %q does not match %s", s, TimeLayout)
	}
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// Store is the durable validation ledger. WAL journaling lets readers run
// concurrently with an in-progress writer; all multi-row writes are
// transactional.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite database at path with the standard pragmas applied.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// withRetry runs a write, retrying transient busy errors with exponential
// backoff. Constraint violations and other real failures are permanent.
func withRetry(fn func() error) error {
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			metrics.StoreWriteRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.Retry(op, bo)
}

// InsertForecast persists a forecast, its predictions, and its contributing
// sources in one transaction. Either everything commits or nothing does.
// Returns the forecast with IDs assigned.
func (s *Store) InsertForecast(f models.Forecast, predictions []models.Prediction) (models.Forecast, []models.Prediction, error) {
	createdAt, err := FormatTime(f.CreatedAt)
	if err != nil {
		return f, nil, fmt.Errorf("forecast created_at: %w", err)
	}

	out := make([]models.Prediction, len(predictions))
	copy(out, predictions)

	err = withRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		res, err := tx.Exec(`
			INSERT INTO forecasts (created_at, model, model_version, prompt_tokens, completion_tokens, cost_usd, confidence, confidence_report)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, createdAt, f.Model, f.ModelVersion, f.PromptTokens, f.CompletionTokens, f.CostUSD, f.Confidence, f.ConfidenceReport)
		if err != nil {
			return fmt.Errorf("insert forecast: %w", err)
		}
		forecastID, err := res.LastInsertId()
		if err != nil {
			return err
		}
		f.ID = forecastID

		for i, p := range out {
			forecastTime, err := FormatTime(p.ForecastTime)
			if err != nil {
				return fmt.Errorf("prediction %d forecast_time: %w", i, err)
			}
			validTime, err := FormatTime(p.ValidTime)
			if err != nil {
				return fmt.Errorf("prediction %d valid_time: %w", i, err)
			}
			res, err := tx.Exec(`
				INSERT INTO predictions (forecast_id, shore, forecast_time, valid_time, height, period, direction, category, confidence)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, forecastID, p.Shore, forecastTime, validTime, p.Height, p.Period, p.Direction, p.Category, p.Confidence)
			if err != nil {
				return fmt.Errorf("insert prediction %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			out[i].ID = id
			out[i].ForecastID = forecastID
		}

		for _, source := range f.Sources {
			if _, err := tx.Exec(`
				INSERT INTO forecast_sources (forecast_id, source) VALUES (?, ?)
				ON CONFLICT(forecast_id, source) DO NOTHING
			`, forecastID, source); err != nil {
				return fmt.Errorf("insert forecast source %s: %w", source, err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return f, nil, err
	}
	return f, out, nil
}

func (s *Store) GetForecast(id int64) (*models.Forecast, error) {
	row := s.db.QueryRow(`
		SELECT id, created_at, model, model_version, prompt_tokens, completion_tokens, cost_usd, confidence, confidence_report
		FROM forecasts WHERE id = ?
	`, id)

	f, err := scanForecast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT source FROM forecast_sources WHERE forecast_id = ? ORDER BY source`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		f.Sources = append(f.Sources, source)
	}
	return f, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanForecast(row rowScanner) (*models.Forecast, error) {
	var f models.Forecast
	var createdAt string
	err := row.Scan(&f.ID, &createdAt, &f.Model, &f.ModelVersion,
		&f.PromptTokens, &f.CompletionTokens, &f.CostUSD, &f.Confidence, &f.ConfidenceReport)
	if err != nil {
		return nil, err
	}
	if f.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &f, nil
}

const predictionColumns = `id, forecast_id, shore, forecast_time, valid_time, height, period, direction, category, confidence`

func scanPrediction(row rowScanner) (models.Prediction, error) {
	var p models.Prediction
	var forecastTime, validTime string
	err := row.Scan(&p.ID, &p.ForecastID, &p.Shore, &forecastTime, &validTime,
		&p.Height, &p.Period, &p.Direction, &p.Category, &p.Confidence)
	if err != nil {
		return p, err
	}
	if p.ForecastTime, err = ParseTime(forecastTime); err != nil {
		return p, err
	}
	if p.ValidTime, err = ParseTime(validTime); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Store) GetPredictions(forecastID int64) ([]models.Prediction, error) {
	rows, err := s.db.Query(`
		SELECT `+predictionColumns+` FROM predictions
		WHERE forecast_id = ?
		ORDER BY valid_time ASC, id ASC
	`, forecastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// GetPredictionsForShore serves windowed accuracy queries via the composite
// (shore, valid_time) index.
func (s *Store) GetPredictionsForShore(shore string, start, end time.Time) ([]models.Prediction, error) {
	startStr, err := FormatTime(start)
	if err != nil {
		return nil, err
	}
	endStr, err := FormatTime(end)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT `+predictionColumns+` FROM predictions
		WHERE shore = ? AND valid_time >= ? AND valid_time <= ?
		ORDER BY valid_time ASC, id ASC
	`, shore, startStr, endStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// UnvalidatedPredictions returns predictions whose valid time has passed and
// which have no validation row yet, oldest first.
func (s *Store) UnvalidatedPredictions(asOf time.Time) ([]models.Prediction, error) {
	asOfStr, err := FormatTime(asOf)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT p.id, p.forecast_id, p.shore, p.forecast_time, p.valid_time, p.height, p.period, p.direction, p.category, p.confidence
		FROM predictions p
		LEFT JOIN validations v ON v.prediction_id = p.id
		WHERE v.id IS NULL AND p.valid_time <= ?
		ORDER BY p.valid_time ASC, p.id ASC
	`, asOfStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

func (s *Store) InsertActual(a models.Actual) (int64, error) {
	observedAt, err := FormatTime(a.ObservedAt)
	if err != nil {
		return 0, fmt.Errorf("actual observed_at: %w", err)
	}

	var id int64
	err = withRetry(func() error {
		res, err := s.db.Exec(`
			INSERT INTO actuals (buoy_id, observed_at, height, period, direction, source)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(buoy_id, observed_at) DO NOTHING
		`, a.BuoyID, observedAt, a.Height, a.Period, a.Direction, a.Source)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

const actualColumns = `id, buoy_id, observed_at, height, period, direction, source`

func scanActual(row rowScanner) (models.Actual, error) {
	var a models.Actual
	var observedAt string
	err := row.Scan(&a.ID, &a.BuoyID, &observedAt, &a.Height, &a.Period, &a.Direction, &a.Source)
	if err != nil {
		return a, err
	}
	if a.ObservedAt, err = ParseTime(observedAt); err != nil {
		return a, err
	}
	return a, nil
}

// NearestActual returns the actual observation from the given buoys closest
// to target within the symmetric window, or nil when none exists. The
// per-buoy time index bounds the scan to the window.
func (s *Store) NearestActual(buoyIDs []string, target time.Time, window time.Duration) (*models.Actual, error) {
	if len(buoyIDs) == 0 {
		return nil, nil
	}

	targetStr, err := FormatTime(target)
	if err != nil {
		return nil, err
	}
	startStr, err := FormatTime(target.Add(-window))
	if err != nil {
		return nil, err
	}
	endStr, err := FormatTime(target.Add(window))
	if err != nil {
		return nil, err
	}

	placeholders := strings.Repeat("?,", len(buoyIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(buoyIDs)+3)
	for _, id := range buoyIDs {
		args = append(args, id)
	}
	args = append(args, startStr, endStr, targetStr)

	row := s.db.QueryRow(`
		SELECT `+actualColumns+` FROM actuals
		WHERE buoy_id IN (`+placeholders+`) AND observed_at >= ? AND observed_at <= ?
		ORDER BY ABS(strftime('%s', observed_at) - strftime('%s', ?)) ASC, observed_at ASC, id ASC
		LIMIT 1
	`, args...)

	a, err := scanActual(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) GetActuals(buoyID string, start, end time.Time) ([]models.Actual, error) {
	startStr, err := FormatTime(start)
	if err != nil {
		return nil, err
	}
	endStr, err := FormatTime(end)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT `+actualColumns+` FROM actuals
		WHERE buoy_id = ? AND observed_at >= ? AND observed_at <= ?
		ORDER BY observed_at ASC
	`, buoyID, startStr, endStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actuals []models.Actual
	for rows.Next() {
		a, err := scanActual(rows)
		if err != nil {
			return nil, err
		}
		actuals = append(actuals, a)
	}
	return actuals, rows.Err()
}

// InsertValidation appends one validation row. The UNIQUE(prediction_id,
// actual_id) constraint makes re-running validation for an already-matched
// pair fail rather than rewrite history; callers skip matched predictions
// up front.
func (s *Store) InsertValidation(v models.Validation) (int64, error) {
	validatedAt, err := FormatTime(v.ValidatedAt)
	if err != nil {
		return 0, fmt.Errorf("validation validated_at: %w", err)
	}

	var id int64
	err = withRetry(func() error {
		res, err := s.db.Exec(`
			INSERT INTO validations (prediction_id, actual_id, height_error, period_error, direction_error, category_match, validated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.PredictionID, v.ActualID, v.HeightError, v.PeriodError, v.DirectionError, v.CategoryMatch, validatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

const validationColumns = `id, prediction_id, actual_id, height_error, period_error, direction_error, category_match, validated_at`

func scanValidation(row rowScanner) (models.Validation, error) {
	var v models.Validation
	var validatedAt string
	err := row.Scan(&v.ID, &v.PredictionID, &v.ActualID,
		&v.HeightError, &v.PeriodError, &v.DirectionError, &v.CategoryMatch, &validatedAt)
	if err != nil {
		return v, err
	}
	if v.ValidatedAt, err = ParseTime(validatedAt); err != nil {
		return v, err
	}
	return v, nil
}

func (s *Store) GetValidationsForPrediction(predictionID int64) ([]models.Validation, error) {
	rows, err := s.db.Query(`
		SELECT `+validationColumns+` FROM validations
		WHERE prediction_id = ?
		ORDER BY validated_at ASC, id ASC
	`, predictionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var validations []models.Validation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		validations = append(validations, v)
	}
	return validations, rows.Err()
}

// ForecastAccuracy aggregates MAE/RMSE over a forecast's matched
// validations. A forecast with zero matches gets invalid (null) aggregates,
// never zero.
func (s *Store) ForecastAccuracy(forecastID int64) (models.ForecastAccuracy, error) {
	acc := models.ForecastAccuracy{ForecastID: forecastID}

	var meanSquare sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COUNT(v.id),
		       AVG(ABS(v.height_error)),
		       AVG(v.height_error * v.height_error),
		       AVG(ABS(v.period_error))
		FROM validations v
		JOIN predictions p ON v.prediction_id = p.id
		WHERE p.forecast_id = ?
	`, forecastID).Scan(&acc.Matched, &acc.HeightMAE, &meanSquare, &acc.PeriodMAE)
	if err != nil {
		return acc, err
	}

	if meanSquare.Valid {
		acc.HeightRMSE = sql.NullFloat64{Float64: math.Sqrt(meanSquare.Float64), Valid: true}
	}
	return acc, nil
}

// SourceAccuracyRow is one upserted per-source rolling-window aggregate.
type SourceAccuracyRow struct {
	Source     string
	WindowDays int
	SampleSize int
	HeightMAE  float64
	UpdatedAt  time.Time
}

func (s *Store) UpsertSourceAccuracy(row SourceAccuracyRow) error {
	updatedAt, err := FormatTime(row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("source accuracy updated_at: %w", err)
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO source_accuracy_stats (source, window_days, sample_size, height_mae, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source) DO UPDATE SET
				window_days = excluded.window_days,
				sample_size = excluded.sample_size,
				height_mae = excluded.height_mae,
				updated_at = excluded.updated_at
		`, row.Source, row.WindowDays, row.SampleSize, row.HeightMAE, updatedAt)
		return err
	})
}

// SourceErrorStats computes, per contributing source, the sample size and
// height MAE over validations inside the rolling window. Errors attribute to
// every source recorded against the containing forecast.
func (s *Store) SourceErrorStats(windowDays int) ([]SourceAccuracyRow, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -windowDays)
	cutoffStr, err := FormatTime(cutoff)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT fs.source, COUNT(v.id), AVG(ABS(v.height_error))
		FROM validations v
		JOIN predictions p ON v.prediction_id = p.id
		JOIN forecast_sources fs ON fs.forecast_id = p.forecast_id
		WHERE v.validated_at >= ? AND v.height_error IS NOT NULL
		GROUP BY fs.source
		ORDER BY fs.source
	`, cutoffStr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SourceAccuracyRow
	for rows.Next() {
		var row SourceAccuracyRow
		var mae sql.NullFloat64
		if err := rows.Scan(&row.Source, &row.SampleSize, &mae); err != nil {
			return nil, err
		}
		if !mae.Valid {
			continue
		}
		row.WindowDays = windowDays
		row.HeightMAE = mae.Float64
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

// AccuracySnapshot reads the per-source accuracy table into a snapshot for
// the reliability scorer. The context bounds the read; callers fall back to
// static priors when it expires.
func (s *Store) AccuracySnapshot(ctx context.Context, windowDays int) (swell.AccuracySnapshot, error) {
	snapshot := swell.AccuracySnapshot{
		TakenAt:    time.Now().UTC(),
		WindowDays: windowDays,
		Sources:    make(map[string]swell.SourceAccuracy),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, sample_size, height_mae FROM source_accuracy_stats
	`)
	if err != nil {
		return snapshot, err
	}
	defer rows.Close()

	for rows.Next() {
		var source string
		var acc swell.SourceAccuracy
		if err := rows.Scan(&source, &acc.SampleSize, &acc.HeightMAE); err != nil {
			return snapshot, err
		}
		snapshot.Sources[source] = acc
	}
	return snapshot, rows.Err()
}

// GetSourceAccuracyStats lists the current per-source accuracy rows.
func (s *Store) GetSourceAccuracyStats() ([]SourceAccuracyRow, error) {
	rows, err := s.db.Query(`
		SELECT source, window_days, sample_size, height_mae, updated_at
		FROM source_accuracy_stats
		ORDER BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SourceAccuracyRow
	for rows.Next() {
		var row SourceAccuracyRow
		var updatedAt string
		if err := rows.Scan(&row.Source, &row.WindowDays, &row.SampleSize, &row.HeightMAE, &updatedAt); err != nil {
			return nil, err
		}
		if row.UpdatedAt, err = ParseTime(updatedAt); err != nil {
			return nil, err
		}
		stats = append(stats, row)
	}
	return stats, rows.Err()
}
