package store

import (
	"context"
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/lox/shorecast/internal/models"
	_ "modernc.org/sqlite"
)

var testNow = time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// In-memory databases are per-connection; pin the pool to one.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := New(db)
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func tf(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: true}
}

func testForecast() models.Forecast {
	return models.Forecast{
		CreatedAt:  testNow,
		Model:      "fusion",
		Confidence: tf(0.8),
		Sources:    []string{"buoy-a", "wave-model-1"},
	}
}

func testPrediction(shore string, validTime time.Time, height float64) models.Prediction {
	return models.Prediction{
		Shore:        shore,
		ForecastTime: testNow,
		ValidTime:    validTime,
		Height:       tf(height),
		Period:       tf(10),
		Direction:    tf(200),
		Category:     sql.NullString{String: string(models.HeightCategory(height)), Valid: true},
		Confidence:   tf(0.8),
	}
}

func TestMigrate(t *testing.T) {
	s := setupTestStore(t)

	version, err := s.MigrationVersion()
	if err != nil {
		t.Fatalf("migration version: %v", err)
	}
	if version != 3 {
		t.Errorf("migration version = %d, want 3", version)
	}

	// Re-running must be a no-op.
	if err := s.Migrate(); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
}

func TestFormatTime(t *testing.T) {
	got, err := FormatTime(testNow)
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if got != "2026-02-10 06:00:00" {
		t.Errorf("FormatTime = %q, want %q", got, "2026-02-10 06:00:00")
	}

	if _, err := FormatTime(time.Time{}); err == nil {
		t.Error("FormatTime accepted the zero time")
	}

	// Non-UTC input normalizes to UTC.
	loc := time.FixedZone("AEST", 10*3600)
	got, err = FormatTime(time.Date(2026, 2, 10, 16, 0, 0, 0, loc))
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if got != "2026-02-10 06:00:00" {
		t.Errorf("FormatTime(AEST) = %q, want UTC rendering", got)
	}
}

func TestParseTime(t *testing.T) {
	got, err := ParseTime("2026-02-10 06:00:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(testNow) {
		t.Errorf("ParseTime = %v, want %v", got, testNow)
	}

	for _, bad := range []string{
		"2026-02-10T06:00:00Z",
		"2026-02-10 06:00:00.123",
		"2026-02-10 06:00:00+10:00",
		"2026-02-10 06:00",
		"",
		"not a time",
	} {
		if _, err := ParseTime(bad); err == nil {
			t.Errorf("ParseTime(%q) succeeded, want rejection", bad)
		}
	}
}

func TestInsertForecast(t *testing.T) {
	s := setupTestStore(t)

	predictions := []models.Prediction{
		testPrediction("north-shore", testNow.Add(6*time.Hour), 1.5),
		testPrediction("north-shore", testNow.Add(12*time.Hour), 2.2),
	}

	f, out, err := s.InsertForecast(testForecast(), predictions)
	if err != nil {
		t.Fatalf("insert forecast: %v", err)
	}
	if f.ID == 0 {
		t.Error("forecast ID not assigned")
	}
	for i, p := range out {
		if p.ID == 0 {
			t.Errorf("prediction %d ID not assigned", i)
		}
		if p.ForecastID != f.ID {
			t.Errorf("prediction %d forecast_id = %d, want %d", i, p.ForecastID, f.ID)
		}
	}

	got, err := s.GetForecast(f.ID)
	if err != nil {
		t.Fatalf("get forecast: %v", err)
	}
	if got == nil {
		t.Fatal("forecast not found after insert")
	}
	if !got.CreatedAt.Equal(testNow) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, testNow)
	}
	if len(got.Sources) != 2 || got.Sources[0] != "buoy-a" || got.Sources[1] != "wave-model-1" {
		t.Errorf("sources = %v, want [buoy-a wave-model-1]", got.Sources)
	}

	stored, err := s.GetPredictions(f.ID)
	if err != nil {
		t.Fatalf("get predictions: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("len(predictions) = %d, want 2", len(stored))
	}
	if stored[0].Height != tf(1.5) {
		t.Errorf("predictions[0].Height = %v, want 1.5", stored[0].Height)
	}
}

func TestInsertForecast_RollsBackOnBadPrediction(t *testing.T) {
	s := setupTestStore(t)

	bad := testPrediction("north-shore", time.Time{}, 1.5)
	if _, _, err := s.InsertForecast(testForecast(), []models.Prediction{bad}); err == nil {
		t.Fatal("insert with zero valid_time succeeded, want error")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM forecasts`).Scan(&count); err != nil {
		t.Fatalf("count forecasts: %v", err)
	}
	if count != 0 {
		t.Errorf("forecasts after rollback = %d, want 0", count)
	}
}

func TestGetForecast_NotFound(t *testing.T) {
	s := setupTestStore(t)

	got, err := s.GetForecast(999)
	if err != nil {
		t.Fatalf("get forecast: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing forecast", got)
	}
}

func TestInsertActual_Dedupes(t *testing.T) {
	s := setupTestStore(t)

	a := models.Actual{
		BuoyID:     "waverider-1",
		ObservedAt: testNow,
		Height:     tf(1.4),
		Source:     "mhl",
	}
	if _, err := s.InsertActual(a); err != nil {
		t.Fatalf("insert actual: %v", err)
	}
	if _, err := s.InsertActual(a); err != nil {
		t.Fatalf("re-insert actual: %v", err)
	}

	actuals, err := s.GetActuals("waverider-1", testNow.Add(-time.Hour), testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("get actuals: %v", err)
	}
	if len(actuals) != 1 {
		t.Errorf("len(actuals) = %d, want 1 after duplicate insert", len(actuals))
	}
}

func TestNearestActual(t *testing.T) {
	s := setupTestStore(t)

	for _, offset := range []time.Duration{-2 * time.Hour, 30 * time.Minute, 5 * time.Hour} {
		a := models.Actual{
			BuoyID:     "waverider-1",
			ObservedAt: testNow.Add(offset),
			Height:     tf(1 + offset.Hours()),
			Source:     "mhl",
		}
		if _, err := s.InsertActual(a); err != nil {
			t.Fatalf("insert actual: %v", err)
		}
	}

	got, err := s.NearestActual([]string{"waverider-1"}, testNow, 3*time.Hour)
	if err != nil {
		t.Fatalf("nearest actual: %v", err)
	}
	if got == nil {
		t.Fatal("no actual found, want the +30m observation")
	}
	if !got.ObservedAt.Equal(testNow.Add(30 * time.Minute)) {
		t.Errorf("nearest observed_at = %v, want %v", got.ObservedAt, testNow.Add(30*time.Minute))
	}

	// Nothing inside a tight window.
	got, err = s.NearestActual([]string{"waverider-1"}, testNow.Add(-10*time.Hour), time.Hour)
	if err != nil {
		t.Fatalf("nearest actual: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil outside the window", got)
	}

	// Unknown buoys and empty buoy lists match nothing.
	if got, _ := s.NearestActual([]string{"other-buoy"}, testNow, 3*time.Hour); got != nil {
		t.Errorf("got %+v for unknown buoy, want nil", got)
	}
	if got, _ := s.NearestActual(nil, testNow, 3*time.Hour); got != nil {
		t.Errorf("got %+v for empty buoy list, want nil", got)
	}
}

func TestUnvalidatedPredictions(t *testing.T) {
	s := setupTestStore(t)

	predictions := []models.Prediction{
		testPrediction("north-shore", testNow.Add(-2*time.Hour), 1.5),
		testPrediction("north-shore", testNow.Add(6*time.Hour), 2.0),
	}
	_, out, err := s.InsertForecast(testForecast(), predictions)
	if err != nil {
		t.Fatalf("insert forecast: %v", err)
	}

	// Only the prediction whose valid time has passed is due.
	due, err := s.UnvalidatedPredictions(testNow)
	if err != nil {
		t.Fatalf("unvalidated predictions: %v", err)
	}
	if len(due) != 1 || due[0].ID != out[0].ID {
		t.Fatalf("due = %+v, want just the past prediction", due)
	}

	actualID, err := s.InsertActual(models.Actual{
		BuoyID: "waverider-1", ObservedAt: testNow.Add(-2 * time.Hour), Height: tf(1.4), Source: "mhl",
	})
	if err != nil {
		t.Fatalf("insert actual: %v", err)
	}
	_, err = s.InsertValidation(models.Validation{
		PredictionID: out[0].ID,
		ActualID:     actualID,
		HeightError:  tf(0.1),
		ValidatedAt:  testNow,
	})
	if err != nil {
		t.Fatalf("insert validation: %v", err)
	}

	due, err = s.UnvalidatedPredictions(testNow)
	if err != nil {
		t.Fatalf("unvalidated predictions: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("due after validation = %+v, want none", due)
	}
}

func TestInsertValidation_ForeignKeys(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.InsertValidation(models.Validation{
		PredictionID: 12345,
		ActualID:     67890,
		ValidatedAt:  testNow,
	})
	if err == nil {
		t.Error("validation against missing prediction and actual succeeded, want FK error")
	}
}

func TestInsertValidation_AppendOnly(t *testing.T) {
	s := setupTestStore(t)

	_, out, err := s.InsertForecast(testForecast(), []models.Prediction{
		testPrediction("north-shore", testNow.Add(-time.Hour), 1.5),
	})
	if err != nil {
		t.Fatalf("insert forecast: %v", err)
	}
	actualID, err := s.InsertActual(models.Actual{
		BuoyID: "waverider-1", ObservedAt: testNow.Add(-time.Hour), Height: tf(1.2), Source: "mhl",
	})
	if err != nil {
		t.Fatalf("insert actual: %v", err)
	}

	v := models.Validation{
		PredictionID: out[0].ID,
		ActualID:     actualID,
		HeightError:  tf(0.3),
		ValidatedAt:  testNow,
	}
	if _, err := s.InsertValidation(v); err != nil {
		t.Fatalf("insert validation: %v", err)
	}

	// The same pair cannot be rewritten.
	if _, err := s.InsertValidation(v); err == nil {
		t.Error("duplicate validation for the same pair succeeded, want unique constraint error")
	}

	validations, err := s.GetValidationsForPrediction(out[0].ID)
	if err != nil {
		t.Fatalf("get validations: %v", err)
	}
	if len(validations) != 1 {
		t.Fatalf("len(validations) = %d, want 1", len(validations))
	}
	if validations[0].HeightError != tf(0.3) {
		t.Errorf("height_error = %v, want 0.3", validations[0].HeightError)
	}
}

func TestForecastAccuracy(t *testing.T) {
	s := setupTestStore(t)

	f, out, err := s.InsertForecast(testForecast(), []models.Prediction{
		testPrediction("north-shore", testNow.Add(-2*time.Hour), 2.0),
		testPrediction("north-shore", testNow.Add(-time.Hour), 1.0),
	})
	if err != nil {
		t.Fatalf("insert forecast: %v", err)
	}

	// No matches yet: aggregates are null, never zero.
	acc, err := s.ForecastAccuracy(f.ID)
	if err != nil {
		t.Fatalf("forecast accuracy: %v", err)
	}
	if acc.Matched != 0 {
		t.Errorf("matched = %d, want 0", acc.Matched)
	}
	if acc.HeightMAE.Valid || acc.HeightRMSE.Valid || acc.PeriodMAE.Valid {
		t.Errorf("aggregates with no matches = %+v, want all invalid", acc)
	}

	// Errors 0.5 and -0.2 metres.
	for i, pair := range []struct {
		predicted models.Prediction
		actual    float64
	}{
		{out[0], 1.5},
		{out[1], 1.2},
	} {
		actualID, err := s.InsertActual(models.Actual{
			BuoyID:     "waverider-1",
			ObservedAt: pair.predicted.ValidTime,
			Height:     tf(pair.actual),
			Source:     "mhl",
		})
		if err != nil {
			t.Fatalf("insert actual %d: %v", i, err)
		}
		_, err = s.InsertValidation(models.Validation{
			PredictionID: pair.predicted.ID,
			ActualID:     actualID,
			HeightError:  tf(pair.predicted.Height.Float64 - pair.actual),
			ValidatedAt:  testNow,
		})
		if err != nil {
			t.Fatalf("insert validation %d: %v", i, err)
		}
	}

	acc, err = s.ForecastAccuracy(f.ID)
	if err != nil {
		t.Fatalf("forecast accuracy: %v", err)
	}
	if acc.Matched != 2 {
		t.Errorf("matched = %d, want 2", acc.Matched)
	}
	if !acc.HeightMAE.Valid || math.Abs(acc.HeightMAE.Float64-0.35) > 1e-9 {
		t.Errorf("height MAE = %v, want 0.35", acc.HeightMAE)
	}
	wantRMSE := math.Sqrt((0.25 + 0.04) / 2)
	if !acc.HeightRMSE.Valid || math.Abs(acc.HeightRMSE.Float64-wantRMSE) > 1e-9 {
		t.Errorf("height RMSE = %v, want %v", acc.HeightRMSE, wantRMSE)
	}
}

func TestSourceAccuracyRoundTrip(t *testing.T) {
	s := setupTestStore(t)

	row := SourceAccuracyRow{
		Source:     "buoy-a",
		WindowDays: 30,
		SampleSize: 12,
		HeightMAE:  0.25,
		UpdatedAt:  testNow,
	}
	if err := s.UpsertSourceAccuracy(row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Upsert replaces, never duplicates.
	row.SampleSize = 15
	row.HeightMAE = 0.22
	if err := s.UpsertSourceAccuracy(row); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	stats, err := s.GetSourceAccuracyStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	if stats[0].SampleSize != 15 || stats[0].HeightMAE != 0.22 {
		t.Errorf("stats[0] = %+v, want updated values", stats[0])
	}

	snapshot, err := s.AccuracySnapshot(context.Background(), 30)
	if err != nil {
		t.Fatalf("accuracy snapshot: %v", err)
	}
	acc, ok := snapshot.Sources["buoy-a"]
	if !ok {
		t.Fatal("snapshot missing buoy-a")
	}
	if acc.SampleSize != 15 || acc.HeightMAE != 0.22 {
		t.Errorf("snapshot entry = %+v, want sample 15 mae 0.22", acc)
	}
}

func TestSourceErrorStats(t *testing.T) {
	s := setupTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	f := testForecast()
	f.CreatedAt = now.Add(-2 * time.Hour)

	_, out, err := s.InsertForecast(f, []models.Prediction{
		testPrediction("north-shore", now.Add(-time.Hour), 1.8),
	})
	if err != nil {
		t.Fatalf("insert forecast: %v", err)
	}
	actualID, err := s.InsertActual(models.Actual{
		BuoyID: "waverider-1", ObservedAt: now.Add(-time.Hour), Height: tf(1.5), Source: "mhl",
	})
	if err != nil {
		t.Fatalf("insert actual: %v", err)
	}
	if _, err := s.InsertValidation(models.Validation{
		PredictionID: out[0].ID,
		ActualID:     actualID,
		HeightError:  tf(0.3),
		ValidatedAt:  now,
	}); err != nil {
		t.Fatalf("insert validation: %v", err)
	}

	stats, err := s.SourceErrorStats(30)
	if err != nil {
		t.Fatalf("source error stats: %v", err)
	}
	// The error attributes to both contributing sources of the forecast.
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2: %+v", len(stats), stats)
	}
	for _, row := range stats {
		if row.SampleSize != 1 {
			t.Errorf("source %s sample = %d, want 1", row.Source, row.SampleSize)
		}
		if math.Abs(row.HeightMAE-0.3) > 1e-9 {
			t.Errorf("source %s mae = %v, want 0.3", row.Source, row.HeightMAE)
		}
	}
}
