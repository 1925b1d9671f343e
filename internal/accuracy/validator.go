package accuracy

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lox/shorecast/internal/metrics"
	"github.com/lox/shorecast/internal/models"
	"github.com/lox/shorecast/internal/store"
	"github.com/lox/shorecast/internal/swell"
)

// DefaultMatchWindow is the symmetric search window around a prediction's
// valid time.
const DefaultMatchWindow = 3 * time.Hour

// PredictionStatus is the derived per-prediction lifecycle state.
type PredictionStatus string

const (
	StatusPending   PredictionStatus = "pending"
	StatusValidated PredictionStatus = "validated"
	StatusUnmatched PredictionStatus = "unmatched"
)

// Validator matches past predictions to subsequently collected buoy
// observations and appends error rows to the validation ledger. Writes for
// any one forecast are serialized through a per-forecast lock; readers are
// never blocked (WAL).
type Validator struct {
	store      *store.Store
	window     time.Duration
	shoreBuoys map[string][]string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewValidator builds a validator. shoreBuoys maps each shore label to the
// buoys whose observations count as ground truth for it.
func NewValidator(st *store.Store, window time.Duration, shoreBuoys map[string][]string) *Validator {
	if window <= 0 {
		window = DefaultMatchWindow
	}
	return &Validator{
		store:      st,
		window:     window,
		shoreBuoys: shoreBuoys,
		locks:      make(map[int64]*sync.Mutex),
	}
}

func (v *Validator) forecastLock(forecastID int64) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[forecastID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[forecastID] = l
	}
	return l
}

// Summary reports one validation run.
type Summary struct {
	Examined     int
	Matched      int
	WindowMisses int
	NoBuoys      int
}

// ValidatePending examines every prediction whose valid time has passed and
// has no validation row. A prediction with no Actual inside the window stays
// unvalidated; a miss is never recorded as a zero-error match. Already
// validated predictions are excluded by the query, so re-running is a no-op
// for them, while a late-arriving Actual for a previously unmatched
// prediction produces its row on the next run.
func (v *Validator) ValidatePending(now time.Time) (Summary, error) {
	var summary Summary

	pending, err := v.store.UnvalidatedPredictions(now)
	if err != nil {
		return summary, fmt.Errorf("list unvalidated predictions: %w", err)
	}

	byForecast := make(map[int64][]models.Prediction)
	var order []int64
	for _, p := range pending {
		if _, ok := byForecast[p.ForecastID]; !ok {
			order = append(order, p.ForecastID)
		}
		byForecast[p.ForecastID] = append(byForecast[p.ForecastID], p)
	}

	for _, forecastID := range order {
		lock := v.forecastLock(forecastID)
		lock.Lock()
		if err := v.validateForecast(byForecast[forecastID], now, &summary); err != nil {
			lock.Unlock()
			return summary, err
		}
		lock.Unlock()
	}

	log.Printf("validate: examined %d predictions, matched %d, %d window misses",
		summary.Examined, summary.Matched, summary.WindowMisses)
	return summary, nil
}

func (v *Validator) validateForecast(predictions []models.Prediction, now time.Time, summary *Summary) error {
	for _, p := range predictions {
		summary.Examined++

		buoys := v.shoreBuoys[p.Shore]
		if len(buoys) == 0 {
			log.Printf("validate: no buoys configured for shore %s", p.Shore)
			summary.NoBuoys++
			continue
		}

		actual, err := v.store.NearestActual(buoys, p.ValidTime, v.window)
		if err != nil {
			return fmt.Errorf("nearest actual for prediction %d: %w", p.ID, err)
		}
		if actual == nil {
			// ValidationWindowMiss: expected, not an error.
			metrics.ValidationsTotal.WithLabelValues("window_miss").Inc()
			summary.WindowMisses++
			continue
		}

		val := BuildValidation(p, *actual, now)
		if _, err := v.store.InsertValidation(val); err != nil {
			return fmt.Errorf("insert validation for prediction %d: %w", p.ID, err)
		}
		metrics.ValidationsTotal.WithLabelValues("matched").Inc()
		summary.Matched++
	}
	return nil
}

// BuildValidation derives the error fields for a matched pair. Each error is
// present only when both sides carry the field; direction error is the
// circular difference wrapped to [-180, 180].
func BuildValidation(p models.Prediction, a models.Actual, now time.Time) models.Validation {
	v := models.Validation{
		PredictionID: p.ID,
		ActualID:     a.ID,
		ValidatedAt:  now,
	}

	if p.Height.Valid && a.Height.Valid {
		v.HeightError = sql.NullFloat64{Float64: p.Height.Float64 - a.Height.Float64, Valid: true}
		v.CategoryMatch = sql.NullBool{
			Bool:  models.HeightCategory(p.Height.Float64) == models.HeightCategory(a.Height.Float64),
			Valid: true,
		}
	}
	if p.Period.Valid && a.Period.Valid {
		v.PeriodError = sql.NullFloat64{Float64: p.Period.Float64 - a.Period.Float64, Valid: true}
	}
	if p.Direction.Valid && a.Direction.Valid {
		v.DirectionError = sql.NullFloat64{
			Float64: swell.CircularDiff(p.Direction.Float64, a.Direction.Float64),
			Valid:   true,
		}
	}
	return v
}

// Status derives the lifecycle state of a prediction: validated once any
// validation row exists, unmatched once the match window has fully elapsed
// with none, pending otherwise.
func (v *Validator) Status(p models.Prediction, now time.Time) (PredictionStatus, error) {
	validations, err := v.store.GetValidationsForPrediction(p.ID)
	if err != nil {
		return "", err
	}
	if len(validations) > 0 {
		return StatusValidated, nil
	}
	if now.After(p.ValidTime.Add(v.window)) {
		return StatusUnmatched, nil
	}
	return StatusPending, nil
}
