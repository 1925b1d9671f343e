package accuracy

import (
	"log"
	"time"

	"github.com/lox/shorecast/internal/store"
)

// Jobs runs the periodic accuracy maintenance: validating pending
// predictions and refreshing per-source accuracy stats that feed the
// reliability scorer.
type Jobs struct {
	store     *store.Store
	validator *Validator
}

func NewJobs(st *store.Store, v *Validator) *Jobs {
	return &Jobs{store: st, validator: v}
}

// RunAll validates pending predictions and recomputes source stats. Stats
// refresh failures are logged, not fatal: validation rows are already
// durable and the next run recovers.
func (j *Jobs) RunAll(now time.Time, windowDays int) (Summary, error) {
	summary, err := j.validator.ValidatePending(now)
	if err != nil {
		return summary, err
	}

	if err := j.ComputeSourceStats(windowDays); err != nil {
		log.Printf("accuracy: source stats refresh: %v", err)
	}
	return summary, nil
}

// ComputeSourceStats aggregates each source's rolling-window height MAE from
// the validation ledger and upserts it for the reliability scorer to read.
func (j *Jobs) ComputeSourceStats(windowDays int) error {
	stats, err := j.store.SourceErrorStats(windowDays)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, row := range stats {
		row.UpdatedAt = now
		if err := j.store.UpsertSourceAccuracy(row); err != nil {
			return err
		}
	}

	log.Printf("accuracy: refreshed stats for %d sources over %d days", len(stats), windowDays)
	return nil
}
