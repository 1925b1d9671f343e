package models

import (
	"database/sql"
	"time"
)

// SourceKind is the closed set of observation source types.
type SourceKind string

const (
	SourceBuoy        SourceKind = "buoy"
	SourceWeatherGrid SourceKind = "weather_grid"
	SourceWaveModel   SourceKind = "wave_model"
	SourceSatellite   SourceKind = "satellite"
)

// SourceObservation is a single raw reading from one source. Any numeric
// field may be absent; absence is carried as an invalid sql.Null value and
// must never be coerced to zero downstream.
type SourceObservation struct {
	Source     string
	Kind       SourceKind
	ObservedAt time.Time
	Height     sql.NullFloat64 // metres
	Period     sql.NullFloat64 // seconds
	Direction  sql.NullFloat64 // degrees true, [0,360)
	Quality    string
}

// SwellComponent is one source's contribution to a SwellEvent.
type SwellComponent struct {
	Source     string
	Kind       SourceKind
	ObservedAt time.Time
	Quality    string
	Height     sql.NullFloat64
	Period     sql.NullFloat64
	Direction  sql.NullFloat64
	Weight     float64 // reliability weight applied during fusion
}

// SourceAttribution records which source contributed to a derived value.
type SourceAttribution struct {
	Source     string     `json:"source"`
	Kind       SourceKind `json:"kind"`
	ObservedAt time.Time  `json:"observed_at"`
	Quality    string     `json:"quality,omitempty"`
}

// SwellEvent is a consolidated description of one swell derived from one or
// more component observations. Events are immutable once built; re-fusing
// with newer data produces replacement events, never in-place updates.
type SwellEvent struct {
	Components        []SwellComponent
	DominantHeight    sql.NullFloat64
	DominantPeriod    sql.NullFloat64
	DominantDirection sql.NullFloat64
	StartTime         time.Time
	PeakTime          time.Time
	EndTime           time.Time
	Confidence        float64
	Attribution       []SourceAttribution
}

// Forecast is one persisted forecast run. Aggregate error fields live in
// ForecastAccuracy, derived at query time from matched validations.
type Forecast struct {
	ID               int64
	CreatedAt        time.Time
	Model            string
	ModelVersion     string
	PromptTokens     sql.NullInt64
	CompletionTokens sql.NullInt64
	CostUSD          sql.NullFloat64
	Confidence       sql.NullFloat64
	ConfidenceReport sql.NullString // JSON-encoded swell.Report
	Sources          []string       // contributing source names
}

// Prediction belongs to one Forecast and is never mutated after creation.
type Prediction struct {
	ID           int64
	ForecastID   int64
	Shore        string
	ForecastTime time.Time
	ValidTime    time.Time
	Height       sql.NullFloat64
	Period       sql.NullFloat64
	Direction    sql.NullFloat64
	Category     sql.NullString
	Confidence   sql.NullFloat64
}

// Actual is an independently collected ground-truth buoy observation.
// Append-only.
type Actual struct {
	ID         int64
	BuoyID     string
	ObservedAt time.Time
	Height     sql.NullFloat64
	Period     sql.NullFloat64
	Direction  sql.NullFloat64
	Source     string
}

// Validation links exactly one Prediction to exactly one Actual. Rows are
// append-only and never rewritten.
type Validation struct {
	ID             int64
	PredictionID   int64
	ActualID       int64
	HeightError    sql.NullFloat64
	PeriodError    sql.NullFloat64
	DirectionError sql.NullFloat64 // circular difference, [-180,180]
	CategoryMatch  sql.NullBool
	ValidatedAt    time.Time
}

// ForecastAccuracy holds per-forecast aggregate error over matched
// validations. Invalid fields mean no matches, not zero error.
type ForecastAccuracy struct {
	ForecastID int64
	Matched    int
	HeightMAE  sql.NullFloat64
	HeightRMSE sql.NullFloat64
	PeriodMAE  sql.NullFloat64
}

// SizeCategory buckets wave height for category matching.
type SizeCategory string

const (
	CategoryFlat     SizeCategory = "flat"
	CategorySmall    SizeCategory = "small"
	CategoryModerate SizeCategory = "moderate"
	CategoryLarge    SizeCategory = "large"
	CategoryHuge     SizeCategory = "huge"
)

// HeightCategory returns the size bucket for a wave height in metres.
func HeightCategory(height float64) SizeCategory {
	switch {
	case height < 0.6:
		return CategoryFlat
	case height < 1.2:
		return CategorySmall
	case height < 2.0:
		return CategoryModerate
	case height < 3.0:
		return CategoryLarge
	default:
		return CategoryHuge
	}
}
