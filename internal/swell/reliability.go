package swell

import (
	"math"
	"time"

	"github.com/lox/shorecast/internal/models"
)

// minAccuracySamples is the smallest validation sample a source needs before
// its historical error displaces the static prior.
const minAccuracySamples = 5

// maeWeightScale maps height MAE (metres) onto [0,1]: a source with
// maeWeightScale metres of average error scores 0.5.
const maeWeightScale = 0.5

// SourceAccuracy is one source's aggregated historical error.
type SourceAccuracy struct {
	SampleSize int
	HeightMAE  float64
}

// AccuracySnapshot is a read-only, versioned view of per-source historical
// accuracy. Scorers hold the snapshot they were built with; callers refresh
// by constructing a new scorer, never by mutating shared state.
type AccuracySnapshot struct {
	TakenAt    time.Time
	WindowDays int
	Sources    map[string]SourceAccuracy
}

// staticPriors is the fallback trust table for sources with no validation
// history. In-situ buoy measurements are trusted most, satellite-derived
// fields least.
var staticPriors = map[models.SourceKind]float64{
	models.SourceBuoy:        0.9,
	models.SourceWaveModel:   0.7,
	models.SourceWeatherGrid: 0.6,
	models.SourceSatellite:   0.5,
}

const defaultPrior = 0.5

// ReliabilityConfig controls staleness decay.
type ReliabilityConfig struct {
	// Staleness is the observation age beyond which weights start decaying.
	Staleness map[models.SourceKind]time.Duration
	// DecayHalfLife controls how fast weight halves once past staleness.
	DecayHalfLife time.Duration
}

// DefaultReliabilityConfig returns the standard staleness thresholds. Buoys
// report half-hourly so go stale quickly; model runs are valid for hours.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Staleness: map[models.SourceKind]time.Duration{
			models.SourceBuoy:        2 * time.Hour,
			models.SourceWeatherGrid: 6 * time.Hour,
			models.SourceWaveModel:   12 * time.Hour,
			models.SourceSatellite:   6 * time.Hour,
		},
		DecayHalfLife: 3 * time.Hour,
	}
}

// ReliabilityScorer assigns trust weights to sources from historical accuracy
// and observation age. It is a pure function over its snapshot and inputs:
// the same snapshot, source, and age always produce the same weight.
type ReliabilityScorer struct {
	cfg      ReliabilityConfig
	snapshot AccuracySnapshot
}

// NewReliabilityScorer builds a scorer over a fixed accuracy snapshot. Pass a
// zero-value snapshot to score purely from static priors.
func NewReliabilityScorer(cfg ReliabilityConfig, snapshot AccuracySnapshot) *ReliabilityScorer {
	return &ReliabilityScorer{cfg: cfg, snapshot: snapshot}
}

// Weight returns the trust weight for a source in [0,1]. Historical accuracy
// sets the base weight (lower MAE, higher weight); the static prior table is
// used when history is missing or too thin; exponential decay applies once
// the observation age exceeds the source's staleness threshold.
func (r *ReliabilityScorer) Weight(source string, kind models.SourceKind, age time.Duration) float64 {
	base := r.baseWeight(source, kind)

	staleness, ok := r.cfg.Staleness[kind]
	if !ok {
		staleness = 6 * time.Hour
	}
	if age > staleness && r.cfg.DecayHalfLife > 0 {
		excess := age - staleness
		base *= math.Exp2(-excess.Hours() / r.cfg.DecayHalfLife.Hours())
	}

	if base < 0 {
		return 0
	}
	if base > 1 {
		return 1
	}
	return base
}

func (r *ReliabilityScorer) baseWeight(source string, kind models.SourceKind) float64 {
	if acc, ok := r.snapshot.Sources[source]; ok && acc.SampleSize >= minAccuracySamples {
		return 1 / (1 + acc.HeightMAE/maeWeightScale)
	}
	if prior, ok := staticPriors[kind]; ok {
		return prior
	}
	return defaultPrior
}
