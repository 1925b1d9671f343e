package swell

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lox/shorecast/internal/models"
)

// ConfidenceWeights configures the contribution of each factor to the
// combined score. The split is deliberately configuration, not a constant.
type ConfidenceWeights struct {
	Completeness float64 `json:"completeness"`
	Agreement    float64 `json:"agreement"`
	Freshness    float64 `json:"freshness"`
}

// DefaultConfidenceWeights returns the standard factor weights.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Completeness: 0.40,
		Agreement:    0.35,
		Freshness:    0.25,
	}
}

// ConfidenceConfig controls scoring.
type ConfidenceConfig struct {
	Weights ConfidenceWeights
	// ExpectedSources is the full set of sources a complete forecast run
	// would hear from. Completeness is measured against this set.
	ExpectedSources []string
	// FreshnessHalfLife halves the freshness factor per interval of the
	// oldest contributing observation's age.
	FreshnessHalfLife time.Duration
	// DirectionWarnDeg triggers a disagreement warning when component
	// directions spread wider than this.
	DirectionWarnDeg float64
	// SpreadScale normalizes height/period coefficient of variation; a CV of
	// SpreadScale zeroes the agreement sub-score for that field.
	SpreadScale float64
}

func DefaultConfidenceConfig(expectedSources []string) ConfidenceConfig {
	return ConfidenceConfig{
		Weights:           DefaultConfidenceWeights(),
		ExpectedSources:   expectedSources,
		FreshnessHalfLife: 6 * time.Hour,
		DirectionWarnDeg:  20,
		SpreadScale:       0.5,
	}
}

// Report is the structured confidence output: the combined score, factor
// sub-scores, and human-readable warnings. It travels with the Forecast.
type Report struct {
	Score        float64  `json:"score"`
	Completeness float64  `json:"completeness"`
	Agreement    float64  `json:"agreement"`
	Freshness    float64  `json:"freshness"`
	Warnings     []string `json:"warnings,omitempty"`
}

// ConfidenceScorer derives [0,1] confidence for events and forecasts.
type ConfidenceScorer struct {
	cfg ConfidenceConfig
}

func NewConfidenceScorer(cfg ConfidenceConfig) *ConfidenceScorer {
	return &ConfidenceScorer{cfg: cfg}
}

// ScoreEvent computes the confidence report for one fused event.
func (s *ConfidenceScorer) ScoreEvent(ev models.SwellEvent, now time.Time) Report {
	var warnings []string

	completeness, compWarnings := s.completeness(ev)
	warnings = append(warnings, compWarnings...)

	agreement, agreeWarnings := s.agreement(ev)
	warnings = append(warnings, agreeWarnings...)

	freshness, freshWarnings := s.freshness(ev, now)
	warnings = append(warnings, freshWarnings...)

	w := s.cfg.Weights
	total := w.Completeness + w.Agreement + w.Freshness
	score := 0.0
	if total > 0 {
		score = (completeness*w.Completeness + agreement*w.Agreement + freshness*w.Freshness) / total
	}

	return Report{
		Score:        clamp01(score),
		Completeness: completeness,
		Agreement:    agreement,
		Freshness:    freshness,
		Warnings:     warnings,
	}
}

// ScoreForecast combines per-event reports into the forecast-level report:
// factor averages across events, warnings merged in order.
func (s *ConfidenceScorer) ScoreForecast(events []models.SwellEvent, now time.Time) Report {
	if len(events) == 0 {
		return Report{Warnings: []string{"no swell events fused"}}
	}

	var combined Report
	for _, ev := range events {
		r := s.ScoreEvent(ev, now)
		combined.Score += r.Score
		combined.Completeness += r.Completeness
		combined.Agreement += r.Agreement
		combined.Freshness += r.Freshness
		combined.Warnings = append(combined.Warnings, r.Warnings...)
	}
	n := float64(len(events))
	combined.Score /= n
	combined.Completeness /= n
	combined.Agreement /= n
	combined.Freshness /= n
	return combined
}

// completeness is the fraction of expected per-source fields actually
// present in the event: each expected source contributes three slots
// (height, period, direction) and absent fields or absent sources leave
// their slots empty.
func (s *ConfidenceScorer) completeness(ev models.SwellEvent) (float64, []string) {
	if len(s.cfg.ExpectedSources) == 0 {
		return 1, nil
	}

	bySource := make(map[string]models.SwellComponent, len(ev.Components))
	for _, c := range ev.Components {
		bySource[c.Source] = c
	}

	var warnings []string
	present := 0
	total := 3 * len(s.cfg.ExpectedSources)

	expected := append([]string(nil), s.cfg.ExpectedSources...)
	sort.Strings(expected)

	for _, name := range expected {
		c, ok := bySource[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("source %s missing (%d of %d sources reporting)",
				name, len(bySource), len(expected)))
			continue
		}
		var missing []string
		if c.Height.Valid {
			present++
		} else {
			missing = append(missing, "height")
		}
		if c.Period.Valid {
			present++
		} else {
			missing = append(missing, "period")
		}
		if c.Direction.Valid {
			present++
		} else {
			missing = append(missing, "direction")
		}
		for _, field := range missing {
			warnings = append(warnings, fmt.Sprintf("source %s missing %s", name, field))
		}
	}

	return float64(present) / float64(total), warnings
}

// agreement scores inverse cross-source spread: coefficient of variation for
// height and period, circular resultant length for direction. Fields with
// fewer than two present values cannot disagree and score neutral.
func (s *ConfidenceScorer) agreement(ev models.SwellEvent) (float64, []string) {
	var warnings []string
	var scores []float64

	if score, ok := spreadScore(values(ev, fieldHeight), s.cfg.SpreadScale); ok {
		scores = append(scores, score)
	}
	if score, ok := spreadScore(values(ev, fieldPeriod), s.cfg.SpreadScale); ok {
		scores = append(scores, score)
	}

	dirs := values(ev, fieldDirection)
	if len(dirs) >= 2 {
		ones := make([]float64, len(dirs))
		for i := range ones {
			ones[i] = 1
		}
		_, resultant, _ := CircularMean(dirs, ones)
		scores = append(scores, resultant)

		spread := maxAngularSpread(dirs)
		if spread > s.cfg.DirectionWarnDeg {
			warnings = append(warnings, fmt.Sprintf("directions disagree by %.0f° (threshold %.0f°)",
				spread, s.cfg.DirectionWarnDeg))
		}
	}

	if len(scores) == 0 {
		return 1, warnings
	}
	sum := 0.0
	for _, v := range scores {
		sum += v
	}
	return clamp01(sum / float64(len(scores))), warnings
}

func (s *ConfidenceScorer) freshness(ev models.SwellEvent, now time.Time) (float64, []string) {
	if len(ev.Components) == 0 {
		return 0, nil
	}

	var maxAge time.Duration
	for _, c := range ev.Components {
		if age := now.Sub(c.ObservedAt); age > maxAge {
			maxAge = age
		}
	}
	if maxAge <= 0 {
		return 1, nil
	}

	score := math.Exp2(-maxAge.Hours() / s.cfg.FreshnessHalfLife.Hours())

	var warnings []string
	if maxAge > 2*s.cfg.FreshnessHalfLife {
		warnings = append(warnings, fmt.Sprintf("oldest contributing observation is %.0fh old", maxAge.Hours()))
	}
	return clamp01(score), warnings
}

type fieldFn func(models.SwellComponent) (float64, bool)

func fieldHeight(c models.SwellComponent) (float64, bool)    { return c.Height.Float64, c.Height.Valid }
func fieldPeriod(c models.SwellComponent) (float64, bool)    { return c.Period.Float64, c.Period.Valid }
func fieldDirection(c models.SwellComponent) (float64, bool) { return c.Direction.Float64, c.Direction.Valid }

func values(ev models.SwellEvent, field fieldFn) []float64 {
	var out []float64
	for _, c := range ev.Components {
		if v, ok := field(c); ok {
			out = append(out, v)
		}
	}
	return out
}

// spreadScore maps coefficient of variation onto [0,1]; ok is false with
// fewer than two values.
func spreadScore(vals []float64, scale float64) (float64, bool) {
	if len(vals) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	if mean == 0 {
		return 1, true
	}

	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))

	cv := math.Sqrt(variance) / math.Abs(mean)
	return clamp01(1 - cv/scale), true
}

func maxAngularSpread(dirs []float64) float64 {
	var max float64
	for i := 0; i < len(dirs); i++ {
		for j := i + 1; j < len(dirs); j++ {
			if d := AngularDistance(dirs[i], dirs[j]); d > max {
				max = d
			}
		}
	}
	return max
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
