package swell

import (
	"database/sql"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lox/shorecast/internal/metrics"
	"github.com/lox/shorecast/internal/models"
)

// FusionConfig holds the joint clustering tolerances. Two components share an
// event only when both tolerances are satisfied.
type FusionConfig struct {
	DirectionToleranceDeg float64
	PeriodToleranceSec    float64
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		DirectionToleranceDeg: 15,
		PeriodToleranceSec:    2,
	}
}

// DroppedReading records a reading excluded from fusion and why.
type DroppedReading struct {
	Source     string
	ObservedAt time.Time
	Flags      []string
}

// Engine clusters per-source readings into canonical SwellEvents, weighting
// contributions by source reliability. Fuse is a pure transformation: it
// holds no mutable state and identical inputs produce identical output,
// including event ordering.
type Engine struct {
	cfg    FusionConfig
	scorer *ReliabilityScorer
}

func NewEngine(cfg FusionConfig, scorer *ReliabilityScorer) *Engine {
	return &Engine{cfg: cfg, scorer: scorer}
}

// Fuse merges the most recent valid reading per source into swell events.
// Readings that fail plausibility bounds are dropped individually and
// reported; the rest of the batch still fuses. Missing fields are excluded
// from every aggregate, never substituted with zero.
func (e *Engine) Fuse(readings map[string][]models.SourceObservation, now time.Time) ([]models.SwellEvent, []DroppedReading) {
	sources := make([]string, 0, len(readings))
	for name := range readings {
		sources = append(sources, name)
	}
	sort.Strings(sources)

	var candidates []models.SwellComponent
	var dropped []DroppedReading

	for _, name := range sources {
		obsList := append([]models.SourceObservation(nil), readings[name]...)
		sort.Slice(obsList, func(i, j int) bool {
			return obsList[i].ObservedAt.After(obsList[j].ObservedAt)
		})

		found := false
		for _, obs := range obsList {
			flags := ValidateReading(obs)
			if len(flags) > 0 {
				log.Printf("fusion: dropping %s reading at %s: %s",
					name, obs.ObservedAt.UTC().Format("2006-01-02 15:04:05"), strings.Join(flags, ","))
				metrics.ReadingsDropped.WithLabelValues(name, flags[0]).Inc()
				dropped = append(dropped, DroppedReading{Source: name, ObservedAt: obs.ObservedAt, Flags: flags})
				continue
			}

			age := now.Sub(obs.ObservedAt)
			candidates = append(candidates, models.SwellComponent{
				Source:     obs.Source,
				Kind:       obs.Kind,
				ObservedAt: obs.ObservedAt,
				Quality:    obs.Quality,
				Height:     obs.Height,
				Period:     obs.Period,
				Direction:  obs.Direction,
				Weight:     e.scorer.Weight(obs.Source, obs.Kind, age),
			})
			found = true
			break
		}
		if !found && len(obsList) > 0 {
			log.Printf("fusion: no valid reading for source %s", name)
		}
	}

	clusters := e.cluster(candidates)

	events := make([]models.SwellEvent, 0, len(clusters))
	for _, members := range clusters {
		events = append(events, buildEvent(members))
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].PeakTime.Equal(events[j].PeakTime) {
			return events[i].PeakTime.Before(events[j].PeakTime)
		}
		return heightOrZero(events[i].DominantHeight) > heightOrZero(events[j].DominantHeight)
	})

	metrics.EventsFused.Add(float64(len(events)))
	return events, dropped
}

// cluster groups candidates with complete linkage: a component joins a
// cluster only if it is within both tolerances of every existing member.
// Candidates arrive in sorted source order, so assignment is deterministic.
func (e *Engine) cluster(candidates []models.SwellComponent) [][]models.SwellComponent {
	var clusters [][]models.SwellComponent

	for _, c := range candidates {
		placed := false
		for i, members := range clusters {
			if e.compatibleWithAll(c, members) {
				clusters[i] = append(members, c)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []models.SwellComponent{c})
		}
	}
	return clusters
}

func (e *Engine) compatibleWithAll(c models.SwellComponent, members []models.SwellComponent) bool {
	for _, m := range members {
		if !e.compatible(c, m) {
			return false
		}
	}
	return true
}

// compatible applies the joint tolerances. A field missing on either side
// cannot violate its tolerance; incompleteness is penalised by the
// confidence scorer, not by forcing singleton events.
func (e *Engine) compatible(a, b models.SwellComponent) bool {
	if a.Direction.Valid && b.Direction.Valid {
		if AngularDistance(a.Direction.Float64, b.Direction.Float64) > e.cfg.DirectionToleranceDeg {
			return false
		}
	}
	if a.Period.Valid && b.Period.Valid {
		diff := a.Period.Float64 - b.Period.Float64
		if diff < 0 {
			diff = -diff
		}
		if diff > e.cfg.PeriodToleranceSec {
			return false
		}
	}
	return true
}

func buildEvent(members []models.SwellComponent) models.SwellEvent {
	ev := models.SwellEvent{
		Components: members,
	}

	ev.DominantHeight = weightedMean(members, func(c models.SwellComponent) sql.NullFloat64 { return c.Height })
	ev.DominantPeriod = weightedMean(members, func(c models.SwellComponent) sql.NullFloat64 { return c.Period })
	ev.DominantDirection = weightedCircularMean(members)

	for i, m := range members {
		if i == 0 || m.ObservedAt.Before(ev.StartTime) {
			ev.StartTime = m.ObservedAt
		}
		if i == 0 || m.ObservedAt.After(ev.EndTime) {
			ev.EndTime = m.ObservedAt
		}
		ev.Attribution = append(ev.Attribution, models.SourceAttribution{
			Source:     m.Source,
			Kind:       m.Kind,
			ObservedAt: m.ObservedAt,
			Quality:    m.Quality,
		})
	}
	ev.PeakTime = peakTime(members)

	return ev
}

// peakTime estimates the event peak as the observation time of the heaviest
// contribution (weight * height where height is present, weight otherwise).
// Ties resolve to the earliest observation for determinism.
func peakTime(members []models.SwellComponent) time.Time {
	var best time.Time
	bestScore := -1.0
	for _, m := range members {
		score := m.Weight
		if m.Height.Valid {
			score = m.Weight * m.Height.Float64
		}
		if score > bestScore || (score == bestScore && m.ObservedAt.Before(best)) {
			best = m.ObservedAt
			bestScore = score
		}
	}
	return best
}

// weightedMean averages the present values only. When every member is
// missing the field the result is invalid, never zero.
func weightedMean(members []models.SwellComponent, field func(models.SwellComponent) sql.NullFloat64) sql.NullFloat64 {
	var sum, sumW float64
	for _, m := range members {
		v := field(m)
		if !v.Valid || m.Weight <= 0 {
			continue
		}
		sum += m.Weight * v.Float64
		sumW += m.Weight
	}
	if sumW == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: sum / sumW, Valid: true}
}

func weightedCircularMean(members []models.SwellComponent) sql.NullFloat64 {
	var degrees, weights []float64
	for _, m := range members {
		if !m.Direction.Valid {
			continue
		}
		degrees = append(degrees, m.Direction.Float64)
		weights = append(weights, m.Weight)
	}
	mean, _, ok := CircularMean(degrees, weights)
	if !ok {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: mean, Valid: true}
}

func heightOrZero(v sql.NullFloat64) float64 {
	if v.Valid {
		return v.Float64
	}
	return 0
}
