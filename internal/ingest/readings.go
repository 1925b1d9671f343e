// Package ingest decodes collaborator-supplied payloads into model types.
// The collection agents that fetch this data over the network live outside
// this system; everything here operates on already-fetched bytes.
package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lox/shorecast/internal/models"
	"github.com/lox/shorecast/internal/store"
)

// readingsEnvelope is the wire format from the collection agents. Numeric
// fields are pointers so a missing field is distinguishable from zero.
type readingsEnvelope struct {
	Sources map[string]sourcePayload `json:"sources"`
}

type sourcePayload struct {
	Kind     string           `json:"kind"`
	Readings []readingPayload `json:"readings"`
}

type readingPayload struct {
	Time      string   `json:"time"`
	Height    *float64 `json:"height"`
	Period    *float64 `json:"period"`
	Direction *float64 `json:"direction"`
	Quality   string   `json:"quality"`
}

var sourceKinds = map[string]models.SourceKind{
	"buoy":         models.SourceBuoy,
	"weather_grid": models.SourceWeatherGrid,
	"wave_model":   models.SourceWaveModel,
	"satellite":    models.SourceSatellite,
}

// DecodeReadings parses a per-source readings payload. An unparseable
// envelope is an error; a single malformed record (bad timestamp, unknown
// source kind) is dropped and logged while the rest of the batch decodes.
func DecodeReadings(data []byte) (map[string][]models.SourceObservation, error) {
	var envelope readingsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode readings payload: %w", err)
	}

	out := make(map[string][]models.SourceObservation, len(envelope.Sources))
	for name, payload := range envelope.Sources {
		kind, ok := sourceKinds[payload.Kind]
		if !ok {
			log.Printf("ingest: skipping source %s: unknown kind %q", name, payload.Kind)
			continue
		}

		var observations []models.SourceObservation
		for _, r := range payload.Readings {
			observedAt, err := parseInstant(r.Time)
			if err != nil {
				log.Printf("ingest: dropping %s reading: %v", name, err)
				continue
			}
			observations = append(observations, models.SourceObservation{
				Source:     name,
				Kind:       kind,
				ObservedAt: observedAt,
				Height:     nullFloat(r.Height),
				Period:     nullFloat(r.Period),
				Direction:  nullFloat(r.Direction),
				Quality:    r.Quality,
			})
		}
		if len(observations) > 0 {
			out[name] = observations
		}
	}
	return out, nil
}

// parseInstant accepts the canonical layout or RFC 3339, normalized to UTC.
func parseInstant(s string) (time.Time, error) {
	if t, err := store.ParseTime(s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
