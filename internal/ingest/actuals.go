package ingest

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/lox/shorecast/internal/models"
)

type actualPayload struct {
	BuoyID    string   `json:"buoy_id"`
	Time      string   `json:"time"`
	Height    *float64 `json:"height"`
	Period    *float64 `json:"period"`
	Direction *float64 `json:"direction"`
	Source    string   `json:"source"`
}

// DecodeActuals parses a batch of buoy ground-truth observations. Records
// missing a buoy id or carrying an unparseable timestamp are dropped and
// logged; the rest of the batch survives.
func DecodeActuals(data []byte) ([]models.Actual, error) {
	var payloads []actualPayload
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("decode actuals payload: %w", err)
	}

	var actuals []models.Actual
	for i, p := range payloads {
		if p.BuoyID == "" {
			log.Printf("ingest: dropping actual %d: missing buoy_id", i)
			continue
		}
		observedAt, err := parseInstant(p.Time)
		if err != nil {
			log.Printf("ingest: dropping actual %d for %s: %v", i, p.BuoyID, err)
			continue
		}
		actuals = append(actuals, models.Actual{
			BuoyID:     p.BuoyID,
			ObservedAt: observedAt,
			Height:     nullFloat(p.Height),
			Period:     nullFloat(p.Period),
			Direction:  nullFloat(p.Direction),
			Source:     p.Source,
		})
	}
	return actuals, nil
}
