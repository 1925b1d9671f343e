package swell

import "github.com/lox/shorecast/internal/models"

const (
	FlagHeightOutOfRange    = "height_out_of_range"
	FlagPeriodOutOfRange    = "period_out_of_range"
	FlagDirectionOutOfRange = "direction_out_of_range"
	FlagNoFields            = "no_fields"
)

// ValidateReading checks a reading against physically plausible bounds and
// returns the violated flags. A reading with any flag is malformed and must
// be dropped from fusion; a reading with merely missing fields is fine.
func ValidateReading(obs models.SourceObservation) []string {
	var flags []string

	if obs.Height.Valid {
		if obs.Height.Float64 < 0 || obs.Height.Float64 > 30 {
			flags = append(flags, FlagHeightOutOfRange)
		}
	}

	if obs.Period.Valid {
		if obs.Period.Float64 < 1 || obs.Period.Float64 > 30 {
			flags = append(flags, FlagPeriodOutOfRange)
		}
	}

	if obs.Direction.Valid {
		if obs.Direction.Float64 < 0 || obs.Direction.Float64 >= 360 {
			flags = append(flags, FlagDirectionOutOfRange)
		}
	}

	if !obs.Height.Valid && !obs.Period.Valid && !obs.Direction.Valid {
		flags = append(flags, FlagNoFields)
	}

	return flags
}
