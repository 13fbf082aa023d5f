package ingest

import (
	"math"
	"time"

	"github.com/lox/tankcal/internal/models"
)

const (
	FlagRainNegative      = "rain_negative"
	FlagRainUnlikely      = "rain_unlikely"
	FlagRunoffMissing     = "runoff_missing"
	FlagRunoffAllMissing  = "runoff_all_missing"
	FlagValueNonFinite    = "value_non_finite"
	FlagIntervalIrregular = "interval_irregular"
	FlagTimeNotIncreasing = "time_not_increasing"
)

// maxHourlyRain is the rainfall depth (mm/h) above which a reading is
// treated as suspect.
const maxHourlyRain = 300

// ValidateReadings flags suspicious raw rainfall readings.
func ValidateReadings(rain []models.Reading) []string {
	var flags []string
	seen := make(map[string]bool)
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			flags = append(flags, f)
		}
	}

	for i, r := range rain {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			add(FlagValueNonFinite)
			continue
		}
		if r.Value < 0 {
			add(FlagRainNegative)
		}
		if i > 0 {
			d := r.ObservedAt.Sub(rain[i-1].ObservedAt)
			if d <= 0 {
				add(FlagTimeNotIncreasing)
			} else if r.Value > maxHourlyRain*d.Hours() {
				add(FlagRainUnlikely)
			}
		}
	}
	return flags
}

// ValidateSeries flags gaps and irregularities in an aligned series.
func ValidateSeries(s models.Series) []string {
	var flags []string

	missing := MissingRunoff(s)
	switch {
	case s.Len() > 0 && missing == s.Len():
		flags = append(flags, FlagRunoffAllMissing)
	case missing > 0:
		flags = append(flags, FlagRunoffMissing)
	}

	step := time.Duration(s.Interval * float64(time.Second))
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i].Sub(s.Times[i-1]) != step {
			flags = append(flags, FlagIntervalIrregular)
			break
		}
	}
	return flags
}
