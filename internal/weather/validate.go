package weather

import (
	"fmt"
	"math"
	"time"

	"github.com/microcrop/trigger-engine/internal/model"
)

// Quality scoring penalties.
const (
	PenaltyOutOfRange = 20
	PenaltyAnomaly    = 5
	PenaltyStale      = 10

	// StaleAfter is the age past which a reading incurs PenaltyStale.
	StaleAfter = time.Hour
)

// Range is an inclusive valid interval for one reading field.
type Range struct {
	Field string
	Min   float64
	Max   float64
	value func(*model.WeatherReading) float64
}

// Ranges is the fixed validation table.
var Ranges = []Range{
	{"temperature", -50, 60, func(r *model.WeatherReading) float64 { return r.Temperature }},
	{"humidity", 0, 100, func(r *model.WeatherReading) float64 { return r.Humidity }},
	{"wind_speed", 0, 200, func(r *model.WeatherReading) float64 { return r.WindSpeed }},
	{"wind_direction", 0, 360, func(r *model.WeatherReading) float64 { return r.WindDirection }},
	{"pressure", 800, 1100, func(r *model.WeatherReading) float64 { return r.Pressure }},
	{"precipitation", 0, 1000, func(r *model.WeatherReading) float64 { return r.Precipitation }},
}

// Validate scores r in place relative to now. Out-of-range fields are
// errors; cross-field anomalies and staleness are warnings. Neither is
// fatal.
func Validate(r *model.WeatherReading, now time.Time) {
	score := 100
	var errs, warns []string

	for _, rg := range Ranges {
		v := rg.value(r)
		if v < rg.Min || v > rg.Max {
			errs = append(errs, fmt.Sprintf("%s %.2f outside [%g, %g]", rg.Field, v, rg.Min, rg.Max))
			score -= PenaltyOutOfRange
		}
	}

	if dp, ok := DewPoint(r.Temperature, r.Humidity); ok && dp > r.Temperature {
		warns = append(warns, fmt.Sprintf("dew point %.2f exceeds temperature %.2f", dp, r.Temperature))
		score -= PenaltyAnomaly
	}

	if age := now.Sub(r.Timestamp); age > StaleAfter {
		warns = append(warns, fmt.Sprintf("reading is %s old", age.Truncate(time.Minute)))
		score -= PenaltyStale
	}

	r.QualityScore = max(0, min(100, score))
	r.ValidationErrors = errs
	r.ValidationWarnings = warns
}

// DewPoint returns the Magnus-formula dew point in °C. It is undefined for
// non-positive humidity.
func DewPoint(tempC, humidity float64) (float64, bool) {
	if humidity <= 0 {
		return 0, false
	}
	const a, b = 17.27, 237.7
	gamma := a*tempC/(b+tempC) + math.Log(humidity/100)
	if a-gamma == 0 {
		return 0, false
	}
	return b * gamma / (a - gamma), true
}
