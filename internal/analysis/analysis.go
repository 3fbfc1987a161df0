// Package analysis turns a series of weather readings into a risk
// assessment: which triggers fired, how severe, and the aggregate risk level.
//
// Analyze is a pure function. It does no I/O, reads no clock and is the
// arbiter of whether money moves, so every rule here is covered by literal
// fixtures in the tests.
package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/microcrop/trigger-engine/internal/model"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Severity boundaries.
const (
	droughtSevereRatio = 0.5 // total < ratio × minimum
	heatSevereMargin   = 5.0 // max > threshold + margin (°C)
	floodSevereRatio   = 1.5 // max daily > ratio × maximum
)

// Thresholds are the crop limits a policy is evaluated against.
type Thresholds struct {
	MinMonthlyRainfall float64 `json:"min_monthly_rainfall"`
	MaxTemperature     float64 `json:"max_temperature"`
	MaxDailyRainfall   float64 `json:"max_daily_rainfall"`
}

// ThresholdsFor returns the thresholds of a crop type.
func ThresholdsFor(c model.CropType) Thresholds {
	return Thresholds{
		MinMonthlyRainfall: c.MinMonthlyRainfall,
		MaxTemperature:     c.MaxTemperature,
		MaxDailyRainfall:   c.MaxDailyRainfall,
	}
}

// Trigger is one detected condition.
type Trigger struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

// Assessment is the result of Analyze. Observed aggregates are kept for
// audit even when nothing fired.
type Assessment struct {
	Triggers      []Trigger `json:"triggers"`
	RiskLevel     string    `json:"risk_level"`
	Readings      int       `json:"readings"`
	TotalRainfall float64   `json:"total_rainfall"`
	MaxTemp       float64   `json:"max_temperature"`
	MaxDailyRain  float64   `json:"max_daily_rainfall"`
	WettestDay    string    `json:"wettest_day,omitempty"`
}

// HasTriggers reports whether any trigger fired.
func (a Assessment) HasTriggers() bool { return len(a.Triggers) > 0 }

// Analyze evaluates readings against t. An empty series yields no triggers
// and low risk. Triggers are ordered drought, excessive heat, flooding.
func Analyze(readings []model.WeatherReading, t Thresholds) Assessment {
	a := Assessment{
		Triggers:  []Trigger{},
		RiskLevel: RiskLow,
		Readings:  len(readings),
	}
	if len(readings) == 0 {
		return a
	}

	a.TotalRainfall = totalRainfall(readings)
	a.MaxTemp = maxTemperature(readings)
	a.WettestDay, a.MaxDailyRain = wettestDay(readings)

	if a.TotalRainfall < t.MinMonthlyRainfall {
		sev := model.SeverityModerate
		if a.TotalRainfall < droughtSevereRatio*t.MinMonthlyRainfall {
			sev = model.SeveritySevere
		}
		a.Triggers = append(a.Triggers, Trigger{
			Type: model.TriggerDrought, Severity: sev,
			Observed: a.TotalRainfall, Threshold: t.MinMonthlyRainfall,
		})
	}

	if a.MaxTemp > t.MaxTemperature {
		sev := model.SeverityModerate
		if a.MaxTemp > t.MaxTemperature+heatSevereMargin {
			sev = model.SeveritySevere
		}
		a.Triggers = append(a.Triggers, Trigger{
			Type: model.TriggerExcessiveHeat, Severity: sev,
			Observed: a.MaxTemp, Threshold: t.MaxTemperature,
		})
	}

	if a.MaxDailyRain > t.MaxDailyRainfall {
		sev := model.SeverityModerate
		if a.MaxDailyRain > floodSevereRatio*t.MaxDailyRainfall {
			sev = model.SeveritySevere
		}
		a.Triggers = append(a.Triggers, Trigger{
			Type: model.TriggerFlooding, Severity: sev,
			Observed: a.MaxDailyRain, Threshold: t.MaxDailyRainfall,
		})
	}

	a.RiskLevel = riskLevel(a.Triggers)
	return a
}

func riskLevel(triggers []Trigger) string {
	moderate := 0
	for _, tr := range triggers {
		switch tr.Severity {
		case model.SeveritySevere:
			return RiskHigh
		case model.SeverityModerate:
			moderate++
		}
	}
	if moderate >= 2 {
		return RiskMedium
	}
	return RiskLow
}

func totalRainfall(readings []model.WeatherReading) float64 {
	sum := 0.0
	for _, r := range readings {
		sum += r.Precipitation
	}
	return sum
}

func maxTemperature(readings []model.WeatherReading) float64 {
	m := math.Inf(-1)
	for _, r := range readings {
		m = math.Max(m, r.Temperature)
	}
	return m
}

// wettestDay groups rainfall by UTC calendar day and returns the day with
// the largest sum. Ties go to the earliest day.
func wettestDay(readings []model.WeatherReading) (string, float64) {
	daily := DailyRainfall(readings)
	days := make([]string, 0, len(daily))
	for day := range daily {
		days = append(days, day)
	}
	sort.Strings(days)

	best, bestSum := "", math.Inf(-1)
	for _, day := range days {
		if daily[day] > bestSum {
			best, bestSum = day, daily[day]
		}
	}
	return best, bestSum
}

// DailyRainfall sums precipitation per UTC calendar day, keyed YYYY-MM-DD.
func DailyRainfall(readings []model.WeatherReading) map[string]float64 {
	daily := make(map[string]float64)
	for _, r := range readings {
		daily[r.Timestamp.UTC().Format(time.DateOnly)] += r.Precipitation
	}
	return daily
}

// FilterByQuality drops readings scoring below min. min <= 0 keeps all.
func FilterByQuality(readings []model.WeatherReading, min int) []model.WeatherReading {
	if min <= 0 {
		return readings
	}
	out := make([]model.WeatherReading, 0, len(readings))
	for _, r := range readings {
		if r.QualityScore >= min {
			out = append(out, r)
		}
	}
	return out
}
