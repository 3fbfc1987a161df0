// Package model defines the core domain types shared across the trigger engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Policy statuses. Expiry is derived from EndDate at read time; "expired"
// is only stored when an operator writes it explicitly.
const (
	PolicyActive    = "active"
	PolicyExpired   = "expired"
	PolicyClaimed   = "claimed"
	PolicyCancelled = "cancelled"
)

// Trigger types.
const (
	TriggerDrought       = "drought"
	TriggerExcessiveHeat = "excessive_heat"
	TriggerFlooding      = "flooding"
)

// Severities, ordered mild < moderate < severe.
const (
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

// Payout record statuses.
const (
	PayoutCompleted = "completed"
	PayoutFailed    = "failed"
)

// WeatherReading is one normalized observation from a weather station.
// Immutable once ingested; quality fields are computed at ingest time.
type WeatherReading struct {
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	Temperature    float64   `json:"temperature"`     // °C
	Humidity       float64   `json:"humidity"`        // %
	WindSpeed      float64   `json:"wind_speed"`      // m/s
	WindDirection  float64   `json:"wind_direction"`  // degrees 0-360
	Precipitation  float64   `json:"precipitation"`   // mm
	Pressure       float64   `json:"pressure"`        // hPa
	SolarRadiation float64   `json:"solar_radiation"` // W/m²
	UVIndex        float64   `json:"uv_index"`

	QualityScore       int      `json:"quality_score"`
	ValidationErrors   []string `json:"validation_errors,omitempty"`
	ValidationWarnings []string `json:"validation_warnings,omitempty"`
}

// UnmarshalJSON accepts "rainfall" as an alias for precipitation.
func (r *WeatherReading) UnmarshalJSON(data []byte) error {
	type plain WeatherReading
	aux := struct {
		*plain
		Rainfall *float64 `json:"rainfall"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Rainfall != nil && r.Precipitation == 0 {
		r.Precipitation = *aux.Rainfall
	}
	return nil
}

// DeviceDescriptor describes a weather station returned by a nearby lookup.
type DeviceDescriptor struct {
	DeviceID   string  `json:"device_id"`
	Name       string  `json:"name"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	DistanceKm float64 `json:"distance_km"`
	Active     bool    `json:"active"`
}

// Location pins a policy to a point and the station that observes it.
type Location struct {
	Lat      float64 `json:"lat" db:"lat"`
	Lng      float64 `json:"lng" db:"lng"`
	DeviceID string  `json:"device_id" db:"device_id"`
}

// CropType is immutable reference data, looked up by ID.
type CropType struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	MinMonthlyRainfall float64         `json:"min_monthly_rainfall"` // mm
	MaxTemperature     float64         `json:"max_temperature"`      // °C
	MaxDailyRainfall   float64         `json:"max_daily_rainfall"`   // mm
	PremiumRate        decimal.Decimal `json:"premium_rate"`
}

// Policy is a parametric cover for one farmer at one location.
type Policy struct {
	ID             string          `json:"id" db:"id"`
	FarmerID       string          `json:"farmer_id" db:"farmer_id"`
	FarmerAddress  string          `json:"farmer_address" db:"farmer_address"` // settlement payee
	CropTypeID     string          `json:"crop_type_id" db:"crop_type_id"`
	CoverageAmount decimal.Decimal `json:"coverage_amount" db:"coverage_amount"`
	PremiumPaid    decimal.Decimal `json:"premium_paid" db:"premium_paid"`
	StartDate      time.Time       `json:"start_date" db:"start_date"`
	EndDate        time.Time       `json:"end_date" db:"end_date"`
	Location       Location        `json:"location"`
	Status         string          `json:"status" db:"status"`
	ClaimHistory   []PayoutRecord  `json:"claim_history"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// IsExpired reports whether now is past the policy's end date.
func (p *Policy) IsExpired(now time.Time) bool {
	return now.After(p.EndDate)
}

// EffectiveStatus returns the stored status, except that a stored-active
// policy past its end date reads as expired.
func (p *Policy) EffectiveStatus(now time.Time) string {
	if p.Status == PolicyActive && p.IsExpired(now) {
		return PolicyExpired
	}
	return p.Status
}

// InForce reports whether the policy is active and now lies within
// [StartDate, EndDate].
func (p *Policy) InForce(now time.Time) bool {
	return p.Status == PolicyActive && !now.Before(p.StartDate) && !now.After(p.EndDate)
}

// PayoutRecord is an immutable record of one settlement attempt. It doubles
// as the policy's claim record. A failed attempt and a later successful
// attempt are two distinct records.
type PayoutRecord struct {
	ID              string          `json:"id" db:"id"`
	PolicyID        string          `json:"policy_id" db:"policy_id"`
	TriggerType     string          `json:"trigger_type" db:"trigger_type"`
	Severity        string          `json:"severity" db:"severity"`
	PayoutAmount    decimal.Decimal `json:"payout_amount" db:"payout_amount"`
	WeatherDataHash string          `json:"weather_data_hash" db:"weather_data_hash"`
	TransactionID   string          `json:"transaction_id,omitempty" db:"transaction_id"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Status          string          `json:"status" db:"status"`
	Error           string          `json:"error,omitempty" db:"error"`
}

// ClaimRecord is the policy-side view of a payout record.
type ClaimRecord = PayoutRecord

// Farmer aggregates a policyholder's totals. Created with the farmer's
// first policy.
type Farmer struct {
	ID            string          `json:"id" db:"id"`
	Address       string          `json:"address" db:"address"`
	TotalPolicies int             `json:"total_policies" db:"total_policies"`
	TotalClaims   int             `json:"total_claims" db:"total_claims"`
	TotalCoverage decimal.Decimal `json:"total_coverage" db:"total_coverage"`
	TotalPayouts  decimal.Decimal `json:"total_payouts" db:"total_payouts"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Stats is the registry aggregate, computed on demand.
type Stats struct {
	TotalPolicies     int             `json:"total_policies"`
	ActivePolicies    int             `json:"active_policies"`
	ExpiredPolicies   int             `json:"expired_policies"`
	ClaimedPolicies   int             `json:"claimed_policies"`
	CancelledPolicies int             `json:"cancelled_policies"`
	TotalFarmers      int             `json:"total_farmers"`
	TotalCoverage     decimal.Decimal `json:"total_coverage"`
	TotalPremiums     decimal.Decimal `json:"total_premiums"`
	AverageCoverage   decimal.Decimal `json:"average_coverage"`
	TotalClaims       int             `json:"total_claims"`
	TotalPayouts      decimal.Decimal `json:"total_payouts"`
	ClaimRate         decimal.Decimal `json:"claim_rate"` // policies with a completed claim / total
}
