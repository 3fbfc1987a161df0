package registry

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
)

var (
	// ErrFarmerExposureExceeded is returned when a new policy would push a
	// farmer's active coverage beyond the per-farmer maximum.
	ErrFarmerExposureExceeded = errors.New("registry: farmer coverage limit exceeded")

	// ErrAreaExposureExceeded is returned when a new policy would push the
	// active coverage inside one grid cell beyond the per-area maximum.
	// Policies in the same cell tend to fire on the same weather event.
	ErrAreaExposureExceeded = errors.New("registry: area coverage limit exceeded")
)

// ExposureLimiter caps insured coverage that is likely to pay out together.
//
// Correlation is approximated by a lat/lng grid: two policies whose
// locations fall in the same CellSize×CellSize degree cell are treated as
// exposed to the same weather. 0.1° is roughly 11 km at the equator, about
// the footprint of a single station.
//
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerFarmer is the maximum total active coverage for one farmer.
	MaxPerFarmer decimal.Decimal

	// MaxPerArea is the maximum total active coverage in one grid cell.
	MaxPerArea decimal.Decimal

	// CellSize is the grid resolution in degrees.
	CellSize float64
}

// NewExposureLimiter creates a limiter with the given limits.
func NewExposureLimiter(maxPerFarmer, maxPerArea decimal.Decimal, cellSize float64) *ExposureLimiter {
	if cellSize <= 0 {
		cellSize = 0.1
	}
	return &ExposureLimiter{
		MaxPerFarmer: maxPerFarmer,
		MaxPerArea:   maxPerArea,
		CellSize:     cellSize,
	}
}

// Check validates whether candidate can be added alongside the active
// policies. Returns nil if within limits.
func (l *ExposureLimiter) Check(candidate *model.Policy, active []model.Policy) error {
	if l == nil {
		return nil
	}

	farmerTotal := candidate.CoverageAmount
	areaTotal := candidate.CoverageAmount
	cell := l.Cell(candidate.Location.Lat, candidate.Location.Lng)

	for _, p := range active {
		if p.FarmerID == candidate.FarmerID {
			farmerTotal = farmerTotal.Add(p.CoverageAmount)
		}
		if l.Cell(p.Location.Lat, p.Location.Lng) == cell {
			areaTotal = areaTotal.Add(p.CoverageAmount)
		}
	}

	if l.MaxPerFarmer.IsPositive() && farmerTotal.GreaterThan(l.MaxPerFarmer) {
		return fmt.Errorf("farmer %s at %s of %s: %w", candidate.FarmerID, farmerTotal, l.MaxPerFarmer, ErrFarmerExposureExceeded)
	}
	if l.MaxPerArea.IsPositive() && areaTotal.GreaterThan(l.MaxPerArea) {
		return fmt.Errorf("cell %s at %s of %s: %w", cell, areaTotal, l.MaxPerArea, ErrAreaExposureExceeded)
	}
	return nil
}

// Cell returns the grid cell key for a point.
func (l *ExposureLimiter) Cell(lat, lng float64) string {
	return fmt.Sprintf("%d:%d", int64(math.Floor(lat/l.CellSize)), int64(math.Floor(lng/l.CellSize)))
}
