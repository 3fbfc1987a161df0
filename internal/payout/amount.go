package payout

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/microcrop/trigger-engine/internal/model"
)

var (
	baseRate = decimal.NewFromFloat(0.10)
	capRate  = decimal.NewFromFloat(0.50)

	severityMultiplier = map[string]decimal.Decimal{
		model.SeveritySevere:   decimal.NewFromFloat(2.0),
		model.SeverityModerate: decimal.NewFromFloat(1.0),
		model.SeverityMild:     decimal.NewFromFloat(0.5),
	}

	triggerMultiplier = map[string]decimal.Decimal{
		model.TriggerDrought:       decimal.NewFromFloat(1.5),
		model.TriggerFlooding:      decimal.NewFromFloat(1.3),
		model.TriggerExcessiveHeat: decimal.NewFromFloat(1.2),
	}
)

// ComputeAmount returns floor(min(coverage × 0.10 × severity × trigger,
// coverage × 0.50)). Unknown triggers or severities pay nothing.
func ComputeAmount(coverage decimal.Decimal, trigger, severity string) decimal.Decimal {
	sev, ok := severityMultiplier[severity]
	if !ok {
		return decimal.Zero
	}
	typ, ok := triggerMultiplier[trigger]
	if !ok {
		return decimal.Zero
	}
	if !coverage.IsPositive() {
		return decimal.Zero
	}

	raw := coverage.Mul(baseRate).Mul(sev).Mul(typ)
	limit := coverage.Mul(capRate)
	return decimal.Min(raw, limit).Floor()
}

// EvidenceHash is the SHA-256 hex digest of the evidence window: one line
// per reading, "timestamp|temperature|precipitation", ordered by timestamp.
// The input slice is not modified.
func EvidenceHash(readings []model.WeatherReading) string {
	sorted := make([]model.WeatherReading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var b strings.Builder
	for _, r := range sorted {
		b.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(r.Temperature, 'f', -1, 64))
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(r.Precipitation, 'f', -1, 64))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
