package weather

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// SyntheticSource generates deterministic readings for development and
// demos. The same device and hour always yield the same values.
type SyntheticSource struct {
	clock clockwork.Clock
}

// NewSyntheticSource creates a generator that treats clock.Now as "now".
func NewSyntheticSource(clock clockwork.Clock) *SyntheticSource {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SyntheticSource{clock: clock}
}

func (s *SyntheticSource) Current(ctx context.Context, deviceID string) (RawReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return synthesize(deviceID, s.clock.Now().UTC().Truncate(time.Minute)), nil
}

func (s *SyntheticSource) History(ctx context.Context, deviceID string, start, end time.Time, granularity string) ([]RawReading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	step := time.Hour
	switch granularity {
	case GranularityDaily:
		step = 24 * time.Hour
	case GranularityRaw:
		step = 15 * time.Minute
	}

	var out []RawReading
	for t := start.UTC().Truncate(step); !t.After(end); t = t.Add(step) {
		if t.Before(start) {
			continue
		}
		r := synthesize(deviceID, t)
		if step == 24*time.Hour {
			// Daily rows carry the day's accumulated rain.
			r["precipitation"] = r["precipitation"].(float64) * 24
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SyntheticSource) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]RawDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Three stations spread around the point, the last one outside small radii.
	offsets := []struct{ dLat, dLng float64 }{{0.01, 0.01}, {-0.03, 0.02}, {0.2, -0.15}}
	out := make([]RawDevice, 0, len(offsets))
	for i, o := range offsets {
		out = append(out, RawDevice{
			"device_id": fmt.Sprintf("SYN-%.2f-%.2f-%d", lat, lng, i+1),
			"name":      fmt.Sprintf("Synthetic station %d", i+1),
			"lat":       lat + o.dLat,
			"lng":       lng + o.dLng,
			"active":    true,
		})
	}
	return out, nil
}

func synthesize(deviceID string, t time.Time) RawReading {
	seed := hashOf(deviceID)
	hourSeed := hashOf(fmt.Sprintf("%s|%d", deviceID, t.Unix()/3600))

	// Diurnal temperature curve peaking mid-afternoon, offset per device.
	hour := float64(t.Hour()) + float64(t.Minute())/60
	base := 18 + float64(seed%80)/10
	temp := base + 7*math.Sin((hour-9)/24*2*math.Pi)

	rain := 0.0
	if hourSeed%12 == 0 {
		rain = float64(hourSeed%40) / 10
	}

	return RawReading{
		"timestamp":       t.Format(time.RFC3339),
		"temperature":     round2(temp),
		"humidity":        round2(55 + float64(hourSeed%30)),
		"wind_speed":      round2(float64(hourSeed%90) / 10),
		"wind_direction":  float64(hourSeed % 360),
		"precipitation":   rain,
		"pressure":        round2(1005 + float64(seed%15)),
		"solar_radiation": round2(math.Max(0, 800*math.Sin((hour-6)/12*math.Pi))),
		"uv_index":        round2(math.Max(0, 9*math.Sin((hour-6)/12*math.Pi))),
	}
}

func hashOf(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
