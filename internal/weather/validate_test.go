package weather

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microcrop/trigger-engine/internal/model"
)

func cleanReading(ts time.Time) model.WeatherReading {
	return model.WeatherReading{
		DeviceID:      "DEV-1",
		Timestamp:     ts,
		Temperature:   25,
		Humidity:      55,
		WindSpeed:     4,
		WindDirection: 90,
		Precipitation: 2,
		Pressure:      1010,
	}
}

func TestNormalizeThenValidate_RoundTripScores100(t *testing.T) {
	raw := goodReading(testNow.Add(-5 * time.Minute))

	r, err := Normalize("DEV-1", raw)
	require.NoError(t, err)
	Validate(&r, testNow)

	assert.Empty(t, r.ValidationErrors)
	assert.Equal(t, 100, r.QualityScore)

	Validate(&r, testNow.Add(2*time.Hour))
	assert.Equal(t, 90, r.QualityScore, "only the staleness penalty applies")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*model.WeatherReading)
		now       time.Time
		wantScore int
		wantErrs  int
		wantWarns int
	}{
		{
			name:      "clean",
			mutate:    func(*model.WeatherReading) {},
			now:       testNow,
			wantScore: 100,
		},
		{
			name:      "one field out of range",
			mutate:    func(r *model.WeatherReading) { r.Pressure = 700 },
			now:       testNow,
			wantScore: 80,
			wantErrs:  1,
		},
		{
			name: "range errors plus dew point anomaly",
			mutate: func(r *model.WeatherReading) {
				r.Temperature = 70
				r.Humidity = 120
			},
			now:       testNow,
			wantScore: 55,
			wantErrs:  2,
			wantWarns: 1,
		},
		{
			name:      "stale",
			mutate:    func(*model.WeatherReading) {},
			now:       testNow.Add(61 * time.Minute),
			wantScore: 90,
			wantWarns: 1,
		},
		{
			name:      "range boundaries are inclusive",
			mutate:    func(r *model.WeatherReading) { r.WindDirection = 360; r.Precipitation = 0; r.Temperature = -50 },
			now:       testNow,
			wantScore: 100,
		},
		{
			name: "clamped at zero",
			mutate: func(r *model.WeatherReading) {
				r.Temperature = 99
				r.Humidity = -1
				r.WindSpeed = 500
				r.WindDirection = 400
				r.Pressure = 5
				r.Precipitation = 5000
			},
			now:       testNow.Add(3 * time.Hour),
			wantScore: 0,
			wantErrs:  6,
			wantWarns: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := cleanReading(testNow)
			tt.mutate(&r)
			Validate(&r, tt.now)

			assert.Equal(t, tt.wantScore, r.QualityScore)
			assert.Len(t, r.ValidationErrors, tt.wantErrs)
			assert.Len(t, r.ValidationWarnings, tt.wantWarns)
		})
	}
}

func TestDewPoint(t *testing.T) {
	dp, ok := DewPoint(25, 60)
	require.True(t, ok)
	assert.InDelta(t, 16.69, dp, 0.05)

	dp, ok = DewPoint(20, 100)
	require.True(t, ok)
	assert.InDelta(t, 20, dp, 0.001)

	_, ok = DewPoint(20, 0)
	assert.False(t, ok)
}

func TestNormalize_Aliases(t *testing.T) {
	raw := RawReading{
		"ts":             float64(testNow.Unix()),
		"temperature":    "21.5",
		"rain":           3.0,
		"wind_direction": 45.0,
		"uv_index":       2.0,
		"device_id":      "FROM-PAYLOAD",
	}

	r, err := Normalize("", raw)
	require.NoError(t, err)

	assert.Equal(t, "FROM-PAYLOAD", r.DeviceID)
	assert.True(t, r.Timestamp.Equal(testNow))
	assert.Equal(t, 21.5, r.Temperature)
	assert.Equal(t, 3.0, r.Precipitation)
	assert.Equal(t, 45.0, r.WindDirection)
	assert.Equal(t, 2.0, r.UVIndex)
	assert.Zero(t, r.Humidity, "missing numeric fields default to zero")
	assert.Zero(t, r.Pressure)
}

func TestNormalize_MillisecondEpoch(t *testing.T) {
	r, err := Normalize("DEV-1", RawReading{"timestamp": float64(testNow.UnixMilli())})
	require.NoError(t, err)
	assert.True(t, r.Timestamp.Equal(testNow))
}

func TestNormalize_RejectsBadTimestamps(t *testing.T) {
	for _, raw := range []RawReading{
		{},
		{"timestamp": nil},
		{"timestamp": "yesterday"},
		{"timestamp": -5.0},
	} {
		_, err := Normalize("DEV-1", raw)
		assert.ErrorIs(t, err, ErrMissingTimestamp, "%v", raw)
	}
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, Haversine(-1.29, 36.82, -1.29, 36.82), 1e-9)
	assert.InDelta(t, 111.19, Haversine(0, 0, 0, 1), 0.01)
	// Nairobi to Mombasa.
	assert.InDelta(t, 439.9, Haversine(-1.2921, 36.8219, -4.0435, 39.6682), 0.5)
	assert.InDelta(t, Haversine(10, 20, 30, 40), Haversine(30, 40, 10, 20), 1e-9)
}
