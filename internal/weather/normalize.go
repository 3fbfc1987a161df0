package weather

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/microcrop/trigger-engine/internal/model"
)

// Provider field aliases, in lookup order.
var (
	aliasTimestamp     = []string{"timestamp", "ts", "time", "observed_at"}
	aliasDeviceID      = []string{"device_id", "deviceId", "station_id", "id"}
	aliasTemperature   = []string{"temperature", "temp", "air_temp"}
	aliasHumidity      = []string{"humidity", "rh", "relative_humidity"}
	aliasWindSpeed     = []string{"wind_speed", "windSpeed", "wind"}
	aliasWindDirection = []string{"wind_direction", "windDirection", "wind_dir"}
	aliasPrecipitation = []string{"precipitation", "rainfall", "rain", "precip"}
	aliasPressure      = []string{"pressure", "baro", "barometric_pressure"}
	aliasSolar         = []string{"solar_radiation", "solarRadiation", "solar"}
	aliasUV            = []string{"uv_index", "uvIndex", "uv"}

	aliasName   = []string{"name", "label"}
	aliasLat    = []string{"lat", "latitude"}
	aliasLng    = []string{"lng", "lon", "long", "longitude"}
	aliasActive = []string{"active", "online", "is_active"}
)

// Normalize maps a provider reading into a WeatherReading. Missing numeric
// fields default to 0. A missing or unparseable timestamp is a rejection.
// Quality fields are left empty; see Validate.
func Normalize(deviceID string, raw RawReading) (model.WeatherReading, error) {
	ts, ok := timeField(raw, aliasTimestamp...)
	if !ok {
		return model.WeatherReading{}, ErrMissingTimestamp
	}

	if id, ok := stringField(raw, aliasDeviceID...); ok && deviceID == "" {
		deviceID = id
	}

	return model.WeatherReading{
		DeviceID:       deviceID,
		Timestamp:      ts.UTC(),
		Temperature:    numberField(raw, aliasTemperature...),
		Humidity:       numberField(raw, aliasHumidity...),
		WindSpeed:      numberField(raw, aliasWindSpeed...),
		WindDirection:  numberField(raw, aliasWindDirection...),
		Precipitation:  numberField(raw, aliasPrecipitation...),
		Pressure:       numberField(raw, aliasPressure...),
		SolarRadiation: numberField(raw, aliasSolar...),
		UVIndex:        numberField(raw, aliasUV...),
	}, nil
}

// NormalizeDevice maps a provider station descriptor. DistanceKm is filled
// in by the caller. Stations that do not report an active flag are assumed
// active.
func NormalizeDevice(raw RawDevice) (model.DeviceDescriptor, error) {
	m := RawReading(raw)
	id, ok := stringField(m, aliasDeviceID...)
	if !ok {
		return model.DeviceDescriptor{}, fmt.Errorf("weather: device descriptor has no id")
	}
	name, _ := stringField(m, aliasName...)
	active := true
	if v, ok := boolField(m, aliasActive...); ok {
		active = v
	}
	return model.DeviceDescriptor{
		DeviceID: id,
		Name:     name,
		Lat:      numberField(m, aliasLat...),
		Lng:      numberField(m, aliasLng...),
		Active:   active,
	}, nil
}

func lookup(raw map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func numberField(raw map[string]any, keys ...string) float64 {
	v, ok := lookup(raw, keys...)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func stringField(raw map[string]any, keys ...string) (string, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, s != ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	}
	return "", false
}

func boolField(raw map[string]any, keys ...string) (bool, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// timeField accepts RFC 3339 strings or unix epochs in seconds or
// milliseconds.
func timeField(raw map[string]any, keys ...string) (time.Time, bool) {
	v, ok := lookup(raw, keys...)
	if !ok {
		return time.Time{}, false
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), true
	}
	return time.Unix(int64(f), 0), true
}
