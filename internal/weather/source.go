// Package weather is the client for third-party weather station data.
//
// Every outbound call runs through the same pipeline: cache check, rate-limit
// gate, provider call with a bounded timeout, retry with exponential backoff,
// cache write on success, then normalization and quality scoring. Raw provider
// payloads are cached; readings are re-scored on every read so the staleness
// penalty is always relative to the caller's clock.
//
// Where readings come from is a Source: HTTPSource talks to the provider REST
// API, SyntheticSource generates deterministic readings for development. The
// choice is made once at startup.
package weather

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Granularities accepted by History.
const (
	GranularityRaw    = "raw"
	GranularityHourly = "hourly"
	GranularityDaily  = "daily"
)

var (
	// ErrUnauthorized is returned for provider 401/403 responses. It is
	// permanent for the request and never retried.
	ErrUnauthorized = errors.New("weather: provider rejected credentials")

	// ErrMissingTimestamp is returned when a provider reading has no usable
	// timestamp. Timestamp is the one field that cannot default.
	ErrMissingTimestamp = errors.New("weather: reading has no timestamp")

	// ErrMalformedPayload is returned when a provider response body cannot be
	// decoded. Not retried: the provider answered, just badly.
	ErrMalformedPayload = errors.New("weather: malformed provider payload")
)

// RawReading is one provider observation with provider-specific field names.
type RawReading map[string]any

// RawDevice is one provider station descriptor with provider-specific field names.
type RawDevice map[string]any

// Source fetches raw provider payloads. Implementations do no caching,
// retrying or validation; Client layers those on top.
type Source interface {
	Current(ctx context.Context, deviceID string) (RawReading, error)
	History(ctx context.Context, deviceID string, start, end time.Time, granularity string) ([]RawReading, error)
	Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]RawDevice, error)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("weather: provider status %d: %s", e.Code, e.Body)
}

// UnavailableError reports that data for a device could not be fetched after
// all retries. Callers treat it as a recoverable skip.
type UnavailableError struct {
	DeviceID string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	target := e.DeviceID
	if target == "" {
		target = "nearby lookup"
	}
	return fmt.Sprintf("weather: data unavailable for device %s after %d attempts: %v", target, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
