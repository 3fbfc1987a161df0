package weather

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxBodyBytes bounds provider response bodies.
const maxBodyBytes = 4 << 20

// HTTPSource implements Source against the provider REST API.
type HTTPSource struct {
	token      string
	httpClient *http.Client
	baseURL    string
}

// NewHTTPSource creates a provider client. The per-attempt timeout is applied
// by Client through the request context; timeout here is the hard upper bound
// on the underlying transport.
func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

// Current handles GET /devices/{id}/current.
func (s *HTTPSource) Current(ctx context.Context, deviceID string) (RawReading, error) {
	u := fmt.Sprintf("%s/devices/%s/current", s.baseURL, url.PathEscape(deviceID))

	body, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var reading RawReading
	if err := decodeEnvelope(body, "data", &reading); err != nil {
		return nil, fmt.Errorf("decode current weather: %w: %w", ErrMalformedPayload, err)
	}
	return reading, nil
}

// History handles GET /devices/{id}/history?start&end&granularity.
func (s *HTTPSource) History(ctx context.Context, deviceID string, start, end time.Time, granularity string) ([]RawReading, error) {
	params := url.Values{
		"start":       {start.UTC().Format(time.RFC3339)},
		"end":         {end.UTC().Format(time.RFC3339)},
		"granularity": {granularity},
	}
	u := fmt.Sprintf("%s/devices/%s/history?%s", s.baseURL, url.PathEscape(deviceID), params.Encode())

	body, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var readings []RawReading
	if err := decodeEnvelope(body, "data", &readings); err != nil {
		return nil, fmt.Errorf("decode weather history: %w: %w", ErrMalformedPayload, err)
	}
	return readings, nil
}

// Nearby handles GET /devices/nearby?lat&lng&radius.
func (s *HTTPSource) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]RawDevice, error) {
	params := url.Values{
		"lat":    {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lng":    {strconv.FormatFloat(lng, 'f', 6, 64)},
		"radius": {strconv.FormatFloat(radiusKm, 'f', -1, 64)},
	}
	u := fmt.Sprintf("%s/devices/nearby?%s", s.baseURL, params.Encode())

	body, err := s.get(ctx, u)
	if err != nil {
		return nil, err
	}

	var devices []RawDevice
	if err := decodeEnvelope(body, "devices", &devices); err != nil {
		return nil, fmt.Errorf("decode nearby devices: %w: %w", ErrMalformedPayload, err)
	}
	return devices, nil
}

func (s *HTTPSource) get(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

// decodeEnvelope accepts either a bare JSON value or an object wrapping it
// under key, e.g. {"data": [...]}.
func decodeEnvelope(body []byte, key string, out any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return err
		}
		if inner, ok := env[key]; ok {
			return json.Unmarshal(inner, out)
		}
	}
	return json.Unmarshal(trimmed, out)
}
