package weather

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSource returns queued results and counts calls per operation.
type fakeSource struct {
	mu       sync.Mutex
	current  []RawReading
	history  []RawReading
	devices  []RawDevice
	errs     []error // consumed one per call before any payload
	calls    map[string]int
	lastArgs []any
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(map[string]int)}
}

func (f *fakeSource) next(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeSource) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSource) Current(_ context.Context, _ string) (RawReading, error) {
	if err := f.next("current"); err != nil {
		return nil, err
	}
	return f.current[0], nil
}

func (f *fakeSource) History(_ context.Context, deviceID string, start, end time.Time, granularity string) ([]RawReading, error) {
	f.lastArgs = []any{deviceID, start, end, granularity}
	if err := f.next("history"); err != nil {
		return nil, err
	}
	return f.history, nil
}

func (f *fakeSource) Nearby(_ context.Context, _, _, _ float64) ([]RawDevice, error) {
	if err := f.next("nearby"); err != nil {
		return nil, err
	}
	return f.devices, nil
}

func goodReading(ts time.Time) RawReading {
	return RawReading{
		"timestamp":      ts.Format(time.RFC3339),
		"temp":           24.5,
		"humidity":       60.0,
		"wind_speed":     3.2,
		"wind_dir":       180.0,
		"rainfall":       1.5,
		"pressure":       1012.0,
		"solar":          450.0,
		"uv":             6.0,
		"unrelated_flag": "x",
	}
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func testClient(t *testing.T, src Source, clock clockwork.Clock) (*Client, *recordedSleeps) {
	t.Helper()
	c := NewClient(src, Options{
		Clock:   clock,
		Limiter: NewRateLimiter(1000, time.Minute, clock),
		Metrics: metrics.NewForTesting(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sleeps := &recordedSleeps{}
	c.sleep = sleeps.sleep
	c.jitter = func() float64 { return 0 }
	return c, sleeps
}

func TestClient_GetCurrent_CacheHitSkipsNetwork(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow.Add(-2 * time.Minute))}
	c, _ := testClient(t, src, clock)

	first, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	require.Equal(t, 1, src.count("current"))

	clock.Advance(4 * time.Minute)
	second, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)

	assert.Equal(t, 1, src.count("current"), "cached entry younger than 5 minutes must not hit the provider")
	assert.Equal(t, first.Temperature, second.Temperature)
	assert.Equal(t, int64(1), c.Health().CacheHits)
}

func TestClient_GetCurrent_CacheExpires(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow)}
	c, _ := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)

	clock.Advance(CurrentTTL)
	_, err = c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("current"))
}

func TestClient_GetCurrent_NormalizesAndScores(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow.Add(-10 * time.Minute))}
	c, _ := testClient(t, src, clock)

	r, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)

	assert.Equal(t, "DEV-1", r.DeviceID)
	assert.Equal(t, 24.5, r.Temperature)
	assert.Equal(t, 1.5, r.Precipitation)
	assert.Equal(t, 180.0, r.WindDirection)
	assert.Equal(t, 6.0, r.UVIndex)
	assert.Equal(t, 100, r.QualityScore)
	assert.Empty(t, r.ValidationErrors)
	assert.Empty(t, r.ValidationWarnings)
}

func TestClient_StalenessIsScoredAtReadTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow.Add(-58 * time.Minute))}
	c, _ := testClient(t, src, clock)

	r, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, 100, r.QualityScore)

	// Still cached, but now older than an hour.
	clock.Advance(3 * time.Minute)
	r, err = c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("current"))
	assert.Equal(t, 90, r.QualityScore)
	assert.Len(t, r.ValidationWarnings, 1)
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow)}
	src.errs = []error{
		&StatusError{Code: http.StatusServiceUnavailable},
		&StatusError{Code: http.StatusTooManyRequests},
	}
	c, sleeps := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)

	assert.Equal(t, 3, src.count("current"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestClient_ExhaustedRetriesReturnUnavailable(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	transport := errors.New("connection reset by peer")
	src.errs = []error{transport, transport, transport, transport}
	c, _ := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-9")
	require.Error(t, err)

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "DEV-9", unavailable.DeviceID)
	assert.Equal(t, 3, unavailable.Attempts)
	assert.ErrorIs(t, err, transport)
	assert.Equal(t, 3, src.count("current"))
}

func TestClient_ClientErrorsFailImmediately(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.errs = []error{&StatusError{Code: http.StatusNotFound, Body: "no such device"}}
	c, sleeps := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, IsUnavailable(err))
	assert.Equal(t, 1, src.count("current"))
	assert.Empty(t, sleeps.delays)
}

func TestClient_UnauthorizedIsNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		clock := clockwork.NewFakeClockAt(testNow)
		src := newFakeSource()
		src.errs = []error{&StatusError{Code: code}}
		c, _ := testClient(t, src, clock)

		_, err := c.GetCurrent(context.Background(), "DEV-1")
		assert.ErrorIs(t, err, ErrUnauthorized, "status %d", code)
		assert.True(t, IsUnauthorized(err))
		assert.Equal(t, 1, src.count("current"))
	}
}

func TestClient_ErrorsAreNotCached(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow)}
	src.errs = []error{&StatusError{Code: http.StatusBadRequest}}
	c, _ := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.Error(t, err)

	_, err = c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, 2, src.count("current"))
}

func TestClient_MissingTimestampRejected(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{{"temperature": 20.0}}
	c, _ := testClient(t, src, clock)

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	assert.ErrorIs(t, err, ErrMissingTimestamp)
}

func TestClient_GetHistory_DropsUntimedAndSorts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.history = []RawReading{
		goodReading(testNow.Add(-1 * time.Hour)),
		{"temperature": 30.0},
		goodReading(testNow.Add(-3 * time.Hour)),
		goodReading(testNow.Add(-2 * time.Hour)),
	}
	c, _ := testClient(t, src, clock)

	start := testNow.Add(-7 * 24 * time.Hour)
	readings, err := c.GetHistory(context.Background(), "DEV-1", start, testNow, "")
	require.NoError(t, err)

	require.Len(t, readings, 3)
	for i := 1; i < len(readings); i++ {
		assert.True(t, readings[i-1].Timestamp.Before(readings[i].Timestamp))
	}
	assert.Equal(t, GranularityHourly, src.lastArgs[3])

	_, err = c.GetHistory(context.Background(), "DEV-1", start, testNow, GranularityHourly)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count("history"), "identical history query should be served from cache")
}

func TestClient_FindNearby_FiltersAndSorts(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.devices = []RawDevice{
		{"id": "FAR", "latitude": -1.0921, "longitude": 36.6719},
		{"device_id": "MID", "lat": -1.3221, "lng": 36.8419, "active": false},
		{"device_id": "NEAR", "lat": -1.2821, "lon": 36.8319},
		{"name": "no id"},
	}
	c, _ := testClient(t, src, clock)

	devices, err := c.FindNearby(context.Background(), -1.2921, 36.8219, 10)
	require.NoError(t, err)

	require.Len(t, devices, 2)
	assert.Equal(t, "NEAR", devices[0].DeviceID)
	assert.True(t, devices[0].Active)
	assert.InDelta(t, 1.57, devices[0].DistanceKm, 0.01)
	assert.Equal(t, "MID", devices[1].DeviceID)
	assert.False(t, devices[1].Active)
	assert.InDelta(t, 4.01, devices[1].DistanceKm, 0.01)
}

type captureListener struct {
	mu    sync.Mutex
	count int
}

func (l *captureListener) OnWeatherData(_ string, readings []model.WeatherReading) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count += len(readings)
}

func TestClient_EmitsToListener(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow)}
	listener := &captureListener{}

	c := NewClient(src, Options{
		Clock:    clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Listener: listener,
	})

	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.Equal(t, 1, listener.count)
}

func TestClient_HealthTracksFailures(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testNow)
	src := newFakeSource()
	src.current = []RawReading{goodReading(testNow)}
	src.errs = []error{&StatusError{Code: http.StatusBadRequest}}
	c, _ := testClient(t, src, clock)

	assert.True(t, c.Health().Healthy())

	_, _ = c.GetCurrent(context.Background(), "DEV-1")
	h := c.Health()
	assert.Equal(t, int64(1), h.Failures)
	assert.False(t, h.Healthy())

	clock.Advance(time.Second)
	_, err := c.GetCurrent(context.Background(), "DEV-1")
	require.NoError(t, err)
	assert.True(t, c.Health().Healthy())
	assert.Equal(t, int64(2), c.Health().Requests)
}
