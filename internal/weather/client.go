package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/model"
)

const defaultTimeout = 10 * time.Second

// DataListener is notified after readings are fetched and scored.
type DataListener interface {
	OnWeatherData(deviceID string, readings []model.WeatherReading)
}

// Options configures a Client. Zero values get defaults.
type Options struct {
	Cache    Cache
	Limiter  *RateLimiter
	Retry    RetryPolicy
	Timeout  time.Duration
	Clock    clockwork.Clock
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Listener DataListener
}

// Client fetches, caches and scores weather data from a Source.
// Safe for concurrent use.
type Client struct {
	source   Source
	cache    Cache
	limiter  *RateLimiter
	retry    RetryPolicy
	timeout  time.Duration
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
	listener DataListener

	// Swappable in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64

	requests    atomic.Int64
	failures    atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	lastSuccess atomic.Int64 // unix nanos
	lastFailure atomic.Int64 // unix nanos
}

// NewClient creates a Client around source.
func NewClient(source Source, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache(opts.Clock)
	}
	if opts.Limiter == nil {
		opts.Limiter = NewRateLimiter(60, time.Minute, opts.Clock)
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewForTesting()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Client{
		source:   source,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		retry:    opts.Retry,
		timeout:  opts.Timeout,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		listener: opts.Listener,
		jitter:   rand.Float64,
	}
	c.sleep = c.clockSleep
	c.limiter.onWait = c.metrics.RateLimitWaits.Inc
	return c
}

// GetCurrent returns the latest scored reading for a device.
func (c *Client) GetCurrent(ctx context.Context, deviceID string) (model.WeatherReading, error) {
	key := "current:" + deviceID
	data, err := c.fetch(ctx, "current", deviceID, key, CurrentTTL, func(ctx context.Context) (any, error) {
		return c.source.Current(ctx, deviceID)
	})
	if err != nil {
		return model.WeatherReading{}, err
	}

	var raw RawReading
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.WeatherReading{}, fmt.Errorf("current %s: %w: %w", deviceID, ErrMalformedPayload, err)
	}
	r, err := Normalize(deviceID, raw)
	if err != nil {
		c.metrics.ReadingsRejected.Inc()
		return model.WeatherReading{}, fmt.Errorf("current %s: %w", deviceID, err)
	}
	Validate(&r, c.clock.Now())

	c.emit(deviceID, []model.WeatherReading{r})
	return r, nil
}

// GetHistory returns scored readings for [start, end] ordered by time.
// Readings without a timestamp are dropped.
func (c *Client) GetHistory(ctx context.Context, deviceID string, start, end time.Time, granularity string) ([]model.WeatherReading, error) {
	if granularity == "" {
		granularity = GranularityHourly
	}
	key := fmt.Sprintf("history:%s:%d:%d:%s", deviceID, start.Unix(), end.Unix(), granularity)
	data, err := c.fetch(ctx, "history", deviceID, key, HistoryTTL, func(ctx context.Context) (any, error) {
		return c.source.History(ctx, deviceID, start, end, granularity)
	})
	if err != nil {
		return nil, err
	}

	var raws []RawReading
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("history %s: %w: %w", deviceID, ErrMalformedPayload, err)
	}

	now := c.clock.Now()
	readings := make([]model.WeatherReading, 0, len(raws))
	for _, raw := range raws {
		r, err := Normalize(deviceID, raw)
		if err != nil {
			c.metrics.ReadingsRejected.Inc()
			continue
		}
		Validate(&r, now)
		readings = append(readings, r)
	}
	if dropped := len(raws) - len(readings); dropped > 0 {
		c.logger.Warn("dropped provider readings", "device_id", deviceID, "dropped", dropped)
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	c.emit(deviceID, readings)
	return readings, nil
}

// FindNearby returns active and inactive stations within radiusKm of the
// point, nearest first.
func (c *Client) FindNearby(ctx context.Context, lat, lng, radiusKm float64) ([]model.DeviceDescriptor, error) {
	key := fmt.Sprintf("nearby:%.5f:%.5f:%g", lat, lng, radiusKm)
	data, err := c.fetch(ctx, "nearby", "", key, NearbyTTL, func(ctx context.Context) (any, error) {
		return c.source.Nearby(ctx, lat, lng, radiusKm)
	})
	if err != nil {
		return nil, err
	}

	var raws []RawDevice
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("nearby: %w: %w", ErrMalformedPayload, err)
	}

	devices := make([]model.DeviceDescriptor, 0, len(raws))
	for _, raw := range raws {
		d, err := NormalizeDevice(raw)
		if err != nil {
			continue
		}
		d.DistanceKm = Haversine(lat, lng, d.Lat, d.Lng)
		if d.DistanceKm > radiusKm {
			continue
		}
		devices = append(devices, d)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].DistanceKm < devices[j].DistanceKm
	})
	return devices, nil
}

// fetch returns the raw JSON payload for key, from cache or from call.
func (c *Client) fetch(ctx context.Context, op, deviceID, key string, ttl time.Duration, call func(context.Context) (any, error)) ([]byte, error) {
	if data, ok := c.cache.Get(ctx, key); ok {
		c.cacheHits.Add(1)
		c.metrics.WeatherCache.WithLabelValues(op, "hit").Inc()
		return data, nil
	}
	c.cacheMisses.Add(1)
	c.metrics.WeatherCache.WithLabelValues(op, "miss").Inc()

	start := c.clock.Now()
	defer func() {
		c.metrics.WeatherLatency.WithLabelValues(op).Observe(c.clock.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		c.requests.Add(1)
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		v, err := call(actx)
		cancel()

		if err == nil {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%s %s: encode payload: %w", op, deviceID, err)
			}
			c.cache.Set(ctx, key, data, ttl)
			c.lastSuccess.Store(c.clock.Now().UnixNano())
			c.metrics.WeatherRequests.WithLabelValues(op, "success").Inc()
			return data, nil
		}

		c.failures.Add(1)
		c.lastFailure.Store(c.clock.Now().UnixNano())

		if isAuthFailure(err) {
			c.metrics.WeatherRequests.WithLabelValues(op, "error").Inc()
			c.logger.Error("weather provider rejected credentials", "operation", op, "device_id", deviceID, "err", err)
			return nil, fmt.Errorf("%s %s: %w", op, deviceID, ErrUnauthorized)
		}
		if !Retryable(ctx, err) {
			c.metrics.WeatherRequests.WithLabelValues(op, "error").Inc()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s %s: %w", op, deviceID, err)
		}
		if attempt >= c.retry.MaxAttempts {
			c.metrics.WeatherRequests.WithLabelValues(op, "unavailable").Inc()
			c.logger.Warn("weather data unavailable", "operation", op, "device_id", deviceID, "attempts", attempt, "err", err)
			return nil, &UnavailableError{DeviceID: deviceID, Attempts: attempt, Err: err}
		}

		delay := c.retry.Backoff(attempt, c.jitter())
		c.metrics.WeatherRetries.WithLabelValues(op).Inc()
		c.logger.Debug("retrying weather request", "operation", op, "device_id", deviceID, "attempt", attempt, "delay", delay, "err", err)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) clockSleep(ctx context.Context, d time.Duration) error {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

func (c *Client) emit(deviceID string, readings []model.WeatherReading) {
	if c.listener == nil || len(readings) == 0 {
		return
	}
	c.listener.OnWeatherData(deviceID, readings)
}

// Health is a point-in-time view of the client counters.
type Health struct {
	Requests    int64     `json:"requests"`
	Failures    int64     `json:"failures"`
	CacheHits   int64     `json:"cache_hits"`
	CacheMisses int64     `json:"cache_misses"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Healthy reports whether the client is usable: either no call has failed
// yet, or the latest success is newer than the latest failure.
func (h Health) Healthy() bool {
	if h.LastFailure.IsZero() {
		return true
	}
	return h.LastSuccess.After(h.LastFailure)
}

// Health reads the counters without blocking.
func (c *Client) Health() Health {
	h := Health{
		Requests:    c.requests.Load(),
		Failures:    c.failures.Load(),
		CacheHits:   c.cacheHits.Load(),
		CacheMisses: c.cacheMisses.Load(),
	}
	if ns := c.lastSuccess.Load(); ns != 0 {
		h.LastSuccess = time.Unix(0, ns)
	}
	if ns := c.lastFailure.Load(); ns != 0 {
		h.LastFailure = time.Unix(0, ns)
	}
	return h
}

// IsUnauthorized reports whether err came from a 401/403 provider response.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
