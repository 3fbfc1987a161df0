package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/microcrop/trigger-engine/internal/metrics"
	"github.com/microcrop/trigger-engine/internal/weather"
)

// WeatherHealth exposes weather client counters.
type WeatherHealth interface {
	Health() weather.Health
}

// Status is a snapshot of engine health.
type Status struct {
	Healthy        bool           `json:"healthy"`
	Weather        weather.Health `json:"weather"`
	WeatherHealthy bool           `json:"weather_healthy"`
	CacheHitRate   float64        `json:"cache_hit_rate"`
	Sweeps         int64          `json:"sweeps"`
	SweepErrors    int64          `json:"sweep_errors"`
	LastSweep      *SweepReport   `json:"last_sweep,omitempty"`
	CheckedAt      time.Time      `json:"checked_at"`
}

// HealthMonitor periodically logs engine health and publishes it as gauges.
// It only reads counters and never blocks on I/O.
type HealthMonitor struct {
	weather  WeatherHealth
	sweeper  *Sweeper
	interval time.Duration
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewHealthMonitor creates a monitor. sweeper may be nil.
func NewHealthMonitor(wx WeatherHealth, sweeper *Sweeper, interval time.Duration, clock clockwork.Clock, m *metrics.Metrics, logger *slog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.NewForTesting()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		weather:  wx,
		sweeper:  sweeper,
		interval: interval,
		clock:    clock,
		metrics:  m,
		logger:   logger,
	}
}

// Run reports every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			m.Report()
		}
	}
}

// Check builds a status snapshot.
func (m *HealthMonitor) Check() Status {
	h := m.weather.Health()
	st := Status{
		Weather:        h,
		WeatherHealthy: h.Healthy(),
		CheckedAt:      m.clock.Now(),
	}
	if lookups := h.CacheHits + h.CacheMisses; lookups > 0 {
		st.CacheHitRate = float64(h.CacheHits) / float64(lookups)
	}
	if m.sweeper != nil {
		st.Sweeps, st.SweepErrors = m.sweeper.Counters()
		st.LastSweep = m.sweeper.LastReport()
	}
	st.Healthy = st.WeatherHealthy
	return st
}

// Report checks health, updates gauges and logs one status line.
func (m *HealthMonitor) Report() Status {
	st := m.Check()
	if st.WeatherHealthy {
		m.metrics.WeatherHealthy.Set(1)
	} else {
		m.metrics.WeatherHealthy.Set(0)
	}

	level := slog.LevelInfo
	if !st.Healthy {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "engine health",
		"weather_healthy", st.WeatherHealthy,
		"weather_requests", st.Weather.Requests,
		"weather_failures", st.Weather.Failures,
		"cache_hit_rate", st.CacheHitRate,
		"sweeps", st.Sweeps,
		"sweep_errors", st.SweepErrors,
	)
	return st
}

// Handler serves the current status as JSON; 503 when unhealthy.
func (m *HealthMonitor) Handler(w http.ResponseWriter, _ *http.Request) {
	st := m.Check()
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}
