// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Weather source selectors.
const (
	WeatherSourceHTTP      = "http"
	WeatherSourceSynthetic = "synthetic"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	WeatherSource    string
	WeatherAPIURL    string
	WeatherAPIToken  string
	WeatherTimeout   time.Duration
	WeatherRateLimit int
	MinQualityScore  int

	SweepInterval     time.Duration
	SweepConcurrency  int
	HealthInterval    time.Duration
	SettlementTimeout time.Duration

	LedgerURL   string
	LedgerToken string

	WebhookSecret string
	AlertRadiusKm float64
	JWTSecret     string

	KafkaBrokers []string
	KafkaTopic   string

	CropCatalog string

	// Exposure limits; zero disables a limit.
	MaxFarmerCoverage decimal.Decimal
	MaxAreaCoverage   decimal.Decimal
	ExposureCellDeg   float64
}

// Load reads configuration from environment variables, applying defaults
// where unset. Errors name the offending variable.
func Load() (*Config, error) {
	var p parser
	cfg := &Config{
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", "10s"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		CacheTTL:    p.duration("CACHE_TTL", "5m"),

		WeatherSource:    envOrDefault("WEATHER_SOURCE", WeatherSourceHTTP),
		WeatherAPIURL:    os.Getenv("WEATHER_API_URL"),
		WeatherAPIToken:  os.Getenv("WEATHER_API_TOKEN"),
		WeatherTimeout:   p.duration("WEATHER_TIMEOUT", "30s"),
		WeatherRateLimit: p.positiveInt("WEATHER_RATE_LIMIT", 100),
		MinQualityScore:  p.intRange("MIN_QUALITY_SCORE", 0, 0, 100),

		SweepInterval:     p.duration("SWEEP_INTERVAL", "1h"),
		SweepConcurrency:  p.positiveInt("SWEEP_CONCURRENCY", 8),
		HealthInterval:    p.duration("HEALTH_INTERVAL", "5m"),
		SettlementTimeout: p.duration("SETTLEMENT_TIMEOUT", "30s"),

		LedgerURL:   os.Getenv("LEDGER_URL"),
		LedgerToken: os.Getenv("LEDGER_TOKEN"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AlertRadiusKm: p.positiveFloat("ALERT_RADIUS_KM", 10),
		JWTSecret:     os.Getenv("JWT_SECRET"),

		KafkaBrokers: parseList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   envOrDefault("KAFKA_TOPIC", "payout-decisions"),

		CropCatalog: os.Getenv("CROP_CATALOG"),

		MaxFarmerCoverage: p.amount("MAX_FARMER_COVERAGE"),
		MaxAreaCoverage:   p.amount("MAX_AREA_COVERAGE"),
		ExposureCellDeg:   p.positiveFloat("EXPOSURE_CELL_DEG", 0.1),
	}
	if p.err != nil {
		return nil, p.err
	}

	switch cfg.WeatherSource {
	case WeatherSourceHTTP:
		if cfg.WeatherAPIURL == "" {
			return nil, fmt.Errorf("WEATHER_API_URL is required when WEATHER_SOURCE=%s", WeatherSourceHTTP)
		}
	case WeatherSourceSynthetic:
	default:
		return nil, fmt.Errorf("invalid WEATHER_SOURCE %q: want %s or %s", cfg.WeatherSource, WeatherSourceHTTP, WeatherSourceSynthetic)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT %q", cfg.LogFormat)
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return cfg, nil
}

// KafkaEnabled reports whether payout decisions are published to Kafka.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first error so Load can read every variable in one pass.
type parser struct {
	err error
}

func (p *parser) fail(key, value string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q", key, value)
	}
}

func (p *parser) duration(key, fallback string) time.Duration {
	s := envOrDefault(key, fallback)
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(key, s)
		return 0
	}
	return d
}

func (p *parser) positiveInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		p.fail(key, s)
		return 0
	}
	return n
}

func (p *parser) intRange(key string, fallback, lo, hi int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		p.fail(key, s)
		return 0
	}
	return n
}

func (p *parser) positiveFloat(key string, fallback float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		p.fail(key, s)
		return 0
	}
	return f
}

func (p *parser) amount(key string) decimal.Decimal {
	s := os.Getenv(key)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		p.fail(key, s)
		return decimal.Zero
	}
	return d
}
