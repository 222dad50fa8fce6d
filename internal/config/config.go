package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the ad engine.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Delivery   DeliveryConfig
	Pacing     PacingConfig
	Fraud      FraudConfig
	Auction    AuctionConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the analytics event ledger sink.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled    bool
	ServeRPS   float64
	ServeBurst int
	MgmtRPS    float64
	MgmtBurst  int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures GeoIP lookup for serving requests.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
}

// DeliveryConfig holds serving-decision settings.
type DeliveryConfig struct {
	// ImpressionTTL is how long an issued impression token stays confirmable.
	ImpressionTTL time.Duration
	// DwellThreshold is the minimum dwell time for a billable impression.
	DwellThreshold time.Duration
	// ClickDedupeWindow is the rolling window for click billing dedupe.
	ClickDedupeWindow time.Duration
	// ExplorationRate is the fraction of decisions served from non-winning
	// eligible candidates to keep CTR estimates calibrated.
	ExplorationRate float64
	// ExplorationTopN is how many runners-up exploration may pick from.
	ExplorationTopN int
}

// PacingConfig holds frequency-cap and budget-smoothing settings.
type PacingConfig struct {
	// FreqCapPerViewerPerDay caps impressions per viewer per campaign per day.
	FreqCapPerViewerPerDay int
	// FreqCapPerViewerPerHour caps impressions per viewer per campaign per hour.
	FreqCapPerViewerPerHour int
	// ThrottleRatio is the max actual-to-expected spend ratio before a
	// campaign is deprioritized for the current tick.
	ThrottleRatio float64
}

// FraudConfig holds fraud-risk thresholds.
type FraudConfig struct {
	// HardBlockThreshold excludes a candidate from ranking entirely.
	HardBlockThreshold float64
	// SoftPenaltyThreshold keeps the candidate eligible but penalized in rank.
	SoftPenaltyThreshold float64
}

// AuctionConfig holds premium-slot auction ticker settings.
type AuctionConfig struct {
	TickInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("ADENGINE_HTTP_ADDR", ":8080"),
			Env:             getEnv("ADENGINE_ENV", "development"),
			ShutdownTimeout: getDurationEnv("ADENGINE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("ADENGINE_DB_HOST", "localhost"),
			Port:     getIntEnv("ADENGINE_DB_PORT", 5432),
			User:     getEnv("ADENGINE_DB_USER", "adengine"),
			Password: getEnv("ADENGINE_DB_PASSWORD", "adengine_secret"),
			DBName:   getEnv("ADENGINE_DB_NAME", "adengine"),
			SSLMode:  getEnv("ADENGINE_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("ADENGINE_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("ADENGINE_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("ADENGINE_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("ADENGINE_REDIS_PASSWORD", ""),
			DB:       getIntEnv("ADENGINE_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("ADENGINE_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("ADENGINE_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("ADENGINE_CLICKHOUSE_DB", "adengine"),
			User:     getEnv("ADENGINE_CLICKHOUSE_USER", "default"),
			Password: getEnv("ADENGINE_CLICKHOUSE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("ADENGINE_AUTH_ENABLED", true),
			MasterKey: getEnv("ADENGINE_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("ADENGINE_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/ads/"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:    getBoolEnv("ADENGINE_RATE_LIMIT_ENABLED", true),
			ServeRPS:   getFloatEnv("ADENGINE_RATE_LIMIT_SERVE_RPS", 1000),
			ServeBurst: getIntEnv("ADENGINE_RATE_LIMIT_SERVE_BURST", 100),
			MgmtRPS:    getFloatEnv("ADENGINE_RATE_LIMIT_MGMT_RPS", 100),
			MgmtBurst:  getIntEnv("ADENGINE_RATE_LIMIT_MGMT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("ADENGINE_LOG_LEVEL", "info"),
			Format: getEnv("ADENGINE_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("ADENGINE_METRICS_ENABLED", true),
			Path:    getEnv("ADENGINE_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("ADENGINE_GEO_ENABLED", false),
			DatabasePath: getEnv("ADENGINE_GEO_DB_PATH", "/app/data/GeoLite2-City.mmdb"),
		},
		Delivery: DeliveryConfig{
			ImpressionTTL:     getDurationEnv("ADENGINE_IMPRESSION_TTL", 10*time.Minute),
			DwellThreshold:    getDurationEnv("ADENGINE_DWELL_THRESHOLD", 800*time.Millisecond),
			ClickDedupeWindow: getDurationEnv("ADENGINE_CLICK_DEDUPE_WINDOW", 45*time.Second),
			ExplorationRate:   getFloatEnv("ADENGINE_EXPLORATION_RATE", 0.10),
			ExplorationTopN:   getIntEnv("ADENGINE_EXPLORATION_TOP_N", 3),
		},
		Pacing: PacingConfig{
			FreqCapPerViewerPerDay:  getIntEnv("ADENGINE_FREQ_CAP_DAY", 3),
			FreqCapPerViewerPerHour: getIntEnv("ADENGINE_FREQ_CAP_HOUR", 1),
			ThrottleRatio:           getFloatEnv("ADENGINE_PACING_THROTTLE_RATIO", 1.25),
		},
		Fraud: FraudConfig{
			HardBlockThreshold:   getFloatEnv("ADENGINE_FRAUD_HARD_BLOCK", 0.85),
			SoftPenaltyThreshold: getFloatEnv("ADENGINE_FRAUD_SOFT_PENALTY", 0.65),
		},
		Auction: AuctionConfig{
			TickInterval: getDurationEnv("ADENGINE_AUCTION_TICK_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("ADENGINE_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Delivery.ExplorationRate < 0 || c.Delivery.ExplorationRate > 1 {
		return fmt.Errorf("ADENGINE_EXPLORATION_RATE must be in [0,1]")
	}
	if c.Fraud.SoftPenaltyThreshold > c.Fraud.HardBlockThreshold {
		return fmt.Errorf("fraud soft-penalty threshold cannot exceed hard-block threshold")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
