package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port   string
	DBPath string
	// BaseURL is the externally visible origin short links are minted under.
	BaseURL string
	// APIKey guards the owner management API.
	APIKey    string
	GeoIPPath string
	CacheSize int

	// SessionIdleWindow is how long a session may go without events before
	// the sweeper force-closes it.
	SessionIdleWindow time.Duration
	SweepInterval     time.Duration

	RollupInterval time.Duration
	RollupWindow   time.Duration

	// RatePerSecond / RateBurst bound each visitor IP on the public surface.
	RatePerSecond float64
	RateBurst     int

	MaxMetadataBytes int

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment, honoring a .env file when
// present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	apiKey := os.Getenv("ARLINK_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ARLINK_API_KEY is required")
	}

	cfg := &Config{
		Port:              envOrDefault("ARLINK_PORT", "8080"),
		DBPath:            envOrDefault("ARLINK_DB_PATH", "./arlink.db"),
		BaseURL:           envOrDefault("ARLINK_BASE_URL", "http://localhost:8080"),
		APIKey:            apiKey,
		GeoIPPath:         os.Getenv("ARLINK_GEOIP_PATH"),
		CacheSize:         parseInt("ARLINK_CACHE_SIZE", 10000),
		SessionIdleWindow: parseDuration("ARLINK_SESSION_IDLE_WINDOW", 30*time.Minute),
		SweepInterval:     parseDuration("ARLINK_SWEEP_INTERVAL", 5*time.Minute),
		RollupInterval:    parseDuration("ARLINK_ROLLUP_INTERVAL", 15*time.Minute),
		RollupWindow:      parseDuration("ARLINK_ROLLUP_WINDOW", 48*time.Hour),
		RatePerSecond:     parseFloat("ARLINK_RATE_PER_SECOND", 20),
		RateBurst:         parseInt("ARLINK_RATE_BURST", 40),
		MaxMetadataBytes:  parseInt("ARLINK_MAX_METADATA_BYTES", 16*1024),
		LogLevel:          envOrDefault("ARLINK_LOG_LEVEL", "info"),
		LogFormat:         envOrDefault("ARLINK_LOG_FORMAT", "console"),
	}

	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("ARLINK_CACHE_SIZE must be positive")
	}
	if cfg.SessionIdleWindow <= 0 {
		return nil, fmt.Errorf("ARLINK_SESSION_IDLE_WINDOW must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("ARLINK_SWEEP_INTERVAL must be positive")
	}
	if cfg.RollupInterval <= 0 {
		return nil, fmt.Errorf("ARLINK_ROLLUP_INTERVAL must be positive")
	}
	if cfg.RatePerSecond <= 0 || cfg.RateBurst <= 0 {
		return nil, fmt.Errorf("rate limit settings must be positive")
	}
	if cfg.MaxMetadataBytes <= 0 {
		return nil, fmt.Errorf("ARLINK_MAX_METADATA_BYTES must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
