package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradegate/pkg/exchanges/common"
)

// Config holds environment-driven settings for the trading gateway.
type Config struct {
	Port string

	// Database
	DBPath string

	// Auth: tokens are minted by the main application; this service only
	// verifies them.
	JWTSecret string

	// System-level fallback credentials, used when an operation runs without
	// a user context (health probes, admin tooling).
	SystemBybitKey    string
	SystemBybitSecret string
	SystemTestnet     bool

	// History sync
	HistorySyncInterval time.Duration

	// Logging
	LogLevel      string
	LogFormat     string // "text" or "json"
	LogOutput     string // "stdout", "stderr", or a file path
	LogMaxAgeDays int

	// Rate-limit budgets, optionally overridden from a YAML file.
	RateLimits map[string]common.Budget
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", "8081"),
		DBPath:              getEnv("DB_PATH", "./data/tradegate.db"),
		JWTSecret:           getEnv("JWT_SECRET", ""),
		SystemBybitKey:      os.Getenv("BYBIT_API_KEY"),
		SystemBybitSecret:   os.Getenv("BYBIT_API_SECRET"),
		SystemTestnet:       getEnv("BYBIT_TESTNET", "false") == "true",
		HistorySyncInterval: getEnvDuration("HISTORY_SYNC_INTERVAL", 15*time.Minute),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFormat:           getEnv("LOG_FORMAT", "text"),
		LogOutput:           getEnv("LOG_OUTPUT", "stdout"),
		LogMaxAgeDays:       getEnvInt("LOG_MAX_AGE_DAYS", 30),
		RateLimits:          common.DefaultBudgets,
	}

	if path := os.Getenv("RATE_LIMITS_FILE"); path != "" {
		limits, err := loadRateLimits(path)
		if err != nil {
			return nil, err
		}
		cfg.RateLimits = limits
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

// loadRateLimits reads per-exchange budgets from a YAML file. Exchanges not
// listed keep their compiled-in defaults.
func loadRateLimits(path string) (map[string]common.Budget, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits file: %w", err)
	}

	var file struct {
		Exchanges map[string]struct {
			PerSecond int    `yaml:"per_second"`
			PerMinute int    `yaml:"per_minute"`
			Cooldown  string `yaml:"cooldown_after_error"`
		} `yaml:"exchanges"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rate limits file: %w", err)
	}

	limits := make(map[string]common.Budget, len(common.DefaultBudgets))
	for name, b := range common.DefaultBudgets {
		limits[name] = b
	}
	for name, b := range file.Exchanges {
		base := limits[name]
		if b.PerSecond > 0 {
			base.PerSecond = b.PerSecond
		}
		if b.PerMinute > 0 {
			base.PerMinute = b.PerMinute
		}
		if b.Cooldown != "" {
			d, err := time.ParseDuration(b.Cooldown)
			if err != nil {
				return nil, fmt.Errorf("parse cooldown for %s: %w", name, err)
			}
			base.Cooldown = d
		}
		limits[name] = base
	}
	return limits, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
