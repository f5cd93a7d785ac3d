package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the server settings.
type Config struct {
	// Server
	Port string

	// Storage
	DBPath   string
	RedisURL string // empty = no cross-process lock

	// Logging
	LogLevel string

	// Night audit scheduler
	SchedulerEnabled bool
	RunHour          int           // local hour after which yesterday is audited
	CheckInterval    time.Duration // how often the scheduler looks
	StaleAfter       time.Duration // in-progress runs older than this are abandoned
	RetryFailedAfter time.Duration // scheduler back-off after a failed run
	Actor            string        // StartedBy for scheduled runs
	LockTTL          time.Duration
}

// Load reads .env (if present) and the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnv("PORT", "8080"),
		DBPath:   getEnv("DB_PATH", "./night-audit.db"),
		RedisURL: getEnv("REDIS_URL", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SchedulerEnabled: getEnvBool("AUDIT_SCHEDULER_ENABLED", true),
		RunHour:          getEnvInt("AUDIT_RUN_HOUR", 2),
		CheckInterval:    getEnvDuration("AUDIT_CHECK_INTERVAL", 15*time.Minute),
		StaleAfter:       getEnvDuration("AUDIT_STALE_AFTER", 2*time.Hour),
		RetryFailedAfter: getEnvDuration("AUDIT_RETRY_FAILED_AFTER", time.Hour),
		Actor:            getEnv("AUDIT_ACTOR", "night-audit-scheduler"),
		LockTTL:          getEnvDuration("AUDIT_LOCK_TTL", 30*time.Second),
	}
}

// Validate replaces out-of-range values with defaults, logging each.
func (c *Config) Validate(log *zap.Logger) {
	if c.RunHour < 0 || c.RunHour > 23 {
		log.Warn("AUDIT_RUN_HOUR out of range, using 2", zap.Int("run_hour", c.RunHour))
		c.RunHour = 2
	}
	if c.CheckInterval <= 0 {
		log.Warn("AUDIT_CHECK_INTERVAL must be positive, using 15m")
		c.CheckInterval = 15 * time.Minute
	}
	if c.RedisURL == "" {
		log.Info("REDIS_URL is not set, using an in-process run lock: run one instance per database")
	}
}

// NewLogger builds a production zap logger at level ("debug", "info", ...).
// Unknown levels fall back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

// getEnvDuration accepts Go durations ("90s", "2h").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return v
}
