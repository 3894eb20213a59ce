package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Session lifecycle policy. The staleness threshold and recovery
	// timings are deliberately configuration, not constants.
	SessionStaleAfter      time.Duration
	PausedRetention        time.Duration
	HeartbeatInterval      time.Duration
	AnalyticsFlushInterval time.Duration
	ExpirySweepInterval    time.Duration
	RecoverySummaryTTL     time.Duration
	SessionCacheTTL        time.Duration

	// Worker pool
	WorkerCount int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		Env:         getEnvOrDefault("ENV", "development"),
		DatabaseURL: mustGetEnv("DATABASE_URL"),
		RedisURL:    mustGetEnv("REDIS_URL"),
		JWTSecret:   mustGetEnv("JWT_SECRET"),

		SessionStaleAfter:      getEnvAsDurationOrDefault("SESSION_STALE_AFTER", 10*time.Minute),
		PausedRetention:        getEnvAsDurationOrDefault("PAUSED_RETENTION", 72*time.Hour),
		HeartbeatInterval:      getEnvAsDurationOrDefault("HEARTBEAT_INTERVAL", 30*time.Second),
		AnalyticsFlushInterval: getEnvAsDurationOrDefault("ANALYTICS_FLUSH_INTERVAL", 20*time.Second),
		ExpirySweepInterval:    getEnvAsDurationOrDefault("EXPIRY_SWEEP_INTERVAL", time.Minute),
		RecoverySummaryTTL:     getEnvAsDurationOrDefault("RECOVERY_SUMMARY_TTL", 5*time.Minute),
		SessionCacheTTL:        getEnvAsDurationOrDefault("SESSION_CACHE_TTL", time.Minute),

		WorkerCount: getEnvAsIntOrDefault("WORKER_COUNT", 5),

		FrontendURL: getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
