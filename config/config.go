package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration loaded from environment
// variables once at process startup. It is immutable after Load returns —
// hot reload is out of scope, and the tracked symbol/interval set is fixed
// for the life of the process (the orchestrator's per-pair worker set is
// built once at startup).
type Config struct {
	// Active stream key and step size (spec.md §6).
	Symbols    string // comma-separated, e.g. "BTCUSDT,ETHUSDT"
	Intervals  string // comma-separated, e.g. "1m,5m,1h"
	Exchange   string // "binance" or "okx"

	// Infrastructure
	SQLitePath  string
	RedisAddr   string
	RedisPassword string
	MetricsAddr string
	APIAddr     string

	// Backfill
	BackfillConcurrency  int
	BackfillPageSize     int
	BackfillMaxPages     int
	BackfillRetryMax     int
	BackfillRetryBackoffMs int

	// Orchestrator
	OrchestratorPollIntervalMs int
	StoreLockKey               string

	// Continuity Scanner
	ScannerHorizonDays int
	ScannerSchedule    string // cron-ish hint; interpreted as an interval in minutes

	// Push Hub
	PushHeartbeatMs          int
	PushSubscriberQueueSize  int
	PushPartialCoalesce      bool

	// Delta API
	DeltaLimitMax int

	// Alerting
	WebhookURL string
}

// Load reads configuration from environment variables with documented
// defaults.
func Load() *Config {
	return &Config{
		Symbols:   getEnv("SYMBOLS", "BTCUSDT"),
		Intervals: getEnv("INTERVALS", "1m"),
		Exchange:  getEnv("EXCHANGE", "binance"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/ohlcv.db"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		BackfillConcurrency:    getEnvInt("BACKFILL_CONCURRENCY", 4),
		BackfillPageSize:       getEnvInt("BACKFILL_PAGE_SIZE", 1000),
		BackfillMaxPages:       getEnvInt("BACKFILL_MAX_PAGES", 500),
		BackfillRetryMax:       getEnvInt("BACKFILL_RETRY_MAX", 5),
		BackfillRetryBackoffMs: getEnvInt("BACKFILL_RETRY_BACKOFF_MS", 500),

		OrchestratorPollIntervalMs: getEnvInt("ORCHESTRATOR_POLL_INTERVAL_MS", 2000),
		StoreLockKey:               getEnv("STORE_LOCK_KEY", "gap_orchestrator"),

		ScannerHorizonDays: getEnvInt("SCANNER_HORIZON_DAYS", 30),
		ScannerSchedule:    getEnv("SCANNER_SCHEDULE", "60"),

		PushHeartbeatMs:         getEnvInt("PUSH_HEARTBEAT_MS", 15000),
		PushSubscriberQueueSize: getEnvInt("PUSH_SUBSCRIBER_QUEUE_SIZE", 64),
		PushPartialCoalesce:     getEnvBool("PUSH_PARTIAL_COALESCE", true),

		DeltaLimitMax: getEnvInt("DELTA_LIMIT_MAX", 1000),

		WebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),
	}
}

// ParseSymbols splits the configured Symbols into a slice.
func (c *Config) ParseSymbols() []string {
	return splitCSV(c.Symbols)
}

// ParseIntervals splits the configured Intervals into a slice.
func (c *Config) ParseIntervals() []string {
	return splitCSV(c.Intervals)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid bool for %s=%q, using default %v", key, v, fallback)
		return fallback
	}
	return b
}
