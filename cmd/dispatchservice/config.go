package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type appConfig struct {
	Env             string
	LogLevel        string
	Version         string
	TraceStdout     bool
	HTTPAddr        string
	GRPCAddr        string
	PostgresDSN     string
	RedisAddr       string
	NATSURL         string
	NATSQueue       string
	JWTSecret       string
	Candidates      int
	OfferTimeout    time.Duration
	RouteTimeout    time.Duration
	RadiusKM        float64
	RouteProvider   string
	OSRMURL         string
	GoogleAPIKey    string
	RouteCacheTTL   time.Duration
	AverageSpeedKPH float64
	FareBase        float64
	FarePerKM       float64
	FarePerMinute   float64
	StoreRetryMax   int
	StoreBackoff    time.Duration
	IdempotencyTTL  time.Duration
	OutboxPoll      time.Duration
	OutboxBatch     int
	OutboxRetry     int
	RateReadRPS     float64
	RateReadBurst   float64
	RateWriteRPS    float64
	RateWriteBurst  float64
	SeedDemoFleet   bool
}

// loadConfig reads the environment. With APP_ENV=local a .env file in the working
// directory is loaded first; variables already set win.
func loadConfig() appConfig {
	env := getenv("APP_ENV", "production")
	if env == "local" {
		_ = godotenv.Load()
	}
	return appConfig{
		Env:             env,
		LogLevel:        getenv("LOG_LEVEL", "info"),
		Version:         getenv("APP_VERSION", "dev"),
		TraceStdout:     parseBoolEnv("TRACE_STDOUT", false),
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:        os.Getenv("GRPC_ADDR"),
		PostgresDSN:     firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		NATSURL:         os.Getenv("NATS_URL"),
		NATSQueue:       getenv("NATS_QUEUE", "dispatch"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		Candidates:      parseIntEnv("DISPATCH_CANDIDATES", 5),
		OfferTimeout:    parseDurationEnv("DISPATCH_OFFER_TIMEOUT", 15*time.Second),
		RouteTimeout:    parseDurationEnv("DISPATCH_ROUTE_TIMEOUT", 3*time.Second),
		RadiusKM:        parseFloatEnv("REGISTRY_RADIUS_KM", 10),
		RouteProvider:   strings.ToLower(getenv("ROUTE_PROVIDER", "estimate")),
		OSRMURL:         getenv("OSRM_URL", "https://router.project-osrm.org"),
		GoogleAPIKey:    os.Getenv("GOOGLE_MAPS_API_KEY"),
		RouteCacheTTL:   parseDurationEnv("ROUTE_CACHE_TTL", 5*time.Minute),
		AverageSpeedKPH: parseFloatEnv("ROUTE_AVERAGE_SPEED_KPH", 30),
		FareBase:        parseFloatEnv("FARE_BASE", 2.50),
		FarePerKM:       parseFloatEnv("FARE_PER_KM", 1.20),
		FarePerMinute:   parseFloatEnv("FARE_PER_MINUTE", 0.25),
		StoreRetryMax:   parseIntEnv("STORE_RETRY_MAX", 3),
		StoreBackoff:    parseDurationEnv("STORE_RETRY_BACKOFF", 50*time.Millisecond),
		IdempotencyTTL:  parseDurationEnv("IDEMPOTENCY_TTL", 24*time.Hour),
		OutboxPoll:      time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch:     parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry:     parseIntEnv("OUTBOX_RETRY_MAX", 3),
		RateReadRPS:     parseFloatEnv("RATE_READ_RPS", 20),
		RateReadBurst:   parseFloatEnv("RATE_READ_BURST", 40),
		RateWriteRPS:    parseFloatEnv("RATE_WRITE_RPS", 5),
		RateWriteBurst:  parseFloatEnv("RATE_WRITE_BURST", 10),
		SeedDemoFleet:   parseBoolEnv("SEED_DEMO_FLEET", false),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return fallback
}

// parseDurationEnv accepts Go durations ("15s") or a bare number of seconds.
func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
