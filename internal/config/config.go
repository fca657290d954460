package config

import (
	"fmt"
	"os"
	"strings"
)

type Config struct {
	ListenAddr              string
	DatabaseURL             string
	RedisAddr               string
	CacheTTLSeconds         int
	CORSAllowedOrigins      []string
	AdminAPIKey             string
	RateLimitRequestsPerSec float64
	RateLimitBurst          int

	PipedriveBaseURL        string
	PipedriveAPIToken       string
	PipedriveRequestsPerSec float64

	SyncIntervalMinutes    int
	SyncTimeoutMinutes     int
	SyncBatchSize          int
	SyncMaxRetries         int
	SyncConcurrency        int
	IncrementalWindowHours int
	RetryDelayMillis       int

	AlertWebhookURL      string
	AlertAuthHeader      string
	AlertCooldownMinutes int

	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
}

func Load() Config {
	port := envOrDefault("DEALFLOW_PORT", "8080")

	return Config{
		ListenAddr:              ":" + port,
		DatabaseURL:             databaseURL(),
		RedisAddr:               redisAddr(),
		CacheTTLSeconds:         envOrDefaultInt("CACHE_TTL_SECONDS", 300),
		CORSAllowedOrigins:      parseCSV(envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		AdminAPIKey:             os.Getenv("ADMIN_API_KEY"),
		RateLimitRequestsPerSec: envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:          envOrDefaultInt("RATE_LIMIT_BURST", 50),

		PipedriveBaseURL:        os.Getenv("PIPEDRIVE_BASE_URL"),
		PipedriveAPIToken:       os.Getenv("PIPEDRIVE_API_TOKEN"),
		PipedriveRequestsPerSec: envOrDefaultFloat("PIPEDRIVE_REQUESTS_PER_SEC", 5),

		SyncIntervalMinutes:    envOrDefaultInt("SYNC_INTERVAL_MINUTES", 0),
		SyncTimeoutMinutes:     envOrDefaultInt("SYNC_TIMEOUT_MINUTES", 10),
		SyncBatchSize:          envOrDefaultInt("SYNC_BATCH_SIZE", 50),
		SyncMaxRetries:         envOrDefaultInt("SYNC_MAX_RETRIES", 2),
		SyncConcurrency:        envOrDefaultInt("SYNC_CONCURRENCY", 4),
		IncrementalWindowHours: envOrDefaultInt("INCREMENTAL_WINDOW_HOURS", 6),
		RetryDelayMillis:       envOrDefaultInt("RETRY_DELAY_MILLIS", 500),

		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
		AlertAuthHeader:      os.Getenv("ALERT_AUTH_HEADER"),
		AlertCooldownMinutes: envOrDefaultInt("ALERT_COOLDOWN_MINUTES", 60),

		S3Region:    envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey: envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:    envOrDefault("S3_BUCKET", ""),
	}
}

func databaseURL() string {
	if value := os.Getenv("DATABASE_URL"); value != "" {
		return value
	}

	host := envOrDefault("POSTGRES_HOST", "localhost")
	port := envOrDefault("POSTGRES_PORT", "5432")
	user := envOrDefault("POSTGRES_USER", "dealflow")
	password := envOrDefault("POSTGRES_PASSWORD", "dealflow")
	database := envOrDefault("POSTGRES_DB", "dealflow")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func redisAddr() string {
	host := envOrDefault("REDIS_HOST", "localhost")
	port := envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}
