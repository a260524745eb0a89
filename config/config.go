package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string

	// Broker configuration
	RabbitMQURL       string
	MatchingExchange  string
	SessionReadyQueue string

	// Exercise catalog
	QuestionServiceURL string
	CatalogRetries     int
	CatalogTimeout     time.Duration

	// Matching configuration
	MatchSearchInterval time.Duration
	MatchSearchTimeout  time.Duration
	ConfirmTimeout      time.Duration
	PairBatchSize       int

	// Collaboration configuration
	DefaultLanguage  string
	SessionTTL       time.Duration
	SessionIdleEvict time.Duration
	ClientSendBuffer int

	// Security
	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	// .env is optional, real environment wins
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("godotenv.Load()", "error", err)
	}

	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),

		// Broker
		RabbitMQURL:       getEnv("RABBITMQ_URL", ""),
		MatchingExchange:  getEnv("MATCHING_EXCHANGE", "matching.events"),
		SessionReadyQueue: getEnv("SESSION_READY_QUEUE", "collaboration_session_created"),

		// Catalog
		QuestionServiceURL: getEnv("QUESTION_SERVICE_URL", "http://localhost:8003"),
		CatalogRetries:     getEnvAsInt("CATALOG_RETRIES", 2),
		CatalogTimeout:     getEnvAsDuration("CATALOG_TIMEOUT", "3s"),

		// Matching
		MatchSearchInterval: getEnvAsDuration("MATCH_SEARCH_INTERVAL", "2s"),
		MatchSearchTimeout:  getEnvAsDuration("MATCH_SEARCH_TIMEOUT", "60s"),
		ConfirmTimeout:      getEnvAsDuration("CONFIRM_TIMEOUT", "120s"),
		PairBatchSize:       getEnvAsInt("PAIR_BATCH_SIZE", 5),

		// Collaboration
		DefaultLanguage:  getEnv("DEFAULT_LANGUAGE", "python"),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", "24h"),
		SessionIdleEvict: getEnvAsDuration("SESSION_IDLE_EVICT", "10m"),
		ClientSendBuffer: getEnvAsInt("CLIENT_SEND_BUFFER", 64),

		// Security
		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
