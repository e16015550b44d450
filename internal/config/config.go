package config

import (
	"os"
	"strconv"
	"strings"
)

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port   string
	AppEnv string

	AuthToken string

	DatabaseURL string

	QueueBackend       string
	QueueMaxDeliveries int

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisStream        string
	RedisDLQ           string
	RedisGroup         string
	RedisConsumer      string
	RedisLeaseTimeoutS int

	RabbitURL   string
	RabbitQueue string

	ObjectStore   string
	GCSBucket     string
	GCSPublicBase string
	StoragePath   string

	TextProvider string

	OpenRouterAPIKey              string
	OpenRouterBaseURL             string
	OpenRouterTimeoutMS           int
	OpenRouterMaxRetries          int
	OpenRouterSiteURL             string
	OpenRouterAppName             string
	OpenRouterModelTopicPrimary   string
	OpenRouterModelTopicFallback  string
	OpenRouterModelScriptPrimary  string
	OpenRouterModelScriptFallback string
	OpenRouterRequestsPerMinute   float64
	GeminiAPIKey                  string
	GeminiModel                   string
	SpeechBaseURL                 string
	SpeechAPIKey                  string
	SpeechVoice                   string
	SpeechMaxRetries              int
	VideoBaseURL                  string
	VideoAPIKey                   string
	VideoMaxRetries               int
	TopicCacheTTLSeconds          int
	TopicCacheMaxEntries          int
	PromptsDir                    string
	TuningFiles                   []string

	RateLimitRPS   float64
	RateLimitBurst int

	CORSAllowedOrigins []string

	IdempotencyBackend    string
	IdempotencyTTLSeconds int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled                  bool
	WorkerMaxRuntimeSeconds        int
	WorkerEmptyQueueTimeoutSeconds int
}

func Load() Config {
	return Config{
		Port:   getEnv("PORT", "8080"),
		AppEnv: getEnv("APP_ENV", "development"),

		AuthToken: getEnv("API_AUTH_TOKEN", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		QueueBackend:       strings.ToLower(getEnv("QUEUE_BACKEND", "local")),
		QueueMaxDeliveries: getEnvInt("QUEUE_MAX_DELIVERIES", 5),

		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisStream:        getEnv("REDIS_STREAM", "lesson_requests"),
		RedisDLQ:           getEnv("REDIS_DLQ_STREAM", "lesson_requests_dlq"),
		RedisGroup:         getEnv("REDIS_GROUP", "lesson_workers"),
		RedisConsumer:      getEnv("REDIS_CONSUMER", hostnameOr("worker-1")),
		RedisLeaseTimeoutS: getEnvInt("REDIS_LEASE_TIMEOUT_SECONDS", 300),

		RabbitURL:   getEnv("RABBIT_URL", ""),
		RabbitQueue: getEnv("RABBIT_QUEUE", "lesson_requests"),

		ObjectStore:   strings.ToLower(getEnv("OBJECT_STORE", "filesystem")),
		GCSBucket:     getEnv("GCS_BUCKET", ""),
		GCSPublicBase: getEnv("GCS_PUBLIC_BASE_URL", "https://storage.googleapis.com"),
		StoragePath:   getEnv("STORAGE_PATH", "./data/artifacts"),

		TextProvider: strings.ToLower(getEnv("TEXT_PROVIDER", "openrouter")),

		OpenRouterAPIKey:              getEnv("OPENROUTER_API_KEY", ""),
		OpenRouterBaseURL:             getEnv("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterTimeoutMS:           getEnvInt("OPENROUTER_TIMEOUT_MS", 30000),
		OpenRouterMaxRetries:          getEnvInt("OPENROUTER_MAX_RETRIES", 1),
		OpenRouterSiteURL:             getEnv("OPENROUTER_SITE_URL", ""),
		OpenRouterAppName:             getEnv("OPENROUTER_APP_NAME", "lesson-pipeline"),
		OpenRouterModelTopicPrimary:   getEnv("OPENROUTER_MODEL_TOPIC_PRIMARY", "openai/gpt-4.1-nano"),
		OpenRouterModelTopicFallback:  getEnv("OPENROUTER_MODEL_TOPIC_FALLBACK", "openai/gpt-4.1-mini"),
		OpenRouterModelScriptPrimary:  getEnv("OPENROUTER_MODEL_SCRIPT_PRIMARY", "openai/gpt-4.1-mini"),
		OpenRouterModelScriptFallback: getEnv("OPENROUTER_MODEL_SCRIPT_FALLBACK", "openai/gpt-4.1"),
		OpenRouterRequestsPerMinute:   getEnvFloat("OPENROUTER_REQUESTS_PER_MINUTE", 120),
		GeminiAPIKey:                  getEnv("GEMINI_API_KEY", ""),
		GeminiModel:                   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		SpeechBaseURL:                 getEnv("TTS_BASE_URL", ""),
		SpeechAPIKey:                  getEnv("TTS_API_KEY", ""),
		SpeechVoice:                   getEnv("TTS_VOICE", "narrator"),
		SpeechMaxRetries:              getEnvInt("TTS_MAX_RETRIES", 1),
		VideoBaseURL:                  getEnv("VIDEO_BASE_URL", ""),
		VideoAPIKey:                   getEnv("VIDEO_API_KEY", ""),
		VideoMaxRetries:               getEnvInt("VIDEO_MAX_RETRIES", 0),
		TopicCacheTTLSeconds:          getEnvInt("TOPIC_CACHE_TTL_SECONDS", 3600),
		TopicCacheMaxEntries:          getEnvInt("TOPIC_CACHE_MAX_ENTRIES", 2000),
		PromptsDir:                    getEnv("PROMPTS_DIR", ""),
		TuningFiles:                   splitCSV(getEnv("PIPELINE_TUNING_FILES", "configs/pipeline.toml")),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		CORSAllowedOrigins: splitCSV(getEnv("CORS_ALLOWED_ORIGINS", "")),

		IdempotencyBackend:    strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", "memory")),
		IdempotencyTTLSeconds: getEnvInt("IDEMPOTENCY_TTL_SECONDS", 86400),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled:                  getEnvBool("WORKER_ENABLED", false),
		WorkerMaxRuntimeSeconds:        getEnvInt("WORKER_MAX_RUNTIME_SECONDS", 840),
		WorkerEmptyQueueTimeoutSeconds: getEnvInt("WORKER_EMPTY_QUEUE_TIMEOUT_SECONDS", 60),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func hostnameOr(fallback string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallback
	}
	return host
}

