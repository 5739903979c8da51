package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// CasdoorConfig holds the identity provider settings.
type CasdoorConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
	Cert         string
	Organization string
	Application  string
}

// StorageConfig holds the blob store settings.
type StorageConfig struct {
	Bucket          string
	CredentialsFile string
	SignedURLExpiry time.Duration
}

// OcrConfig holds the OCR provider settings.
type OcrConfig struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// LlmConfig holds the grading model settings.
type LlmConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// PipelineConfig holds the background worker settings.
type PipelineConfig struct {
	OcrInterval        time.Duration
	PrecheckInterval   time.Duration
	AutoSubmitInterval time.Duration
	RetryInterval      time.Duration

	OcrMaxAttempts      int
	PrecheckMaxAttempts int
	BackoffBase         time.Duration
	BackoffMax          time.Duration

	WorkerCount int
	BatchSize   int

	// PrecheckReportedSubmissions lets submissions whose OCR review was
	// reported still reach the grading model.
	PrecheckReportedSubmissions bool
}

// TelegramConfig holds the bot ingestion settings.
type TelegramConfig struct {
	BotToken     string
	BotName      string
	PollInterval time.Duration
}

// Config is the process-wide configuration, loaded from environment
// variables with an optional .env file.
type Config struct {
	Environment string
	Port        string
	LogLevel    slog.Level

	DatabaseURL string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	MaxImagesPerSubmission int
	MaxUploadBytes         int64

	Casdoor  CasdoorConfig
	Storage  StorageConfig
	Ocr      OcrConfig
	Llm      LlmConfig
	Pipeline PipelineConfig
	Telegram TelegramConfig
}

// LoadConfig reads configuration from the environment. A missing .env
// file is not an error.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		LogLevel:    parseLogLevel(getEnv("LOG_LEVEL", "info")),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		KafkaTopic: getEnv("KAFKA_TOPIC", "grading.events"),

		MaxImagesPerSubmission: getEnvInt("MAX_IMAGES_PER_SUBMISSION", 30),
		MaxUploadBytes:         int64(getEnvInt("MAX_UPLOAD_BYTES", 15<<20)),

		Casdoor: CasdoorConfig{
			Endpoint:     getEnv("CASDOOR_ENDPOINT", ""),
			ClientID:     getEnv("CASDOOR_CLIENT_ID", ""),
			ClientSecret: getEnv("CASDOOR_CLIENT_SECRET", ""),
			Cert:         getEnv("CASDOOR_CERT", ""),
			Organization: getEnv("CASDOOR_ORGANIZATION", ""),
			Application:  getEnv("CASDOOR_APPLICATION", ""),
		},

		Storage: StorageConfig{
			Bucket:          getEnv("STORAGE_BUCKET", ""),
			CredentialsFile: getEnv("STORAGE_CREDENTIALS_FILE", ""),
			SignedURLExpiry: getEnvDuration("STORAGE_SIGNED_URL_EXPIRY", 15*time.Minute),
		},

		Ocr: OcrConfig{
			BaseURL:      getEnv("OCR_BASE_URL", "https://www.datalab.to/api/v1"),
			APIKey:       getEnv("OCR_API_KEY", ""),
			PollInterval: getEnvDuration("OCR_POLL_INTERVAL", 2*time.Second),
			PollTimeout:  getEnvDuration("OCR_POLL_TIMEOUT", 3*time.Minute),
		},

		Llm: LlmConfig{
			BaseURL:     getEnv("LLM_BASE_URL", ""),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "gpt-4o"),
			Temperature: float32(getEnvFloat("LLM_TEMPERATURE", 0.1)),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 2*time.Minute),
		},

		Pipeline: PipelineConfig{
			OcrInterval:        getEnvDuration("PIPELINE_OCR_INTERVAL", 10*time.Second),
			PrecheckInterval:   getEnvDuration("PIPELINE_PRECHECK_INTERVAL", 10*time.Second),
			AutoSubmitInterval: getEnvDuration("PIPELINE_AUTOSUBMIT_INTERVAL", 30*time.Second),
			RetryInterval:      getEnvDuration("PIPELINE_RETRY_INTERVAL", 5*time.Minute),

			OcrMaxAttempts:      getEnvInt("PIPELINE_OCR_MAX_ATTEMPTS", 3),
			PrecheckMaxAttempts: getEnvInt("PIPELINE_PRECHECK_MAX_ATTEMPTS", 3),
			BackoffBase:         getEnvDuration("PIPELINE_BACKOFF_BASE", 30*time.Second),
			BackoffMax:          getEnvDuration("PIPELINE_BACKOFF_MAX", 15*time.Minute),

			WorkerCount: getEnvInt("PIPELINE_WORKER_COUNT", 4),
			BatchSize:   getEnvInt("PIPELINE_BATCH_SIZE", 20),

			PrecheckReportedSubmissions: getEnvBool("PIPELINE_PRECHECK_REPORTED", true),
		},

		Telegram: TelegramConfig{
			BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
			BotName:      getEnv("TELEGRAM_BOT_NAME", "grading-bot"),
			PollInterval: getEnvDuration("TELEGRAM_POLL_INTERVAL", 3*time.Second),
		},
	}

	if envBrokers := getEnv("KAFKA_BROKERS", ""); envBrokers != "" {
		for _, b := range strings.Split(envBrokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
