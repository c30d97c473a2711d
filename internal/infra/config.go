package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv        string
	Port          string
	DatabaseURL   string
	RedisURL      string
	PublicBaseURL string

	StoragePath    string
	StorageBaseURL string
	MediaBaseURL   string
	MediaAPIKey    string

	AccountingBaseURL string
	AccountingAPIKey  string

	MidjourneyBaseURL string
	MidjourneyToken   string
	ReplicateBaseURL  string
	ReplicateToken    string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	PromptProvider    string

	BaseImagePrice float64
	RetryCeiling   int
	WaitTimeout    time.Duration
	PollInterval   time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:        getEnv("APP_ENV", "development"),
		Port:          getEnv("PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		MediaBaseURL:   os.Getenv("MEDIA_BASE_URL"),
		MediaAPIKey:    os.Getenv("MEDIA_API_KEY"),

		AccountingBaseURL: os.Getenv("ACCOUNTING_BASE_URL"),
		AccountingAPIKey:  os.Getenv("ACCOUNTING_API_KEY"),

		MidjourneyBaseURL: getEnv("MIDJOURNEY_BASE_URL", "https://mid.aision.io"),
		MidjourneyToken:   os.Getenv("MIDJOURNEY_TOKEN"),
		ReplicateBaseURL:  getEnv("REPLICATE_BASE_URL", "https://api.replicate.com"),
		ReplicateToken:    os.Getenv("REPLICATE_TOKEN"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		PromptProvider:    getEnv("PROMPT_PROVIDER", "static"),

		BaseImagePrice: getEnvFloat("BASE_IMAGE_PRICE", 0.1),
		RetryCeiling:   getEnvInt("RETRY_CEILING", 5),
		WaitTimeout:    time.Minute * time.Duration(getEnvInt("WAIT_TIMEOUT_MINUTES", 10)),
		PollInterval:   time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 30)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
