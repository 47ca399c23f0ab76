package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// defaultVisionPrompt is used for vision batch requests when
// VISION_SYSTEM_PROMPT is not set.
const defaultVisionPrompt = `You are an expert automotive damage assessor. Analyze the provided car images and generate a detailed description of any visible damage, condition issues, or notable features. Focus on:
- Exterior damage (dents, scratches, rust, paint issues)
- Interior condition (wear, tears, stains)
- Mechanical visible issues
- Overall condition assessment
- Market-relevant details for potential buyers

Provide your response in clear, professional language suitable for a vehicle listing. Be specific about locations and severity of any damage found.`

// Config holds all configuration for the descgen server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Inference InferenceConfig
	Webhook   WebhookConfig
	Scheduler SchedulerConfig
	Limits    LimitsConfig
	Admin     AdminConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type InferenceConfig struct {
	BaseURL          string
	APIKey           string
	VisionModel      string
	TranslationModel string
	ReasoningEffort  string
	CompletionWindow string
	VisionPrompt     string
	MaxOutputTokens  int
	RequestTimeout   time.Duration
}

type WebhookConfig struct {
	SharedKey   string
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
}

type SchedulerConfig struct {
	PollInterval    time.Duration
	CleanupInterval time.Duration
	RetentionAge    time.Duration
}

type LimitsConfig struct {
	MaxLots       int
	CreateTimeout time.Duration
}

type AdminConfig struct {
	// APIKeyHash is a bcrypt hash of the operator key guarding the webhook
	// monitoring routes. Leaving it empty disables those routes.
	APIKeyHash string
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("DESCGEN_PORT", 8080),
			Env:             envString("DESCGEN_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Inference: InferenceConfig{
			BaseURL:          envString("INFERENCE_BASE_URL", "https://api.openai.com"),
			APIKey:           os.Getenv("INFERENCE_API_KEY"),
			VisionModel:      envString("VISION_MODEL", "o4-mini"),
			TranslationModel: envString("TRANSLATION_MODEL", "gpt-4.1-mini"),
			ReasoningEffort:  envString("VISION_REASONING_EFFORT", "medium"),
			CompletionWindow: envString("BATCH_COMPLETION_WINDOW", "24h"),
			VisionPrompt:     envString("VISION_SYSTEM_PROMPT", defaultVisionPrompt),
			MaxOutputTokens:  envInt("MAX_OUTPUT_TOKENS", 2048),
			RequestTimeout:   envDuration("INFERENCE_TIMEOUT", 60*time.Second),
		},
		Webhook: WebhookConfig{
			SharedKey:   os.Getenv("SHARED_KEY"),
			MaxAttempts: envInt("WEBHOOK_RETRY_ATTEMPTS", 5),
			BaseDelay:   envDuration("WEBHOOK_BASE_DELAY", 2*time.Second),
			MaxDelay:    envDuration("WEBHOOK_MAX_DELAY", 5*time.Minute),
			Timeout:     envDuration("WEBHOOK_TIMEOUT", 15*time.Second),
		},
		Scheduler: SchedulerConfig{
			PollInterval:    envDuration("POLL_INTERVAL", 30*time.Second),
			CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Hour),
			RetentionAge:    envDuration("RETENTION_AGE", 7*24*time.Hour),
		},
		Limits: LimitsConfig{
			MaxLots:       envInt("MAX_LOTS", 50000),
			CreateTimeout: envDuration("CREATE_TIMEOUT", 15*time.Second),
		},
		Admin: AdminConfig{
			APIKeyHash: os.Getenv("ADMIN_API_KEY_HASH"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Inference.APIKey == "" {
		return fmt.Errorf("INFERENCE_API_KEY is required")
	}
	if !strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
		return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}

	if c.Webhook.SharedKey == "" {
		return fmt.Errorf("SHARED_KEY is required")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_RETRY_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}

	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.Scheduler.PollInterval)
	}

	if c.Limits.MaxLots < 1 {
		return fmt.Errorf("MAX_LOTS must be positive, got %d", c.Limits.MaxLots)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
