package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port         string
	Env          string
	Debug        bool
	LogLevel     string
	AppVersion   string
	MaxBodyBytes int64
	WriteTimeout time.Duration

	// WhatsApp Cloud API
	WhatsAppToken       string
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	PhoneNumberID       string
	GraphAPIBase        string
	GraphAPIVersion     string
	WhatsAppTimeout     time.Duration

	// OpenAI Assistants
	OpenAIAPIKey          string
	OpenAIAssistantID     string
	OpenAIBaseURL         string
	AssistantTimeout      time.Duration
	AssistantPollInterval time.Duration
	FallbackReply         string

	// Conversation reference storage
	StoreBackend       string
	ConversationTTL    time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisTLS           bool
	DatabaseURL        string
	ConversationsTable string
	DedupEnabled       bool
	DedupTTL           time.Duration

	// Dispatch
	DispatchMode string
	QueueBackend string
	QueueURL     string
	WorkerCount  int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	RateLimitRPS      float64
	RateLimitBurst    int
	TrustProxyHeaders bool
	AdminJWTSecret    string
}

// writeTimeoutMargin covers store and ledger calls around a sync dispatch.
const writeTimeoutMargin = 5 * time.Second

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real environment
// variables always win.
func Load() *Config {
	_ = godotenv.Load()

	debug := getEnvAsBool("DEBUG", false)
	logLevel := getEnv("LOG_LEVEL", "info")
	if debug {
		logLevel = "debug"
	}

	return &Config{
		Port:         getEnv("PORT", "3000"),
		Env:          getEnv("ENV", "development"),
		Debug:        debug,
		LogLevel:     logLevel,
		AppVersion:   getEnv("APP_VERSION", "1.0.0"),
		MaxBodyBytes: int64(getEnvAsInt("MAX_BODY_BYTES", 1<<20)),
		WriteTimeout: getEnvAsDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),

		WhatsAppToken:       getEnv("WHATSAPP_TOKEN", ""),
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAppSecret:   getEnv("WHATSAPP_APP_SECRET", ""),
		PhoneNumberID:       getEnv("PHONE_NUMBER_ID", ""),
		GraphAPIBase:        getEnv("GRAPH_API_BASE", "https://graph.facebook.com"),
		GraphAPIVersion:     getEnv("GRAPH_API_VERSION", "v18.0"),
		WhatsAppTimeout:     getEnvAsDuration("WHATSAPP_TIMEOUT", 10*time.Second),

		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIAssistantID:     getEnv("OPENAI_ASSISTANT_ID", ""),
		OpenAIBaseURL:         getEnv("OPENAI_BASE_URL", ""),
		AssistantTimeout:      getEnvAsDuration("ASSISTANT_TIMEOUT", 60*time.Second),
		AssistantPollInterval: getEnvAsDuration("ASSISTANT_POLL_INTERVAL", time.Second),
		FallbackReply:         getEnv("FALLBACK_REPLY", ""),

		StoreBackend:       strings.ToLower(strings.TrimSpace(getEnv("STORE_BACKEND", "memory"))),
		ConversationTTL:    getEnvAsDuration("CONVERSATION_TTL", 24*time.Hour),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisTLS:           getEnvAsBool("REDIS_TLS", false),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		ConversationsTable: getEnv("CONVERSATIONS_TABLE", "whatsapp_conversations"),
		DedupEnabled:       getEnvAsBool("DEDUP_ENABLED", true),
		DedupTTL:           getEnvAsDuration("DEDUP_TTL", 24*time.Hour),

		DispatchMode: strings.ToLower(strings.TrimSpace(getEnv("DISPATCH_MODE", "sync"))),
		QueueBackend: strings.ToLower(strings.TrimSpace(getEnv("QUEUE_BACKEND", "memory"))),
		QueueURL:     getEnv("QUEUE_URL", ""),
		WorkerCount:  getEnvAsInt("WORKER_COUNT", 2),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RateLimitRPS:      getEnvAsFloat("RATE_LIMIT_RPS", 100.0/3600.0),
		RateLimitBurst:    getEnvAsInt("RATE_LIMIT_BURST", 100),
		TrustProxyHeaders: getEnvAsBool("TRUST_PROXY_HEADERS", false),
		AdminJWTSecret:    getEnv("ADMIN_JWT_SECRET", ""),
	}
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key   string
		value string
	}{
		{"WHATSAPP_TOKEN", c.WhatsAppToken},
		{"WHATSAPP_VERIFY_TOKEN", c.WhatsAppVerifyToken},
		{"WHATSAPP_APP_SECRET", c.WhatsAppAppSecret},
		{"PHONE_NUMBER_ID", c.PhoneNumberID},
		{"OPENAI_API_KEY", c.OpenAIAPIKey},
		{"OPENAI_ASSISTANT_ID", c.OpenAIAssistantID},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}

	switch c.StoreBackend {
	case "memory", "redis", "dynamodb":
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	switch c.DispatchMode {
	case "sync", "async":
	default:
		errs = append(errs, fmt.Errorf("unknown DISPATCH_MODE %q", c.DispatchMode))
	}

	if c.DispatchMode == "async" {
		switch c.QueueBackend {
		case "memory":
		case "sqs":
			if strings.TrimSpace(c.QueueURL) == "" {
				errs = append(errs, errors.New("QUEUE_URL is required for QUEUE_BACKEND=sqs"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend))
		}
	}

	return errors.Join(errs...)
}

// ServerWriteTimeout is the HTTP write deadline. In sync mode the webhook
// answers only after the thread create, the run and the send, so the
// deadline never drops below their combined timeouts.
func (c *Config) ServerWriteTimeout() time.Duration {
	if c.DispatchMode != "sync" {
		return c.WriteTimeout
	}
	return max(c.WriteTimeout, 2*c.AssistantTimeout+c.WhatsAppTimeout+writeTimeoutMargin)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
