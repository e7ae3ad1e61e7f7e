// Package config loads process configuration from the environment.
//
// A .env file is honored in development via godotenv; real deployments set
// the variables directly. ENCRYPTION_KEY is the only hard requirement
// outside debug mode.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the chat core reads at startup.
type Config struct {
	Port  string
	Debug bool

	// Crypto
	EncryptionKey []byte // 32-byte key-encryption-key
	AuthSecret    string // session token HMAC secret, shared with the identity provider

	// Datastores
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Blob storage
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string

	// LLM
	LLMKey         string
	FallbackLLMKey string
	LLMModel       string
	LLMBaseURL     string
	LLMTimeout     time.Duration

	// Assistant
	AssistantMention  string
	AssistantUsername string

	// Moderation
	ModerationBatchSize     int
	ModerationFlagThreshold int

	// Context summaries
	SummaryMinMessages int
	SummaryMinMinutes  int
	SummaryMaxMinutes  int
	SummaryMaxMessages int

	// Proactive
	ProactiveEnabled bool
	IdleNudgeMinutes int

	// Workflow
	WithdrawMax          float64
	ReplayMaxAttempts    int
	ReplayBackoffBase    time.Duration
	ReplayBackoffMax     time.Duration
	ReplayBatchLimit     int
	ReplayGuardSeconds   int
	IdempotencyWindowSec int

	// Key rotation
	KeyRotationMessages int
	KeyRotationInterval time.Duration

	// Outbound service endpoints, keyed by service name. Only services
	// with a configured base URL are wired.
	Services map[string]Service

	// Inbound webhook HMAC secrets, keyed by service name.
	WebhookSecrets map[string]string
}

// Service is one outbound connector endpoint.
type Service struct {
	BaseURL string
	APIKey  string
}

// serviceNames is the fixed connector set; per-service env vars derive
// from the upper-cased name (EMAIL_SERVICE_URL, EMAIL_SERVICE_KEY,
// EMAIL_WEBHOOK_SECRET).
var serviceNames = []string{"email", "whatsapp", "payments", "travel", "calendar"}

// Load reads configuration from the environment. In debug mode a missing
// ENCRYPTION_KEY is replaced by an ephemeral one with a warning; otherwise
// it is fatal.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:  getStr("PORT", "8080"),
		Debug: getBool("DEBUG", false),

		AuthSecret: os.Getenv("AUTH_SECRET"),

		PostgresDSN:   getStr("POSTGRES_DSN", "postgres://localhost/korvo?sslmode=disable"),
		RedisAddr:     getStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_KEY"),
		SupabaseBucket: getStr("SUPABASE_BUCKET", "chat-media"),

		LLMKey:         os.Getenv("LLM_KEY"),
		FallbackLLMKey: os.Getenv("FALLBACK_LLM_KEY"),
		LLMModel:       getStr("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL:     os.Getenv("LLM_BASE_URL"),
		LLMTimeout:     time.Duration(getInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,

		AssistantMention:  getStr("ASSISTANT_MENTION_PREFIX", "@assistant"),
		AssistantUsername: getStr("ASSISTANT_USERNAME", "assistant"),

		ModerationBatchSize:     getInt("MODERATION_BATCH_SIZE", 10),
		ModerationFlagThreshold: getInt("MODERATION_FLAG_THRESHOLD", 3),

		SummaryMinMessages: getInt("CONTEXT_SUMMARY_MIN_MESSAGES", 12),
		SummaryMinMinutes:  getInt("CONTEXT_SUMMARY_MIN_MINUTES", 10),
		SummaryMaxMinutes:  getInt("CONTEXT_SUMMARY_MAX_MINUTES", 120),
		SummaryMaxMessages: getInt("CONTEXT_SUMMARY_MAX_MESSAGES", 50),

		ProactiveEnabled: getBool("PROACTIVE_ASSISTANT_ENABLED", true),
		IdleNudgeMinutes: getInt("PROACTIVE_IDLE_MINUTES", 10),

		WithdrawMax:          getFloat("WORKFLOW_WITHDRAW_MAX", 100000),
		ReplayMaxAttempts:    getInt("WORKFLOW_REPLAY_MAX_ATTEMPTS", 6),
		ReplayBackoffBase:    time.Duration(getInt("WORKFLOW_REPLAY_BACKOFF_BASE", 5)) * time.Second,
		ReplayBackoffMax:     time.Duration(getInt("WORKFLOW_REPLAY_BACKOFF_MAX", 300)) * time.Second,
		ReplayBatchLimit:     getInt("WORKFLOW_REPLAY_BATCH_LIMIT", 10),
		ReplayGuardSeconds:   getInt("WORKFLOW_REPLAY_GUARD_SECONDS", 120),
		IdempotencyWindowSec: getInt("WORKFLOW_IDEMPOTENCY_WINDOW_SECONDS", 90),

		KeyRotationMessages: getInt("KEY_ROTATION_MESSAGES", 1000),
		KeyRotationInterval: time.Duration(getInt("KEY_ROTATION_MINUTES", 60)) * time.Minute,
	}

	cfg.Services = make(map[string]Service)
	cfg.WebhookSecrets = make(map[string]string)
	for _, name := range serviceNames {
		prefix := strings.ToUpper(name)
		if url := os.Getenv(prefix + "_SERVICE_URL"); url != "" {
			cfg.Services[name] = Service{BaseURL: url, APIKey: os.Getenv(prefix + "_SERVICE_KEY")}
		}
		if secret := os.Getenv(prefix + "_WEBHOOK_SECRET"); secret != "" {
			cfg.WebhookSecrets[name] = secret
		}
	}

	raw := os.Getenv("ENCRYPTION_KEY")
	switch {
	case raw != "":
		key, err := base64.URLEncoding.DecodeString(raw)
		if err != nil {
			key, err = base64.RawURLEncoding.DecodeString(raw)
		}
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY is not valid base64url: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.EncryptionKey = key
	case cfg.Debug:
		slog.Warn("ENCRYPTION_KEY not set; generating ephemeral key (debug only, data will not survive restart)")
		cfg.EncryptionKey = ephemeralKey()
	default:
		return nil, fmt.Errorf("ENCRYPTION_KEY is required outside debug mode")
	}

	return cfg, nil
}

func ephemeralKey() []byte {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return key
}

func getStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("invalid float in environment, using default", "key", key, "value", v, "default", def)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
