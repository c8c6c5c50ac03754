package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストアのバックエンド種別。
const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Store
	StoreBackend   string
	DatabaseURL    string
	MemorySeedFile string // memoryの場合に読み込むユーザーと投稿のJSON

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Auth
	AuthJWTSecret string

	// Identity Store
	IdentityAPIURL  string
	IdentityTimeout time.Duration

	// Post Directory
	MongoURI      string
	MongoDatabase string

	// Notification
	NotifyWorkers   int
	NotifyQueueSize int

	// Rate Limit
	RateLimitGeneral int
	RateLimitSend    int

	// Repair
	RepairInterval time.Duration

	// Poll
	PollBaseURL      string
	PollUserID       string
	PollToken        string
	PollFastInterval time.Duration
	PollSlowInterval time.Duration

	// Attachment
	AttachmentVerify bool

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.StoreBackend = strings.ToLower(getEnvString("STORE_BACKEND", StoreBackendPostgres))
	switch cfg.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q: %q", StoreBackendPostgres, StoreBackendMemory, cfg.StoreBackend)
	}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StoreBackend == StoreBackendPostgres {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MemorySeedFile = getEnvString("MEMORY_SEED_FILE", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.AuthJWTSecret = getEnvString("AUTH_JWT_SECRET", "")
	cfg.IdentityAPIURL = strings.TrimRight(getEnvString("IDENTITY_API_URL", ""), "/")
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 5*time.Second)
	cfg.MongoURI = getEnvString("MONGO_URI", "")
	cfg.MongoDatabase = getEnvString("MONGO_DATABASE", "social")
	cfg.NotifyWorkers = getEnvInt("NOTIFY_WORKERS", 4)
	cfg.NotifyQueueSize = getEnvInt("NOTIFY_QUEUE_SIZE", 1024)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSend = getEnvInt("RATE_LIMIT_SEND", 60)
	cfg.RepairInterval = getEnvDuration("REPAIR_INTERVAL", time.Hour)
	cfg.PollBaseURL = strings.TrimRight(getEnvString("POLL_BASE_URL", "http://localhost:8080"), "/")
	cfg.PollUserID = getEnvString("POLL_USER_ID", "")
	cfg.PollToken = getEnvString("POLL_TOKEN", "")
	cfg.PollFastInterval = getEnvDuration("POLL_FAST_INTERVAL", 5*time.Second)
	cfg.PollSlowInterval = getEnvDuration("POLL_SLOW_INTERVAL", 30*time.Second)
	cfg.AttachmentVerify = getEnvBool("ATTACHMENT_VERIFY", false)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))

	return cfg, nil
}

// UseMemoryStore はインメモリストアで動作するかを返す。
func (c *Config) UseMemoryStore() bool {
	return c.StoreBackend == StoreBackendMemory
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
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
