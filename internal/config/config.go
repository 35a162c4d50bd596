package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int
	DBConnLifetime time.Duration
	StartupTimeout time.Duration

	// Redis
	RedisURL string

	// Timeline
	TimelineMaxLength int
	ReblogWindow      int
	TimelineCacheSize int64
	TimelineCacheTTL  time.Duration

	// Fan-out
	FanoutBatchSize   int
	FanoutConcurrency int
	LockTTL           time.Duration
	InactiveDays      int

	// Jobs
	JobConcurrency     int
	JobPollTimeout     time.Duration
	JobVisibility      time.Duration
	JobRetryDistribute int
	JobRetryRevoke     int
	JobRetryMerge      int
	JobRetryUnmerge    int
	JobRetryRegenerate int
	CleanupInterval    time.Duration

	// Rate Limit
	RateLimitGeneral int

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 20)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 10)
	cfg.DBConnLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.StartupTimeout = getEnvDuration("STARTUP_TIMEOUT", 30*time.Second)
	cfg.TimelineMaxLength = getEnvInt("TIMELINE_MAX_LENGTH", 400)
	cfg.ReblogWindow = getEnvInt("REBLOG_WINDOW", 40)
	cfg.TimelineCacheSize = getEnvInt64("TIMELINE_CACHE_SIZE", 10000)
	cfg.TimelineCacheTTL = getEnvDuration("TIMELINE_CACHE_TTL", 2*time.Second)
	cfg.FanoutBatchSize = getEnvInt("FANOUT_BATCH_SIZE", 1000)
	cfg.FanoutConcurrency = getEnvInt("FANOUT_CONCURRENCY", 16)
	cfg.LockTTL = getEnvDuration("LOCK_TTL", 10*time.Minute)
	cfg.InactiveDays = getEnvInt("INACTIVE_DAYS", 14)
	cfg.JobConcurrency = getEnvInt("JOB_CONCURRENCY", 10)
	cfg.JobPollTimeout = getEnvDuration("JOB_POLL_TIMEOUT", 5*time.Second)
	cfg.JobVisibility = getEnvDuration("JOB_VISIBILITY_TIMEOUT", 15*time.Minute)
	cfg.JobRetryDistribute = getEnvInt("JOB_RETRY_DISTRIBUTE", 5)
	cfg.JobRetryRevoke = getEnvInt("JOB_RETRY_REVOKE", 5)
	cfg.JobRetryMerge = getEnvInt("JOB_RETRY_MERGE", 3)
	cfg.JobRetryUnmerge = getEnvInt("JOB_RETRY_UNMERGE", 3)
	cfg.JobRetryRegenerate = getEnvInt("JOB_RETRY_REGENERATE", 1)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 300)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// InactiveAfter は配送を省略する非アクティブ期間を返す。
func (c *Config) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveDays) * 24 * time.Hour
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
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
