// Package config loads the relay configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"file-relay/internal/content"
	"file-relay/internal/logging"
	"file-relay/internal/metastore"
	"file-relay/internal/registry"
	"file-relay/internal/sanitize"
)

const (
	ContentDisk  = "disk"
	ContentMinio = "minio"

	MetaJSON     = "json"
	MetaPostgres = "postgres"
	MetaRedis    = "redis"
)

const (
	defaultAddr        = ":8080"
	defaultStorageRoot = "./data"
	defaultRateLimit   = 120
	metaFileName       = "registry.json"
)

// Config is the validated process configuration.
type Config struct {
	Addr             string
	TTL              time.Duration
	MaxFileSizeBytes int64
	AllowedMimeTypes []string
	StorageRoot      string
	SweepInterval    time.Duration
	TokenPolicy      registry.TokenPolicy
	CountDownloads   bool

	ContentBackend string
	S3             content.MinioConfig

	MetaBackend string
	MetaPath    string
	DatabaseURL string
	Redis       metastore.RedisConfig

	Log logging.Config

	// RateLimit is requests per minute per client IP; 0 disables it.
	RateLimit int
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool
}

// Load reads an optional .env file (or the given files) and then the
// environment. Variables already set in the environment win over the files.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(envFiles...); err != nil {
		return Config{}, err
	}
	return fromEnv(os.Getenv)
}

func fromEnv(getenv func(string) string) (Config, error) {
	v := NewValidator()

	cfg := Config{
		Addr:             stringOr(getenv("RELAY_ADDR"), defaultAddr),
		TTL:              v.Duration("RELAY_TTL", getenv("RELAY_TTL"), registry.DefaultTTL),
		MaxFileSizeBytes: v.PositiveInt64("RELAY_MAX_FILE_SIZE_BYTES", getenv("RELAY_MAX_FILE_SIZE_BYTES"), sanitize.DefaultMaxFileSize),
		AllowedMimeTypes: splitList(getenv("RELAY_ALLOWED_MIME_TYPES")),
		StorageRoot:      stringOr(getenv("RELAY_STORAGE_ROOT"), defaultStorageRoot),
		SweepInterval:    v.Duration("RELAY_SWEEP_INTERVAL", getenv("RELAY_SWEEP_INTERVAL"), 15*time.Second),
		CountDownloads:   v.Bool("RELAY_COUNT_DOWNLOADS", getenv("RELAY_COUNT_DOWNLOADS"), true),
		ContentBackend:   stringOr(getenv("RELAY_CONTENT_BACKEND"), ContentDisk),
		S3: content.MinioConfig{
			Endpoint:  getenv("RELAY_S3_ENDPOINT"),
			AccessKey: getenv("RELAY_S3_ACCESS_KEY"),
			SecretKey: getenv("RELAY_S3_SECRET_KEY"),
			Bucket:    getenv("RELAY_S3_BUCKET"),
		},
		MetaBackend: stringOr(getenv("RELAY_META_BACKEND"), MetaJSON),
		MetaPath:    getenv("RELAY_META_PATH"),
		DatabaseURL: getenv("DATABASE_URL"),
		Redis: metastore.RedisConfig{
			Addrs:    getenv("RELAY_REDIS_ADDR"),
			Password: getenv("RELAY_REDIS_PASSWORD"),
			Key:      stringOr(getenv("RELAY_REDIS_KEY"), metastore.DefaultRedisKey),
		},
		Log: logging.Config{
			Format: stringOr(getenv("RELAY_LOG_FORMAT"), logging.FormatText),
			Level:  stringOr(getenv("RELAY_LOG_LEVEL"), "info"),
			Env:    stringOr(getenv("RELAY_ENV"), "development"),
		},
		RateLimit:  v.NonNegativeInt("RELAY_RATE_LIMIT", getenv("RELAY_RATE_LIMIT"), defaultRateLimit),
		TrustProxy: v.Bool("RELAY_TRUST_PROXY", getenv("RELAY_TRUST_PROXY"), false),
	}
	if cfg.MetaPath == "" {
		cfg.MetaPath = filepath.Join(cfg.StorageRoot, metaFileName)
	}

	v.Addr("RELAY_ADDR", cfg.Addr)

	policy, err := registry.ParseTokenPolicy(stringOr(getenv("RELAY_TOKEN_POLICY"), string(registry.TokenRequired)))
	if err != nil {
		v.AddError("RELAY_TOKEN_POLICY", err.Error())
	}
	cfg.TokenPolicy = policy

	v.Enum("RELAY_CONTENT_BACKEND", cfg.ContentBackend, []string{ContentDisk, ContentMinio})
	if cfg.ContentBackend == ContentMinio {
		v.Required("RELAY_S3_ENDPOINT", cfg.S3.Endpoint)
		v.Required("RELAY_S3_ACCESS_KEY", cfg.S3.AccessKey)
		v.Required("RELAY_S3_SECRET_KEY", cfg.S3.SecretKey)
		v.Required("RELAY_S3_BUCKET", cfg.S3.Bucket)
		v.Endpoint("RELAY_S3_ENDPOINT", cfg.S3.Endpoint)
	}

	v.Enum("RELAY_META_BACKEND", cfg.MetaBackend, []string{MetaJSON, MetaPostgres, MetaRedis})
	switch cfg.MetaBackend {
	case MetaPostgres:
		v.Required("DATABASE_URL", cfg.DatabaseURL)
		v.PostgresURL("DATABASE_URL", cfg.DatabaseURL)
	case MetaRedis:
		v.Required("RELAY_REDIS_ADDR", cfg.Redis.Addrs)
	}

	v.Enum("RELAY_LOG_FORMAT", cfg.Log.Format, []string{logging.FormatJSON, logging.FormatText})
	v.Enum("RELAY_LOG_LEVEL", cfg.Log.Level, []string{"debug", "info", "warn", "error"})
	v.Enum("RELAY_ENV", cfg.Log.Env, []string{"development", "staging", logging.EnvProduction})

	if err := v.Err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func stringOr(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
