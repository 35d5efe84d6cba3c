package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"docsync/api/internal/store"
)

type Config struct {
	Env            string        `env:"APP_ENV" env-default:"production"`
	Addr           string        `env:"API_ADDR" env-default:":8787"`
	DatabaseDriver string        `env:"DATABASE_DRIVER" env-default:"sqlite"`
	DatabaseURL    string        `env:"DATABASE_URL" env-default:"./data/docsync.db"`
	JWTSecret      string        `env:"DOCSYNC_JWT_SECRET" env-default:"docsync-dev-secret"`
	CORSOrigins    []string      `env:"DOCSYNC_CORS_ORIGINS" env-separator:"," env-default:"*"`
	FetchTimeout   time.Duration `env:"DOCSYNC_FETCH_TIMEOUT" env-default:"10s"`
	SanitizeEdits  bool          `env:"DOCSYNC_SANITIZE_EDITS" env-default:"false"`
	MirrorDir      string        `env:"DOCSYNC_MIRROR_DIR" env-default:"./data/repos"`
	// Redis fans realtime events out across instances; empty runs a single hub.
	RedisURL       string `env:"REDIS_URL" env-default:""`
	MeiliURL       string `env:"MEILI_URL" env-default:""`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY" env-default:""`
	Archive        ArchiveConfig
}

// ArchiveConfig points at S3-compatible storage for raw pages. An empty
// endpoint disables archiving.
type ArchiveConfig struct {
	Endpoint  string `env:"S3_ENDPOINT" env-default:""`
	AccessKey string `env:"S3_ACCESS_KEY" env-default:""`
	SecretKey string `env:"S3_SECRET_KEY" env-default:""`
	Bucket    string `env:"S3_BUCKET" env-default:"docsync-pages"`
	Region    string `env:"S3_REGION" env-default:"us-east-1"`
	UseSSL    bool   `env:"S3_USE_SSL" env-default:"false"`
}

func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if _, err := cfg.Dialect(); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.FetchTimeout <= 0 {
		return Config{}, fmt.Errorf("DOCSYNC_FETCH_TIMEOUT must be positive")
	}
	return cfg, nil
}

func (c Config) Dialect() (store.Dialect, error) {
	return store.ParseDialect(strings.ToLower(strings.TrimSpace(c.DatabaseDriver)))
}

func (c Config) Development() bool {
	return c.Env == "dev" || c.Env == "development" || c.Env == "local"
}
