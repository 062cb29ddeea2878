package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds both binaries' settings. The SDK reads the IAP block; the order back end reads
// App, DB and Redis.
type Config struct {
	App struct {
		Name           string   `envconfig:"APP_NAME" default:"iapkit"`
		Port           int      `envconfig:"PORT" default:"8080"`
		AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
	}

	DB struct {
		Host     string `envconfig:"DB_HOST" default:"localhost"`
		Port     int    `envconfig:"DB_PORT" default:"5432"`
		User     string `envconfig:"DB_USER" default:"postgres"`
		Password string `envconfig:"DB_PASSWORD" default:""`
		Name     string `envconfig:"DB_NAME" default:"iapkit"`
	}

	Redis struct {
		Addr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
		Password  string        `envconfig:"REDIS_PASSWORD" default:""`
		DB        int           `envconfig:"REDIS_DB" default:"0"`
		ReplayTTL time.Duration `envconfig:"REDIS_REPLAY_TTL" default:"720h"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"30s"`
	}

	IAP IAP
}

type IAP struct {
	AutoFinish          bool          `envconfig:"IAP_AUTO_FINISH" default:"true"`
	AutoRecovery        bool          `envconfig:"IAP_AUTO_RECOVERY" default:"true"`
	OrderTTL            time.Duration `envconfig:"IAP_ORDER_TTL" default:"30m"`
	StaleOrderAfter     time.Duration `envconfig:"IAP_STALE_ORDER_AFTER" default:"10m"`
	CacheTTL            time.Duration `envconfig:"IAP_CACHE_TTL" default:"5m"`
	RecoveryMaxAttempts int           `envconfig:"IAP_RECOVERY_MAX_ATTEMPTS" default:"3"`
	RecoveryBackoff     time.Duration `envconfig:"IAP_RECOVERY_BACKOFF" default:"200ms"`
	BackendURL          string        `envconfig:"IAP_BACKEND_URL"`
	RequestTimeout      time.Duration `envconfig:"IAP_REQUEST_TIMEOUT" default:"15s"`
	ReceiptKey          string        `envconfig:"IAP_RECEIPT_KEY"`
	BackendVariant      string        `envconfig:"IAP_BACKEND_VARIANT" default:"auto"`
}

func (c *Config) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name)
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	return &cfg, nil
}
